package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for token lifecycle operations. Expiry, malformed input,
// and signature failures are distinct because callers react differently:
// expired tokens are silently refreshed, the others are hard rejects logged
// as security events.
var (
	// ErrInvalidSubject indicates that the subject, role, or permissions
	// passed to Issue are missing or malformed.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrTokenMalformed indicates that the token is not a parseable JWT.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenSignature indicates that the token signature is invalid or the
	// signing algorithm is not on the allow-list.
	ErrTokenSignature = errors.New("token signature is invalid")

	// ErrTokenInvalidClaim indicates that a required claim has the wrong
	// value (issuer, audience, not-before).
	ErrTokenInvalidClaim = errors.New("token claim is invalid")

	// ErrTokenWrongKind indicates that an access token was presented where a
	// refresh token was expected, or vice versa.
	ErrTokenWrongKind = errors.New("token kind mismatch")

	// ErrTokenRevoked indicates that the token ID is on the blacklist.
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrReuseDetected indicates that a refresh token was exchanged more
	// than once. This is the strongest security signal in the subsystem: a
	// legitimate client never reuses a consumed refresh token, so detection
	// triggers full-subject revocation before the error is returned.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

// VerificationError wraps a verification failure with the token ID and
// subject when they could be extracted.
type VerificationError struct {
	TokenID string
	Subject string
	Cause   error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.TokenID != "" {
		return fmt.Sprintf("token verification failed (jti=%s): %v", e.TokenID, e.Cause)
	}
	return fmt.Sprintf("token verification failed: %v", e.Cause)
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Cause
}

// IsAuthenticationError returns true for any failure that should surface to
// the caller as a bad credential rather than an internal error.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenSignature) ||
		errors.Is(err, ErrTokenInvalidClaim) ||
		errors.Is(err, ErrTokenWrongKind) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrReuseDetected)
}
