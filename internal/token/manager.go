// Package token implements the bearer credential lifecycle: issuing signed
// access/refresh pairs, verifying them, rotating refresh tokens with reuse
// detection, and maintaining the revocation blacklist.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/store"
)

// TokenPair is an issued access/refresh pair. It is returned to the caller
// and never retained server-side beyond the token metadata record.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenID      string `json:"tokenId"`
}

// metadataRecord is the stored record for an issued token ID, used to
// support bulk revocation by subject. One record covers the whole pair, so
// it lives as long as the refresh token does.
type metadataRecord struct {
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// Manager is the token lifecycle manager.
type Manager struct {
	config *Config
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// Option is a functional option for the manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source, for tests that control time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new token lifecycle manager.
func NewManager(config *Config, s store.Store, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("token: config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("token: store is required")
	}

	m := &Manager{
		config: config,
		store:  s,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue creates a signed access/refresh pair for the subject. Both tokens
// share one token ID, so blacklisting the ID destroys the whole pair.
func (m *Manager) Issue(ctx context.Context, subject, role string, permissions []string) (*TokenPair, error) {
	return m.issue(ctx, subject, role, permissions, uuid.NewString())
}

// issue mints a pair with the given session ID. Refresh re-issues under the
// existing session so a rotation does not start a new session.
func (m *Manager) issue(ctx context.Context, subject, role string, permissions []string, sessionID string) (*TokenPair, error) {
	if err := validateSubject(subject, role, permissions); err != nil {
		return nil, err
	}

	tokenID := uuid.NewString()
	now := m.now()

	accessToken, err := m.sign(KindAccess, subject, role, permissions, sessionID, tokenID, now)
	if err != nil {
		return nil, err
	}
	refreshToken, err := m.sign(KindRefresh, subject, role, permissions, sessionID, tokenID, now)
	if err != nil {
		return nil, err
	}

	record, err := json.Marshal(metadataRecord{
		Subject:   subject,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("token: failed to encode metadata: %w", err)
	}
	if err := m.store.Set(ctx, metadataKey(subject, tokenID), record, m.config.RefreshLifetime); err != nil {
		return nil, fmt.Errorf("token: failed to write metadata: %w", err)
	}

	tokensIssuedTotal.Inc()
	m.logger.Debug("token pair issued",
		zap.String("subject", subject),
		zap.String("jti", tokenID),
	)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.config.AccessLifetime.Seconds()),
		TokenID:      tokenID,
	}, nil
}

// sign builds and signs a single token of the given kind.
func (m *Manager) sign(kind Kind, subject, role string, permissions []string, sessionID, tokenID string, now time.Time) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(m.config.Issuer).
		Audience([]string{m.config.Audience}).
		Subject(subject).
		JwtID(tokenID).
		IssuedAt(now).
		Expiration(now.Add(m.config.lifetimeFor(kind))).
		Claim(claimRole, role).
		Claim(claimPermissions, permissions).
		Claim(claimSessionID, sessionID).
		Claim(claimKind, string(kind)).
		Build()
	if err != nil {
		return "", fmt.Errorf("token: failed to build claims: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(m.config.signatureAlgorithm(), m.config.secretFor(kind)))
	if err != nil {
		return "", fmt.Errorf("token: failed to sign: %w", err)
	}
	return string(signed), nil
}

// Verify validates a token structurally (signature, algorithm, expiry,
// issuer, audience, kind) and then against the blacklist. The store lookup
// comes second so it is skipped for tokens that fail validation anyway.
func (m *Manager) Verify(ctx context.Context, raw string, expectRefresh bool) (*Claims, error) {
	claims, err := m.verifyStructural(raw, expectRefresh)
	if err != nil {
		tokenVerificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	_, err = m.store.Get(ctx, blacklistKey(claims.TokenID))
	switch {
	case err == nil:
		tokenVerificationsTotal.WithLabelValues("revoked").Inc()
		return nil, &VerificationError{TokenID: claims.TokenID, Subject: claims.Subject, Cause: ErrTokenRevoked}
	case store.IsKeyNotFound(err):
		// Not blacklisted.
	default:
		tokenVerificationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("token: blacklist check failed: %w", err)
	}

	tokenVerificationsTotal.WithLabelValues("valid").Inc()
	return claims, nil
}

// verifyStructural performs all checks that need no store round-trip.
func (m *Manager) verifyStructural(raw string, expectRefresh bool) (*Claims, error) {
	if raw == "" {
		return nil, &VerificationError{Cause: ErrTokenMalformed}
	}

	// Parse without verification first to distinguish malformed tokens from
	// signature failures.
	if _, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false)); err != nil {
		return nil, &VerificationError{Cause: fmt.Errorf("%w: %v", ErrTokenMalformed, err)}
	}

	kind := KindAccess
	if expectRefresh {
		kind = KindRefresh
	}

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(m.config.signatureAlgorithm(), m.config.secretFor(kind)),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, &VerificationError{Cause: fmt.Errorf("%w: %v", ErrTokenSignature, err)}
	}

	claims := claimsFromToken(tok)

	if err := jwt.Validate(tok, jwt.WithClock(jwt.ClockFunc(m.now))); err != nil {
		cause := ErrTokenInvalidClaim
		if errors.Is(err, jwt.ErrTokenExpired()) {
			cause = ErrTokenExpired
		}
		return nil, &VerificationError{TokenID: claims.TokenID, Subject: claims.Subject, Cause: cause}
	}

	if claims.Issuer != m.config.Issuer {
		return nil, &VerificationError{TokenID: claims.TokenID, Cause: fmt.Errorf("%w: unexpected issuer", ErrTokenInvalidClaim)}
	}
	if claims.Audience != m.config.Audience {
		return nil, &VerificationError{TokenID: claims.TokenID, Cause: fmt.Errorf("%w: unexpected audience", ErrTokenInvalidClaim)}
	}
	if claims.Kind != kind {
		return nil, &VerificationError{TokenID: claims.TokenID, Cause: ErrTokenWrongKind}
	}
	if claims.Subject == "" || claims.TokenID == "" {
		return nil, &VerificationError{Cause: fmt.Errorf("%w: missing subject or jti", ErrTokenInvalidClaim)}
	}

	return claims, nil
}

// Refresh exchanges a refresh token for a new pair. A refresh token may be
// exchanged at most once: the use marker is claimed atomically before the
// new pair is minted, so even a failed mint leaves the old token consumed.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.Verify(ctx, refreshToken, true)
	if err != nil {
		if reuseErr := m.reuseOfRevokedToken(ctx, err); reuseErr != nil {
			tokenRefreshesTotal.WithLabelValues("reuse").Inc()
			return nil, reuseErr
		}
		tokenRefreshesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	claimed, err := m.store.SetIfAbsent(ctx, refreshUsedKey(claims.TokenID), []byte("1"), m.config.RefreshLifetime)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("token: failed to claim refresh marker: %w", err)
	}

	if !claimed {
		// Second exchange of the same refresh token: treat as theft and
		// revoke everything the subject holds before returning.
		tokenReuseDetectedTotal.Inc()
		tokenRefreshesTotal.WithLabelValues("reuse").Inc()
		m.logger.Error("refresh token reuse detected, revoking subject",
			zap.String("subject", claims.Subject),
			zap.String("jti", claims.TokenID),
			zap.String("session", claims.SessionID),
		)

		if err := m.RevokeAllForSubject(ctx, claims.Subject); err != nil {
			m.logger.Error("subject revocation after reuse failed",
				zap.String("subject", claims.Subject),
				zap.Error(err),
			)
		}
		return nil, &VerificationError{TokenID: claims.TokenID, Subject: claims.Subject, Cause: ErrReuseDetected}
	}

	pair, err := m.issue(ctx, claims.Subject, claims.Role, claims.Permissions, claims.SessionID)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	tokenRefreshesTotal.WithLabelValues("rotated").Inc()
	return pair, nil
}

// reuseOfRevokedToken maps a revoked refresh token back to ErrReuseDetected
// when its use marker shows it was already exchanged, so every attempt after
// the theft-triggered revocation still reports as reuse.
func (m *Manager) reuseOfRevokedToken(ctx context.Context, verifyErr error) error {
	if !errors.Is(verifyErr, ErrTokenRevoked) {
		return nil
	}
	var verr *VerificationError
	if !errors.As(verifyErr, &verr) || verr.TokenID == "" {
		return nil
	}
	if _, err := m.store.Get(ctx, refreshUsedKey(verr.TokenID)); err != nil {
		return nil
	}
	return &VerificationError{TokenID: verr.TokenID, Subject: verr.Subject, Cause: ErrReuseDetected}
}

// RevokeAllForSubject blacklists every live token ID recorded for the
// subject. Re-running on an already-revoked subject is a no-op beyond
// redundant writes.
func (m *Manager) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrInvalidSubject
	}

	entries, err := m.store.ScanPrefix(ctx, metadataPrefix(subjectID))
	if err != nil {
		return fmt.Errorf("token: failed to scan subject tokens: %w", err)
	}

	now := m.now()
	for _, entry := range entries {
		tokenID := tokenIDFromMetadataKey(entry.Key)
		if tokenID == "" {
			continue
		}

		// The blacklist entry must outlive every token carrying this ID,
		// and the refresh token lives longest.
		ttl := m.config.MaxRevocationTTL
		var record metadataRecord
		if err := json.Unmarshal(entry.Value, &record); err == nil {
			if remaining := record.CreatedAt.Add(m.config.RefreshLifetime).Sub(now); remaining > 0 && remaining < ttl {
				ttl = remaining
			}
		}

		if err := m.store.Set(ctx, blacklistKey(tokenID), []byte("1"), ttl); err != nil {
			return fmt.Errorf("token: failed to blacklist %s: %w", tokenID, err)
		}
	}

	subjectRevocationsTotal.Inc()
	m.logger.Warn("revoked all tokens for subject",
		zap.String("subject", subjectID),
		zap.Int("tokens", len(entries)),
	)
	return nil
}

// validateSubject checks the inputs to Issue.
func validateSubject(subject, role string, permissions []string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidSubject)
	}
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidSubject)
	}
	for _, p := range permissions {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty permission", ErrInvalidSubject)
		}
	}
	return nil
}

// metadataPrefix returns the scan prefix for a subject's token records.
func metadataPrefix(subject string) string {
	return store.TokenPrefix + subject + ":"
}

// metadataKey returns the key for a token metadata record.
func metadataKey(subject, tokenID string) string {
	return metadataPrefix(subject) + tokenID
}

// tokenIDFromMetadataKey extracts the token ID from a metadata key.
func tokenIDFromMetadataKey(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 || idx == len(key)-1 {
		return ""
	}
	return key[idx+1:]
}

// blacklistKey returns the key for a revocation entry.
func blacklistKey(tokenID string) string {
	return store.BlacklistPrefix + tokenID
}

// refreshUsedKey returns the key for a refresh-use marker.
func refreshUsedKey(tokenID string) string {
	return store.RefreshUsedPrefix + tokenID
}
