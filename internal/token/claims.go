package token

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Private claim names carried in issued tokens.
const (
	claimRole        = "role"
	claimPermissions = "permissions"
	claimSessionID   = "sid"
	claimKind        = "kind"
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	// KindAccess is the short-lived credential presented on every request.
	KindAccess Kind = "access"

	// KindRefresh is the long-lived credential exchanged for a new pair.
	KindRefresh Kind = "refresh"
)

// Claims are the verified contents of a token. Immutable once signed; a
// token is logically destroyed when its ID is blacklisted or it expires.
type Claims struct {
	Subject     string
	Role        string
	Permissions []string
	SessionID   string
	TokenID     string
	Kind        Kind
	Issuer      string
	Audience    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the claims carry the given permission.
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// claimsFromToken extracts Claims from a parsed JWT.
func claimsFromToken(tok jwt.Token) *Claims {
	claims := &Claims{
		Subject:   tok.Subject(),
		TokenID:   tok.JwtID(),
		Issuer:    tok.Issuer(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}

	if aud := tok.Audience(); len(aud) > 0 {
		claims.Audience = aud[0]
	}

	if v, ok := tok.Get(claimRole); ok {
		if s, ok := v.(string); ok {
			claims.Role = s
		}
	}
	if v, ok := tok.Get(claimSessionID); ok {
		if s, ok := v.(string); ok {
			claims.SessionID = s
		}
	}
	if v, ok := tok.Get(claimKind); ok {
		if s, ok := v.(string); ok {
			claims.Kind = Kind(s)
		}
	}
	if v, ok := tok.Get(claimPermissions); ok {
		claims.Permissions = toStringSlice(v)
	}

	return claims
}

// toStringSlice converts a decoded JSON claim value to a string slice.
func toStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}
