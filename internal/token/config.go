package token

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

// Default lifetimes and limits.
const (
	// DefaultAccessLifetime is the default access token lifetime.
	DefaultAccessLifetime = 15 * time.Minute

	// DefaultRefreshLifetime is the default refresh token lifetime.
	DefaultRefreshLifetime = 7 * 24 * time.Hour

	// DefaultMaxRevocationTTL is the conservative blacklist TTL used when
	// the remaining lifetime of a token cannot be determined. It must cover
	// the longest-lived token format so entries self-expire safely.
	DefaultMaxRevocationTTL = DefaultRefreshLifetime
)

// allowedAlgorithms is the signing algorithm allow-list. Tokens signed with
// anything else are rejected during verification.
var allowedAlgorithms = map[jwa.SignatureAlgorithm]bool{
	jwa.HS256: true,
	jwa.HS384: true,
	jwa.HS512: true,
}

// Config holds configuration for the token lifecycle manager.
type Config struct {
	// Issuer is the iss claim on issued tokens and the expected issuer on
	// verified ones.
	Issuer string `yaml:"issuer"`

	// Audience is the aud claim on issued tokens and the expected audience
	// on verified ones.
	Audience string `yaml:"audience"`

	// Algorithm is the signing algorithm (HS256, HS384, HS512).
	Algorithm string `yaml:"algorithm"`

	// AccessSecret signs access tokens.
	AccessSecret string `yaml:"accessSecret"`

	// RefreshSecret signs refresh tokens. Separate from AccessSecret so a
	// leaked access secret cannot mint refresh tokens.
	RefreshSecret string `yaml:"refreshSecret"`

	// AccessLifetime is the access token lifetime.
	AccessLifetime time.Duration `yaml:"accessLifetime"`

	// RefreshLifetime is the refresh token lifetime.
	RefreshLifetime time.Duration `yaml:"refreshLifetime"`

	// MaxRevocationTTL caps blacklist entry TTLs when the remaining token
	// lifetime is unknown.
	MaxRevocationTTL time.Duration `yaml:"maxRevocationTTL"`
}

// DefaultConfig returns a Config with default values. Secrets have no
// defaults and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Issuer:           "gateway",
		Audience:         "storyforge",
		Algorithm:        string(jwa.HS256),
		AccessLifetime:   DefaultAccessLifetime,
		RefreshLifetime:  DefaultRefreshLifetime,
		MaxRevocationTTL: DefaultMaxRevocationTTL,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AccessSecret == "" {
		return fmt.Errorf("token: access secret is required")
	}
	if c.RefreshSecret == "" {
		return fmt.Errorf("token: refresh secret is required")
	}
	if c.AccessSecret == c.RefreshSecret {
		return fmt.Errorf("token: access and refresh secrets must differ")
	}
	if !allowedAlgorithms[jwa.SignatureAlgorithm(c.Algorithm)] {
		return fmt.Errorf("token: algorithm %q is not on the allow-list", c.Algorithm)
	}
	if c.AccessLifetime <= 0 {
		c.AccessLifetime = DefaultAccessLifetime
	}
	if c.RefreshLifetime <= c.AccessLifetime {
		return fmt.Errorf("token: refresh lifetime must exceed access lifetime")
	}
	// A blacklist entry must be able to outlive the refresh token it covers.
	if c.MaxRevocationTTL < c.RefreshLifetime {
		c.MaxRevocationTTL = c.RefreshLifetime
	}
	return nil
}

// signatureAlgorithm returns the configured jwa algorithm.
func (c *Config) signatureAlgorithm() jwa.SignatureAlgorithm {
	return jwa.SignatureAlgorithm(c.Algorithm)
}

// secretFor returns the signing secret for a token kind.
func (c *Config) secretFor(kind Kind) []byte {
	if kind == KindRefresh {
		return []byte(c.RefreshSecret)
	}
	return []byte(c.AccessSecret)
}

// lifetimeFor returns the lifetime for a token kind.
func (c *Config) lifetimeFor(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.RefreshLifetime
	}
	return c.AccessLifetime
}
