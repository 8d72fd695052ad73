// Package ratelimit provides distributed fixed-window rate limiting keyed by
// caller identity and endpoint.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Default rule values.
const (
	// DefaultMaxRequests is the default request budget per window.
	DefaultMaxRequests = 100

	// DefaultWindow is the default window length.
	DefaultWindow = time.Minute
)

// Rule is a rate limit rule: at most MaxRequests per Window.
type Rule struct {
	// PathPrefix selects requests whose path starts with this prefix.
	// Empty matches everything (the default rule).
	PathPrefix string `yaml:"pathPrefix"`

	// Method selects requests with this HTTP method. Empty matches any.
	Method string `yaml:"method"`

	// MaxRequests is the request budget per window.
	MaxRequests int `yaml:"maxRequests"`

	// Window is the fixed window length.
	Window time.Duration `yaml:"window"`
}

// matches reports whether the rule applies to the given method and path.
func (r Rule) matches(method, path string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return strings.HasPrefix(path, r.PathPrefix)
}

// Config holds the default rule and per-endpoint overrides.
type Config struct {
	// Default applies when no override matches.
	Default Rule `yaml:"default"`

	// Overrides are endpoint-specific rules. The longest matching path
	// prefix wins; method-specific overrides beat method-agnostic ones of
	// the same prefix length.
	Overrides []Rule `yaml:"overrides"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Default: Rule{
			MaxRequests: DefaultMaxRequests,
			Window:      DefaultWindow,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Default.MaxRequests <= 0 {
		c.Default.MaxRequests = DefaultMaxRequests
	}
	if c.Default.Window <= 0 {
		c.Default.Window = DefaultWindow
	}
	for i, rule := range c.Overrides {
		if rule.PathPrefix == "" {
			return fmt.Errorf("ratelimit: override %d has no path prefix", i)
		}
		if rule.MaxRequests <= 0 {
			return fmt.Errorf("ratelimit: override %d has no request budget", i)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("ratelimit: override %d has no window", i)
		}
	}
	return nil
}

// Resolve returns the effective rule for a method and path.
func (c *Config) Resolve(method, path string) Rule {
	best := c.Default
	bestLen := -1
	bestHasMethod := false

	for _, rule := range c.Overrides {
		if !rule.matches(method, path) {
			continue
		}
		length := len(rule.PathPrefix)
		hasMethod := rule.Method != ""
		if length > bestLen || (length == bestLen && hasMethod && !bestHasMethod) {
			best = rule
			bestLen = length
			bestHasMethod = hasMethod
		}
	}
	return best
}
