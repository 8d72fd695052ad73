// Package config defines the gateway's YAML configuration, its loader with
// environment variable substitution, and a file watcher for hot reload.
package config

import (
	"fmt"

	"github.com/storyforge/gateway/internal/backend"
	"github.com/storyforge/gateway/internal/circuitbreaker"
	"github.com/storyforge/gateway/internal/dispatch"
	"github.com/storyforge/gateway/internal/observability/logging"
	"github.com/storyforge/gateway/internal/ratelimit"
	"github.com/storyforge/gateway/internal/retry"
	"github.com/storyforge/gateway/internal/server"
	"github.com/storyforge/gateway/internal/store"
	"github.com/storyforge/gateway/internal/token"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logging.Config  `yaml:"logging"`
	Redis     *RedisConfig    `yaml:"redis"`
	Token     TokenConfig     `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Backends  []BackendConfig `yaml:"backends"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	MaxRequestBody int64    `yaml:"maxRequestBody"`
	AdminToken     string   `yaml:"adminToken"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// RedisConfig configures the shared store. When absent the gateway runs on
// the in-process store, which is only suitable for a single instance.
type RedisConfig struct {
	Address          string   `yaml:"address"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	PoolSize         int      `yaml:"poolSize"`
	DialTimeout      Duration `yaml:"dialTimeout"`
	ReadTimeout      Duration `yaml:"readTimeout"`
	WriteTimeout     Duration `yaml:"writeTimeout"`
	GuardMaxFailures uint32   `yaml:"guardMaxFailures"`
	GuardOpenTimeout Duration `yaml:"guardOpenTimeout"`
}

// TokenConfig configures the token lifecycle manager.
type TokenConfig struct {
	Issuer           string   `yaml:"issuer"`
	Audience         string   `yaml:"audience"`
	Algorithm        string   `yaml:"algorithm"`
	AccessSecret     string   `yaml:"accessSecret"`
	RefreshSecret    string   `yaml:"refreshSecret"`
	AccessLifetime   Duration `yaml:"accessLifetime"`
	RefreshLifetime  Duration `yaml:"refreshLifetime"`
	MaxRevocationTTL Duration `yaml:"maxRevocationTTL"`
}

// RateLimitConfig configures the limiter rules.
type RateLimitConfig struct {
	Default   RuleConfig   `yaml:"default"`
	Overrides []RuleConfig `yaml:"overrides"`
}

// RuleConfig is one rate limit rule.
type RuleConfig struct {
	PathPrefix  string   `yaml:"pathPrefix"`
	Method      string   `yaml:"method"`
	MaxRequests int      `yaml:"maxRequests"`
	Window      Duration `yaml:"window"`
}

// BreakerConfig configures the per-backend circuit breakers.
type BreakerConfig struct {
	WindowSize       int      `yaml:"windowSize"`
	FailureThreshold float64  `yaml:"failureThreshold"`
	MaxFailures      int      `yaml:"maxFailures"`
	ResetTimeout     Duration `yaml:"resetTimeout"`
}

// BackendConfig is one upstream service.
type BackendConfig struct {
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"baseUrl"`
	Timeout Duration `yaml:"timeout"`
}

// RouteConfig is one edge route.
type RouteConfig struct {
	Name          string       `yaml:"name"`
	PathPrefix    string       `yaml:"pathPrefix"`
	Backend       string       `yaml:"backend"`
	RequiresAuth  bool         `yaml:"requiresAuth"`
	Permission    string       `yaml:"permission"`
	RateSensitive bool         `yaml:"rateSensitive"`
	StripPrefix   bool         `yaml:"stripPrefix"`
	Retry         *RetryConfig `yaml:"retry"`
	RateLimit     *RuleConfig  `yaml:"rateLimit"`
}

// RetryConfig is a route's retry policy.
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
	Strategy string   `yaml:"strategy"`
}

// Validate checks the whole document by building every derived config.
func (c *GatewayConfig) Validate() error {
	if _, err := c.ServerConfig(); err != nil {
		return err
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	if _, err := c.TokenConfig(); err != nil {
		return err
	}
	if _, err := c.RateLimitConfig(); err != nil {
		return err
	}
	backends, err := c.BackendDefinitions()
	if err != nil {
		return err
	}
	if _, err := backend.NewRegistry(backends); err != nil {
		return err
	}
	routes, err := c.DispatchRoutes()
	if err != nil {
		return err
	}
	if _, err := dispatch.NewRouteTable(routes); err != nil {
		return err
	}
	for _, route := range c.Routes {
		found := false
		for _, b := range c.Backends {
			if b.Name == route.Backend {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: route %s names unknown backend %s", route.Name, route.Backend)
		}
	}
	return nil
}

// ServerConfig builds the HTTP server configuration.
func (c *GatewayConfig) ServerConfig() (*server.Config, error) {
	cfg := server.DefaultConfig()
	if c.Server.Address != "" {
		cfg.Address = c.Server.Address
	}
	if d := c.Server.ReadTimeout.Duration(); d > 0 {
		cfg.ReadTimeout = d
	}
	if d := c.Server.WriteTimeout.Duration(); d > 0 {
		cfg.WriteTimeout = d
	}
	if d := c.Server.IdleTimeout.Duration(); d > 0 {
		cfg.IdleTimeout = d
	}
	if c.Server.MaxRequestBody > 0 {
		cfg.MaxRequestBody = c.Server.MaxRequestBody
	}
	cfg.AdminToken = c.Server.AdminToken
	return cfg, cfg.Validate()
}

// TrustedProxies parses the proxy allow-list.
func (c *GatewayConfig) TrustedProxies() (ratelimit.TrustedProxies, error) {
	return ratelimit.ParseTrustedProxies(c.Server.TrustedProxies)
}

// RedisConfig builds the store configuration, or nil for the in-process
// store.
func (c *GatewayConfig) RedisConfig() *store.RedisConfig {
	if c.Redis == nil || c.Redis.Address == "" {
		return nil
	}
	cfg := store.DefaultRedisConfig()
	cfg.Address = c.Redis.Address
	cfg.Password = c.Redis.Password
	cfg.DB = c.Redis.DB
	if c.Redis.PoolSize > 0 {
		cfg.PoolSize = c.Redis.PoolSize
	}
	if d := c.Redis.DialTimeout.Duration(); d > 0 {
		cfg.DialTimeout = d
	}
	if d := c.Redis.ReadTimeout.Duration(); d > 0 {
		cfg.ReadTimeout = d
	}
	if d := c.Redis.WriteTimeout.Duration(); d > 0 {
		cfg.WriteTimeout = d
	}
	if c.Redis.GuardMaxFailures > 0 {
		cfg.GuardMaxFailures = c.Redis.GuardMaxFailures
	}
	if d := c.Redis.GuardOpenTimeout.Duration(); d > 0 {
		cfg.GuardOpenTimeout = d
	}
	return cfg
}

// TokenConfig builds the token manager configuration.
func (c *GatewayConfig) TokenConfig() (*token.Config, error) {
	cfg := token.DefaultConfig()
	if c.Token.Issuer != "" {
		cfg.Issuer = c.Token.Issuer
	}
	if c.Token.Audience != "" {
		cfg.Audience = c.Token.Audience
	}
	if c.Token.Algorithm != "" {
		cfg.Algorithm = c.Token.Algorithm
	}
	cfg.AccessSecret = c.Token.AccessSecret
	cfg.RefreshSecret = c.Token.RefreshSecret
	if d := c.Token.AccessLifetime.Duration(); d > 0 {
		cfg.AccessLifetime = d
	}
	if d := c.Token.RefreshLifetime.Duration(); d > 0 {
		cfg.RefreshLifetime = d
	}
	if d := c.Token.MaxRevocationTTL.Duration(); d > 0 {
		cfg.MaxRevocationTTL = d
	}
	return cfg, cfg.Validate()
}

// rule converts a RuleConfig.
func (r RuleConfig) rule() ratelimit.Rule {
	return ratelimit.Rule{
		PathPrefix:  r.PathPrefix,
		Method:      r.Method,
		MaxRequests: r.MaxRequests,
		Window:      r.Window.Duration(),
	}
}

// RateLimitConfig builds the limiter rule set.
func (c *GatewayConfig) RateLimitConfig() (*ratelimit.Config, error) {
	cfg := ratelimit.DefaultConfig()
	if c.RateLimit.Default.MaxRequests > 0 {
		cfg.Default = c.RateLimit.Default.rule()
	}
	for _, override := range c.RateLimit.Overrides {
		cfg.Overrides = append(cfg.Overrides, override.rule())
	}
	return cfg, cfg.Validate()
}

// BreakerConfig builds the breaker defaults.
func (c *GatewayConfig) BreakerConfig() *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if c.Breaker.WindowSize > 0 {
		cfg.WindowSize = c.Breaker.WindowSize
	}
	if c.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = c.Breaker.FailureThreshold
	}
	if c.Breaker.MaxFailures > 0 {
		cfg.MaxFailures = c.Breaker.MaxFailures
	}
	if d := c.Breaker.ResetTimeout.Duration(); d > 0 {
		cfg.ResetTimeout = d
	}
	_ = cfg.Validate()
	return cfg
}

// BackendDefinitions builds the backend list.
func (c *GatewayConfig) BackendDefinitions() ([]*backend.Backend, error) {
	if len(c.Backends) == 0 {
		return nil, fmt.Errorf("config: at least one backend is required")
	}
	backends := make([]*backend.Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		backends = append(backends, &backend.Backend{
			Name:    b.Name,
			BaseURL: b.BaseURL,
			Timeout: b.Timeout.Duration(),
		})
	}
	return backends, nil
}

// DispatchRoutes builds the route table entries.
func (c *GatewayConfig) DispatchRoutes() ([]*dispatch.Route, error) {
	if len(c.Routes) == 0 {
		return nil, fmt.Errorf("config: at least one route is required")
	}
	routes := make([]*dispatch.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		route := &dispatch.Route{
			Name:          r.Name,
			PathPrefix:    r.PathPrefix,
			Backend:       r.Backend,
			RequiresAuth:  r.RequiresAuth,
			Permission:    r.Permission,
			RateSensitive: r.RateSensitive,
			StripPrefix:   r.StripPrefix,
		}
		if r.Retry != nil {
			route.Retry = retry.Policy{
				Attempts: r.Retry.Attempts,
				Delay:    r.Retry.Delay.Duration(),
				Strategy: retry.Strategy(r.Retry.Strategy),
			}
		}
		if r.RateLimit != nil {
			rule := r.RateLimit.rule()
			route.RateLimit = &rule
		}
		routes = append(routes, route)
	}
	return routes, nil
}
