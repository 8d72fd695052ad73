package dispatch

import (
	"fmt"
	"strings"

	"github.com/storyforge/gateway/internal/ratelimit"
	"github.com/storyforge/gateway/internal/retry"
)

// Route describes how one edge path prefix is dispatched.
type Route struct {
	// Name identifies the route in logs and metrics.
	Name string

	// PathPrefix matches inbound request paths.
	PathPrefix string

	// Backend names the upstream service calls are forwarded to.
	Backend string

	// RequiresAuth gates the route behind a verified access token.
	RequiresAuth bool

	// Permission, when set, must be present in the verified claims.
	Permission string

	// RateSensitive selects the fail-closed store outage policy and
	// excludes the route from body-less fail-open.
	RateSensitive bool

	// Retry bounds the outbound retry loop. Non-idempotent requests
	// without an idempotency key get a single attempt regardless.
	Retry retry.Policy

	// RateLimit overrides the limiter's resolved rule for this route.
	RateLimit *ratelimit.Rule

	// StripPrefix removes the matched prefix before forwarding.
	StripPrefix bool
}

// Validate checks the route definition.
func (r *Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("route: name is required")
	}
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("route %s: path prefix must start with /", r.Name)
	}
	if r.Backend == "" {
		return fmt.Errorf("route %s: backend is required", r.Name)
	}
	if r.Permission != "" && !r.RequiresAuth {
		return fmt.Errorf("route %s: permission check requires auth", r.Name)
	}
	if r.Retry.Attempts == 0 {
		r.Retry = retry.DefaultPolicy()
	}
	if err := r.Retry.Validate(); err != nil {
		return fmt.Errorf("route %s: %w", r.Name, err)
	}
	if r.RateLimit != nil {
		if r.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("route %s: rate limit override has no request budget", r.Name)
		}
		if r.RateLimit.Window <= 0 {
			return fmt.Errorf("route %s: rate limit override has no window", r.Name)
		}
	}
	return nil
}

// backendPath returns the path forwarded to the backend.
func (r *Route) backendPath(requestPath string) string {
	if !r.StripPrefix {
		return requestPath
	}
	trimmed := strings.TrimPrefix(requestPath, strings.TrimSuffix(r.PathPrefix, "/"))
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

// RouteTable resolves request paths to routes by longest matching prefix.
type RouteTable struct {
	routes []*Route
}

// NewRouteTable validates the routes and builds a table.
func NewRouteTable(routes []*Route) (*RouteTable, error) {
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[r.Name]; ok {
			return nil, fmt.Errorf("route %s: duplicate name", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return &RouteTable{routes: routes}, nil
}

// Match returns the route with the longest prefix matching the path.
func (t *RouteTable) Match(path string) (*Route, bool) {
	var best *Route
	for _, r := range t.routes {
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if best == nil || len(r.PathPrefix) > len(best.PathPrefix) {
			best = r
		}
	}
	return best, best != nil
}

// Routes returns the table's routes.
func (t *RouteTable) Routes() []*Route {
	return t.routes
}
