// Package backend holds the outbound side of the gateway: the set of
// configured upstream services and the HTTP transport used to reach them.
package backend

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Backend describes one upstream service.
type Backend struct {
	// Name identifies the backend in routes, breaker state, and metrics.
	Name string

	// BaseURL is the scheme://host[:port] prefix calls are sent to.
	BaseURL string

	// Timeout is the hard per-call deadline.
	Timeout time.Duration
}

// Validate checks the backend definition.
func (b *Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend: name is required")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("backend %s: invalid base URL: %w", b.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend %s: base URL must be http or https", b.Name)
	}
	if u.Host == "" {
		return fmt.Errorf("backend %s: base URL has no host", b.Name)
	}
	if b.Timeout <= 0 {
		b.Timeout = 10 * time.Second
	}
	return nil
}

// joinURL appends a request path and raw query to the backend base URL.
func (b *Backend) joinURL(path, rawQuery string) string {
	base := strings.TrimSuffix(b.BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if rawQuery != "" {
		return base + path + "?" + rawQuery
	}
	return base + path
}

// Registry is an immutable name-to-backend lookup built at startup.
type Registry struct {
	backends map[string]*Backend
}

// NewRegistry validates the backend definitions and builds a registry.
func NewRegistry(backends []*Backend) (*Registry, error) {
	byName := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, ok := byName[b.Name]; ok {
			return nil, fmt.Errorf("backend %s: duplicate name", b.Name)
		}
		byName[b.Name] = b
	}
	return &Registry{backends: byName}, nil
}

// Lookup returns the named backend.
func (r *Registry) Lookup(name string) (*Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return b, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
