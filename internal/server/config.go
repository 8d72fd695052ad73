// Package server provides the gateway's HTTP surface: the edge catch-all
// that feeds the dispatcher, the token refresh endpoint, and the
// administrative group for operational tooling.
package server

import (
	"fmt"
	"time"
)

// Config holds configuration for the HTTP server.
type Config struct {
	// Address is the listen address, host:port.
	Address string

	// ReadTimeout bounds reading the request including the body.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration

	// IdleTimeout bounds keep-alive idle connections.
	IdleTimeout time.Duration

	// MaxRequestBody caps the inbound body size in bytes.
	MaxRequestBody int64

	// AdminToken protects the /admin group. Admin routes are not mounted
	// when it is empty.
	AdminToken string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestBody: 10 << 20,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("server: address is required")
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.MaxRequestBody <= 0 {
		c.MaxRequestBody = 10 << 20
	}
	return nil
}
