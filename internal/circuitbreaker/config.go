// Package circuitbreaker provides per-backend circuit breakers for the
// gateway. A breaker stops dispatching to a backend once its recent failure
// rate crosses a threshold and probes recovery after a cooldown.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// WindowSize is the number of recent call outcomes kept for the
	// failure rate calculation.
	WindowSize int

	// FailureThreshold is the failure ratio (0.0 to 1.0) over the recent
	// window at which the circuit opens.
	FailureThreshold float64

	// MaxFailures is the minimum absolute number of failures in the window
	// before the ratio is evaluated, so a tiny sample cannot open the
	// circuit.
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before a probe
	// request is allowed through.
	ResetTimeout time.Duration

	// IsSuccessful decides whether an error counts as a success. If nil,
	// all non-nil errors count as failures.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		MaxFailures:      3,
		ResetTimeout:     30 * time.Second,
	}
}

// Validate normalizes out-of-range values to their defaults.
func (c *Config) Validate() error {
	if c.WindowSize < 1 {
		c.WindowSize = 10
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.MaxFailures < 1 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout < time.Millisecond {
		c.ResetTimeout = 30 * time.Second
	}
	return nil
}

// WithWindowSize sets the outcome window size.
func (c *Config) WithWindowSize(n int) *Config {
	c.WindowSize = n
	return c
}

// WithFailureThreshold sets the failure ratio threshold.
func (c *Config) WithFailureThreshold(ratio float64) *Config {
	c.FailureThreshold = ratio
	return c
}

// WithMaxFailures sets the minimum failure count.
func (c *Config) WithMaxFailures(n int) *Config {
	c.MaxFailures = n
	return c
}

// WithResetTimeout sets the open-state cooldown.
func (c *Config) WithResetTimeout(d time.Duration) *Config {
	c.ResetTimeout = d
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}
