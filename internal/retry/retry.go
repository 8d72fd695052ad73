// Package retry provides the bounded retry loop for outbound backend calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/storyforge/gateway/internal/backend"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	// StrategyFixed waits the same delay between every attempt.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear waits delay multiplied by the attempt number.
	StrategyLinear Strategy = "linear"
)

// Policy bounds the retry loop for one route.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Delay is the base wait between attempts.
	Delay time.Duration

	// Strategy is the delay growth, fixed or linear.
	Strategy Strategy
}

// DefaultPolicy returns a single-attempt policy, so retry is opt-in per
// route.
func DefaultPolicy() Policy {
	return Policy{Attempts: 1, Strategy: StrategyFixed}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("retry: attempts must be at least 1")
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry: delay must not be negative")
	}
	switch p.Strategy {
	case StrategyFixed, StrategyLinear, "":
	default:
		return fmt.Errorf("retry: unknown strategy %q", p.Strategy)
	}
	return nil
}

// delay returns the wait before the given retry. attempt counts completed
// tries, starting at 1.
func (p Policy) delay(attempt int) time.Duration {
	if p.Strategy == StrategyLinear {
		return p.Delay * time.Duration(attempt)
	}
	return p.Delay
}

// Eligible reports whether a request may be retried at all. Idempotent
// methods qualify; other methods qualify only when the client supplied an
// idempotency key, making a replay safe on the backend.
func Eligible(method string, header http.Header) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return header.Get("Idempotency-Key") != ""
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so the retry loop stops immediately. The wrapped
// error stays reachable through errors.Is and errors.Unwrap.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ShouldRetry reports whether an attempt's outcome is worth another try.
// Only transient failures qualify: transport errors, timeouts, and 5xx
// responses. Any other response is a definitive answer from the backend,
// and a Permanent error stops the loop unconditionally.
func ShouldRetry(resp *backend.Response, err error) bool {
	if err != nil {
		var permanent *permanentError
		return !errors.As(err, &permanent)
	}
	return resp.StatusCode >= 500
}

// Do runs fn up to policy.Attempts times, waiting between attempts. The
// last outcome is returned, success or not. A cancelled context aborts
// the loop between attempts.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) (*backend.Response, error)) (*backend.Response, error) {
	var (
		resp *backend.Response
		err  error
	)

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		resp, err = fn(ctx)
		if !ShouldRetry(resp, err) || attempt == policy.Attempts {
			return resp, err
		}

		retriesTotal.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}

	return resp, err
}
