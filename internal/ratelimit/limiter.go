package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/store"
)

// Decision is the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the request budget of the effective rule.
	Limit int

	// Remaining is the budget left in the current window.
	Remaining int

	// ResetAt is when the current window ends and the budget resets.
	ResetAt time.Time

	// RetryAfter is how long to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Limiter enforces fixed-window rate limits against the shared store. One
// atomic increment per check; windows reset by key expiry rather than by
// deletion, which trades boundary bursts for a single counter per bucket.
type Limiter struct {
	store    store.Store
	fallback *LocalLimiter
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	config *Config
}

// LimiterOption is a functional option for the limiter.
type LimiterOption func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock sets the time source, for tests that control time.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new limiter.
func NewLimiter(config *Config, s store.Store, opts ...LimiterOption) (*Limiter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}

	l := &Limiter{
		store:    s,
		fallback: NewLocalLimiter(),
		logger:   zap.NewNop(),
		now:      time.Now,
		config:   config,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetConfig swaps the rule set, used by config hot reload.
func (l *Limiter) SetConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("ratelimit: config is required")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logger.Info("rate limit rules reloaded",
		zap.Int("overrides", len(config.Overrides)),
	)
	return nil
}

// Check consumes one request from the identity's budget for the endpoint.
// The counter is incremented before the verdict is known: a rejected or
// cancelled request still counts against its quota by design.
//
// When the store is unreachable the policy depends on the endpoint:
// rate-sensitive endpoints fail closed with ErrStoreUnavailable, everything
// else fails open with a logged warning, bounded by the local fallback
// limiter.
func (l *Limiter) Check(ctx context.Context, identity, method, path string, rateSensitive bool) (*Decision, error) {
	l.mu.RLock()
	rule := l.config.Resolve(method, path)
	l.mu.RUnlock()

	return l.CheckRule(ctx, identity, method, path, rule, rateSensitive)
}

// CheckRule is Check with an explicit rule, bypassing rule resolution. Used
// by routes that carry their own limit override. A rule without a positive
// budget and window is replaced by the configured default.
func (l *Limiter) CheckRule(ctx context.Context, identity, method, path string, rule Rule, rateSensitive bool) (*Decision, error) {
	if rule.MaxRequests <= 0 || rule.Window <= 0 {
		l.mu.RLock()
		rule = l.config.Default
		l.mu.RUnlock()
	}

	now := l.now()
	windowMillis := rule.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMillis
	resetAt := time.UnixMilli((bucket + 1) * windowMillis)

	key := counterKey(identity, method, path, bucket)

	count, err := l.store.IncrementWithExpiry(ctx, key, 1, rule.Window)
	if err != nil {
		if store.IsUnavailable(err) {
			return l.storeUnavailable(identity, method, path, rule, resetAt, now, rateSensitive)
		}
		return nil, err
	}

	decision := &Decision{
		Allowed:   count <= int64(rule.MaxRequests),
		Limit:     rule.MaxRequests,
		Remaining: remaining(rule.MaxRequests, count),
		ResetAt:   resetAt,
	}

	if decision.Allowed {
		rateLimitDecisionsTotal.WithLabelValues(outcomeAllowed).Inc()
		return decision, nil
	}

	decision.RetryAfter = resetAt.Sub(now)
	rateLimitDecisionsTotal.WithLabelValues(outcomeLimited).Inc()
	l.logger.Debug("rate limit exceeded",
		zap.String("identity", identity),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int64("count", count),
		zap.Int("limit", rule.MaxRequests),
	)
	return decision, nil
}

// storeUnavailable applies the per-endpoint outage policy.
func (l *Limiter) storeUnavailable(
	identity, method, path string,
	rule Rule,
	resetAt time.Time,
	now time.Time,
	rateSensitive bool,
) (*Decision, error) {
	if rateSensitive {
		rateLimitDecisionsTotal.WithLabelValues(outcomeFailClosed).Inc()
		l.logger.Warn("store unavailable, failing closed for rate-sensitive endpoint",
			zap.String("method", method),
			zap.String("path", path),
		)
		return nil, fmt.Errorf("ratelimit: %w", store.ErrStoreUnavailable)
	}

	allowed := l.fallback.Allow(identity, rule)
	rateLimitDecisionsTotal.WithLabelValues(outcomeFailOpen).Inc()
	l.logger.Warn("store unavailable, failing open with local bound",
		zap.String("method", method),
		zap.String("path", path),
		zap.Bool("allowed", allowed),
	)

	decision := &Decision{
		Allowed:   allowed,
		Limit:     rule.MaxRequests,
		Remaining: 0,
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = resetAt.Sub(now)
	}
	return decision, nil
}

// Close stops the local fallback limiter.
func (l *Limiter) Close() {
	l.fallback.Stop()
}

// counterKey builds the window counter key.
func counterKey(identity, method, path string, bucket int64) string {
	return store.RateLimitPrefix + identity + ":" + method + ":" + path + ":" + strconv.FormatInt(bucket, 10)
}

// remaining clamps the leftover budget at zero.
func remaining(limit int, count int64) int {
	left := limit - int(count)
	if left < 0 {
		return 0
	}
	return left
}
