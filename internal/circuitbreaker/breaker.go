package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing backend recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Observer is notified of state transitions. Observers run synchronously
// after the transition is committed, so by the time a caller sees the
// transition every observer has seen it too.
type Observer func(name string, from, to State)

// outcome is one recorded call result.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a circuit breaker for a single backend. State is process-local:
// it is a fast, best-effort health signal for the backend as seen by this
// instance, not coordinated across instances.
type Breaker struct {
	name      string
	config    *Config
	logger    *zap.Logger
	observers []Observer
	now       func() time.Time

	mu    sync.Mutex
	state State

	// window is a ring of the most recent call outcomes.
	window []outcome
	head   int
	filled int

	openedAt time.Time

	// probing serializes the half-open probe. Concurrent calls arriving
	// while a probe is outstanding are rejected as if the circuit were
	// still open.
	probing bool

	lastFailure     time.Time
	lastStateChange time.Time
}

// Option is a functional option for a breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithClock sets the time source, for tests that control time.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithObserver appends a state transition observer.
func WithObserver(fn Observer) Option {
	return func(b *Breaker) {
		b.observers = append(b.observers, fn)
	}
}

// NewBreaker creates a circuit breaker for the named backend.
func NewBreaker(name string, config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	b := &Breaker{
		name:   name,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateClosed,
		window: make([]outcome, config.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Guard executes fn under circuit breaker protection. In the open state it
// fails immediately with ErrCircuitOpen without invoking fn. In half-open it
// admits a single probe at a time. fn's own error is returned unchanged.
func (b *Breaker) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		breakerRejectionsTotal.WithLabelValues(b.name).Inc()
		return err
	}

	callErr := fn(ctx)
	b.record(probe, b.isSuccessful(callErr))
	return callErr
}

// admit decides whether a call may proceed, and whether it is the half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		if now.Sub(b.openedAt) < b.config.ResetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		notify := b.transitionTo(StateHalfOpen)
		b.probing = true
		b.mu.Unlock()
		notify()
		return true, nil

	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}

	b.mu.Unlock()
	return false, ErrCircuitOpen
}

// record commits a call outcome and applies the transition rules.
func (b *Breaker) record(probe, success bool) {
	b.mu.Lock()

	now := b.now()
	if success {
		breakerSuccessesTotal.WithLabelValues(b.name).Inc()
	} else {
		breakerFailuresTotal.WithLabelValues(b.name).Inc()
		b.lastFailure = now
	}

	notify := func() {}
	if probe {
		b.probing = false
		if success {
			notify = b.transitionTo(StateClosed)
		} else {
			notify = b.transitionTo(StateOpen)
			b.openedAt = now
		}
		b.mu.Unlock()
		notify()
		return
	}

	b.push(outcome{at: now, success: success})
	if b.state == StateClosed && b.shouldOpen() {
		notify = b.transitionTo(StateOpen)
		b.openedAt = now
	}
	b.mu.Unlock()
	notify()
}

// push appends an outcome to the ring, evicting the oldest when full.
func (b *Breaker) push(o outcome) {
	b.window[b.head] = o
	b.head = (b.head + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

// shouldOpen evaluates the window against the opening conditions. Both the
// absolute failure count and the failure ratio must cross their thresholds.
func (b *Breaker) shouldOpen() bool {
	if b.filled == 0 {
		return false
	}

	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.window[i].success {
			failures++
		}
	}
	if failures < b.config.MaxFailures {
		return false
	}
	return float64(failures)/float64(b.filled) >= b.config.FailureThreshold
}

// transitionTo commits a state change and returns the observer notification,
// to be invoked after the lock is released. Must be called with mu held.
func (b *Breaker) transitionTo(newState State) func() {
	oldState := b.state
	b.state = newState
	b.lastStateChange = b.now()
	b.resetWindow()

	breakerStateGauge.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state changed",
		zap.String("backend", b.name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	observers := b.observers
	return func() {
		for _, fn := range observers {
			fn(b.name, oldState, newState)
		}
	}
}

// resetWindow clears the outcome ring.
func (b *Breaker) resetWindow() {
	b.head = 0
	b.filled = 0
}

// isSuccessful decides whether an error counts as a success.
func (b *Breaker) isSuccessful(err error) bool {
	if b.config.IsSuccessful != nil {
		return b.config.IsSuccessful(err)
	}
	return err == nil
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the backend name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the circuit breaker back to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transitionTo(StateClosed)
	} else {
		b.resetWindow()
	}
	b.probing = false
	b.mu.Unlock()
	notify()

	b.logger.Info("circuit breaker reset", zap.String("backend", b.name))
}

// Stats holds a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	WindowSize      int       `json:"windowSize"`
	WindowFailures  int       `json:"windowFailures"`
	WindowCalls     int       `json:"windowCalls"`
	OpenedAt        time.Time `json:"openedAt,omitempty"`
	LastFailure     time.Time `json:"lastFailure,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Stats returns the current statistics of the circuit breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.window[i].success {
			failures++
		}
	}

	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		WindowSize:      len(b.window),
		WindowFailures:  failures,
		WindowCalls:     b.filled,
		OpenedAt:        b.openedAt,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}
