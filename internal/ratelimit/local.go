package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local fallback limiter defaults.
const (
	// localEntryTTL is how long an idle per-identity limiter is kept.
	localEntryTTL = 10 * time.Minute

	// localCleanupInterval is how often stale limiters are evicted.
	localCleanupInterval = time.Minute
)

// localEntry holds a limiter and its last access time for TTL eviction.
type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalLimiter is a process-local token-bucket limiter. It bounds traffic
// that is allowed through while the shared store is unreachable, so a store
// outage never turns into an unthrottled gateway.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	stopCh  chan struct{}
	stopped bool
}

// NewLocalLimiter creates a local fallback limiter and starts its cleanup
// loop.
func NewLocalLimiter() *LocalLimiter {
	l := &LocalLimiter{
		entries: make(map[string]*localEntry),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks whether one request for the identity fits the rule's rate.
func (l *LocalLimiter) Allow(identity string, rule Rule) bool {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.entries[identity]
	if !ok {
		perSecond := float64(rule.MaxRequests) / rule.Window.Seconds()
		entry = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(perSecond), rule.MaxRequests),
		}
		l.entries[identity] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Stop terminates the cleanup loop. Stop is idempotent.
func (l *LocalLimiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
}

// cleanupLoop evicts limiters that have not been used within localEntryTTL.
func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(localCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for identity, entry := range l.entries {
				if now.Sub(entry.lastAccess) > localEntryTTL {
					delete(l.entries, identity)
				}
			}
			l.mu.Unlock()
		}
	}
}
