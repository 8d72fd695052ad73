// Package cache provides a bounded in-memory TTL cache for authorization
// verdicts. The dispatcher owns a cache instance; it is injected rather than
// ambient so tests can control time and eviction.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Default sizing for the authorization cache.
const (
	defaultMaxEntries = 10000
	defaultTTL        = 30 * time.Second
)

// entry is one cached verdict.
type entry struct {
	key       string
	allowed   bool
	expiresAt time.Time
}

// AuthzCache is a bounded LRU cache of authorization verdicts keyed by
// subject and route. Entries expire after a fixed TTL so revocations and
// permission changes take effect within one TTL at most.
type AuthzCache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
}

// Option is a functional option for the cache.
type Option func(*AuthzCache)

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) Option {
	return func(c *AuthzCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *AuthzCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source, for tests that control time.
func WithClock(now func() time.Time) Option {
	return func(c *AuthzCache) {
		c.now = now
	}
}

// NewAuthzCache creates an authorization cache.
func NewAuthzCache(opts ...Option) *AuthzCache {
	c := &AuthzCache{
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for a subject's permission verdict on a route.
func Key(subject, permission, route string) string {
	return subject + "|" + permission + "|" + route
}

// Get returns the cached verdict for the key, if present and not expired.
func (c *AuthzCache) Get(key string) (allowed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		cacheMissesTotal.Inc()
		return false, false
	}

	e := elem.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(elem)
		cacheMissesTotal.Inc()
		return false, false
	}

	c.eviction.MoveToFront(elem)
	cacheHitsTotal.Inc()
	return e.allowed, true
}

// Set stores a verdict, evicting the least recently used entry when full.
func (c *AuthzCache) Set(key string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, exists := c.items[key]; exists {
		e := elem.Value.(*entry)
		e.allowed = allowed
		e.expiresAt = expiresAt
		c.eviction.MoveToFront(elem)
		return
	}

	if c.eviction.Len() >= c.maxEntries {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeLocked(oldest)
			cacheEvictionsTotal.Inc()
		}
	}

	elem := c.eviction.PushFront(&entry{key: key, allowed: allowed, expiresAt: expiresAt})
	c.items[key] = elem
}

// InvalidateSubject drops every cached verdict for the subject. Called on
// subject-wide revocation so stale allows do not outlive the tokens.
func (c *AuthzCache) InvalidateSubject(subject string) {
	prefix := subject + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.eviction.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if len(e.key) > len(prefix) && e.key[:len(prefix)] == prefix {
			c.removeLocked(elem)
		}
		elem = next
	}
}

// Len returns the number of entries, expired or not.
func (c *AuthzCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// removeLocked drops an element. Must be called with mu held.
func (c *AuthzCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.eviction.Remove(elem)
}
