package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestAuthzCache_GetSet(t *testing.T) {
	c := NewAuthzCache()

	key := Key("user-1", "books:read", "books")
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, true)
	allowed, ok := c.Get(key)
	assert.True(t, ok)
	assert.True(t, allowed)

	c.Set(key, false)
	allowed, ok = c.Get(key)
	assert.True(t, ok)
	assert.False(t, allowed)
	assert.Equal(t, 1, c.Len())
}

func TestAuthzCache_Expiry(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewAuthzCache(WithTTL(30*time.Second), WithClock(clock.Now))

	key := Key("user-1", "books:read", "books")
	c.Set(key, true)

	clock.Advance(29 * time.Second)
	_, ok := c.Get(key)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestAuthzCache_LRUEviction(t *testing.T) {
	c := NewAuthzCache(WithMaxEntries(2))

	c.Set("a", true)
	c.Set("b", true)

	// Touch "a" so "b" is the eviction candidate.
	c.Get("a")
	c.Set("c", true)

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestAuthzCache_InvalidateSubject(t *testing.T) {
	c := NewAuthzCache()

	c.Set(Key("user-1", "books:read", "books"), true)
	c.Set(Key("user-1", "orders:create", "orders"), true)
	c.Set(Key("user-2", "books:read", "books"), true)

	c.InvalidateSubject("user-1")

	_, ok := c.Get(Key("user-1", "books:read", "books"))
	assert.False(t, ok)
	_, ok = c.Get(Key("user-1", "orders:create", "orders"))
	assert.False(t, ok)
	_, ok = c.Get(Key("user-2", "books:read", "books"))
	assert.True(t, ok)
}
