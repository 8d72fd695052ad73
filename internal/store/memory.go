package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryEntry is a stored value with its expiry time.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// expired reports whether the entry has expired at the given time.
func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store implementation. It is used in tests and
// for single-instance deployments without Redis; it offers the same atomic
// semantics under a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// MemoryOption is a functional option for the memory store.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source, for tests that control time.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the live entry for key, evicting it if expired.
// Caller must hold the mutex.
func (s *MemoryStore) get(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// expiryFor converts a TTL into an absolute expiry time.
func (s *MemoryStore) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok {
		return nil, &ErrKeyNotFound{Key: key}
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = memoryEntry{value: stored, expiresAt: s.expiryFor(ttl)}
	return nil
}

// SetIfAbsent implements Store.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.get(key); ok {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = memoryEntry{value: stored, expiresAt: s.expiryFor(ttl)}
	return true, nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(
	_ context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	expiresAt := s.expiryFor(ttl)

	if entry, ok := s.get(key); ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
		// TTL is set only when the increment creates the key.
		expiresAt = entry.expiresAt
	}

	current += delta
	s.entries[key] = memoryEntry{
		value:     []byte(strconv.FormatInt(current, 10)),
		expiresAt: expiresAt,
	}
	return current, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// ScanPrefix implements Store.
func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var entries []Entry
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		value := make([]byte, len(entry.value))
		copy(value, entry.value)
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of live entries, for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		count++
	}
	return count
}
