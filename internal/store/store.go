// Package store provides the shared credential store used for token
// metadata, revocation entries, refresh-use markers, and rate-limit counters.
package store

import (
	"context"
	"errors"
	"time"
)

// Key prefixes for the logical key layout. Token metadata is keyed under the
// subject so that revoking a subject is one bounded prefix scan.
const (
	// TokenPrefix is the prefix for token metadata records:
	// token:{subject}:{tokenID}.
	TokenPrefix = "token:"

	// BlacklistPrefix is the prefix for revocation entries:
	// blacklist:{tokenID}.
	BlacklistPrefix = "blacklist:"

	// RefreshUsedPrefix is the prefix for refresh-use markers:
	// refreshused:{tokenID}.
	RefreshUsedPrefix = "refreshused:"

	// RateLimitPrefix is the prefix for rate-limit counters:
	// ratelimit:{identity}:{endpoint}:{bucket}.
	RateLimitPrefix = "ratelimit:"
)

// ErrStoreUnavailable indicates that the store cannot be reached. Callers
// apply their own fail-open or fail-closed policy when they see it.
var ErrStoreUnavailable = errors.New("credential store unavailable")

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}

// IsUnavailable returns true if the error indicates the store is unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Entry is a key/value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the interface to the shared, TTL-capable key-value store. All
// cross-instance state (blacklist, reuse markers, counters) goes through it
// and is mutated only via atomic single-key operations.
type Store interface {
	// Get retrieves the value for the given key.
	// Returns *ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores a value only if the key does not already exist.
	// Returns true if the value was stored.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrementWithExpiry atomically increments the counter at key by delta,
	// setting the TTL when the key is created by this increment.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all entries whose key starts with prefix.
	// The scan is bounded by the key layout, never the whole keyspace.
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// Close closes the store and releases resources.
	Close() error
}
