package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// incrementWithExpiryScript atomically increments a counter and sets its TTL
// on the increment that creates the key.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = ttl in milliseconds.
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisConfig holds configuration for the Redis-backed store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Connection pool settings.
	PoolSize     int `yaml:"poolSize"`
	MinIdleConns int `yaml:"minIdleConns"`
	MaxRetries   int `yaml:"maxRetries"`

	// Timeouts.
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// GuardMaxFailures is the number of consecutive operation failures
	// before the availability guard opens and operations fail fast.
	GuardMaxFailures uint32 `yaml:"guardMaxFailures"`

	// GuardOpenTimeout is how long the guard stays open before probing.
	GuardOpenTimeout time.Duration `yaml:"guardOpenTimeout"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:          "localhost:6379",
		DB:               0,
		PoolSize:         10,
		MinIdleConns:     2,
		MaxRetries:       3,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		GuardMaxFailures: 5,
		GuardOpenTimeout: 10 * time.Second,
	}
}

// RedisStore implements Store using Redis. Every operation runs through an
// availability guard so that a dead Redis fails fast instead of stalling
// the request path on dial timeouts.
type RedisStore struct {
	client *redis.Client
	guard  *gobreaker.CircuitBreaker
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisStore creates a new Redis store and verifies connectivity.
func NewRedisStore(config *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	s := &RedisStore{
		client: client,
		logger: logger,
	}
	s.guard = newStoreGuard(config, logger)

	return s, nil
}

// newStoreGuard builds the gobreaker guard around store operations.
func newStoreGuard(config *RedisConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	maxFailures := config.GuardMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := config.GuardOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credential-store",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store availability guard state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// execute runs fn through the availability guard, mapping guard rejections
// and connectivity errors to ErrStoreUnavailable.
func (s *RedisStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.guard.Execute(fn)
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		storeGuardRejections.Inc()
		return nil, fmt.Errorf("%w: availability guard open", ErrStoreUnavailable)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	// Anything else from the client at this layer is a connectivity or
	// protocol failure; the caller decides fail-open vs fail-closed.
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	var notFound bool
	result, err := s.execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			notFound = true
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		recordOperation("get", "error", start)
		return nil, err
	}
	if notFound {
		recordOperation("get", "not_found", start)
		return nil, &ErrKeyNotFound{Key: key}
	}

	recordOperation("get", "success", start)
	return result.([]byte), nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		recordOperation("set", "error", start)
		return err
	}

	recordOperation("set", "success", start)
	return nil
}

// SetIfAbsent implements Store.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()

	result, err := s.execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		recordOperation("set_if_absent", "error", start)
		return false, err
	}

	recordOperation("set_if_absent", "success", start)
	return result.(bool), nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, error) {
	start := time.Now()

	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	result, err := s.execute(func() (interface{}, error) {
		return incrementWithExpiryScript.Run(ctx, s.client, []string{key}, delta, ttlMillis).Result()
	})
	if err != nil {
		recordOperation("increment", "error", start)
		return 0, err
	}

	val, ok := result.(int64)
	if !ok {
		recordOperation("increment", "error", start)
		return 0, fmt.Errorf("increment script returned unexpected type %T", result)
	}

	recordOperation("increment", "success", start)
	return val, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		recordOperation("delete", "error", start)
		return err
	}

	recordOperation("delete", "success", start)
	return nil
}

// ScanPrefix implements Store. The prefix is always one of the structured
// key layouts, so the scan is bounded.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()

	result, err := s.execute(func() (interface{}, error) {
		return s.scanPrefix(ctx, prefix)
	})
	if err != nil {
		recordOperation("scan_prefix", "error", start)
		return nil, err
	}

	recordOperation("scan_prefix", "success", start)
	return result.([]Entry), nil
}

// scanPrefix collects matching keys with SCAN and fetches values with MGET.
func (s *RedisStore) scanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for i, key := range keys {
		// Keys can expire between SCAN and MGET.
		if values[i] == nil {
			continue
		}
		if str, ok := values[i].(string); ok {
			entries = append(entries, Entry{Key: key, Value: []byte(str)})
		}
	}
	return entries, nil
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// GuardState returns the current state of the availability guard.
func (s *RedisStore) GuardState() gobreaker.State {
	return s.guard.State()
}
