package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/gateway/internal/backend"
)

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{Attempts: 3, Delay: 100 * time.Millisecond, Strategy: StrategyLinear}.Validate())
	assert.Error(t, Policy{Attempts: 0}.Validate())
	assert.Error(t, Policy{Attempts: 1, Delay: -time.Second}.Validate())
	assert.Error(t, Policy{Attempts: 1, Strategy: "exponential"}.Validate())
}

func TestPolicy_Delay(t *testing.T) {
	fixed := Policy{Attempts: 3, Delay: 10 * time.Millisecond, Strategy: StrategyFixed}
	assert.Equal(t, 10*time.Millisecond, fixed.delay(1))
	assert.Equal(t, 10*time.Millisecond, fixed.delay(2))

	linear := Policy{Attempts: 3, Delay: 10 * time.Millisecond, Strategy: StrategyLinear}
	assert.Equal(t, 10*time.Millisecond, linear.delay(1))
	assert.Equal(t, 20*time.Millisecond, linear.delay(2))
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(http.MethodGet, http.Header{}))
	assert.True(t, Eligible(http.MethodHead, http.Header{}))
	assert.True(t, Eligible(http.MethodPut, http.Header{}))
	assert.True(t, Eligible(http.MethodDelete, http.Header{}))
	assert.False(t, Eligible(http.MethodPost, http.Header{}))
	assert.False(t, Eligible(http.MethodPatch, http.Header{}))

	withKey := http.Header{}
	withKey.Set("Idempotency-Key", "key-1")
	assert.True(t, Eligible(http.MethodPost, withKey))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(nil, errors.New("dial failed")))
	assert.True(t, ShouldRetry(nil, backend.ErrBackendTimeout))
	assert.True(t, ShouldRetry(&backend.Response{StatusCode: 502}, nil))
	assert.False(t, ShouldRetry(&backend.Response{StatusCode: 200}, nil))
	assert.False(t, ShouldRetry(&backend.Response{StatusCode: 404}, nil))
	assert.False(t, ShouldRetry(&backend.Response{StatusCode: 429}, nil))
	assert.False(t, ShouldRetry(nil, Permanent(errors.New("circuit open"))))
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	sentinel := errors.New("circuit open")

	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		return nil, Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_FailsTwiceThenSucceeds(t *testing.T) {
	calls := 0
	resp, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		if calls < 3 {
			return nil, &backend.TransportError{Backend: "stories", Cause: errors.New("refused")}
		}
		return &backend.Response{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		return nil, backend.ErrBackendTimeout
	})
	assert.ErrorIs(t, err, backend.ErrBackendTimeout)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnDefinitiveResponse(t *testing.T) {
	calls := 0
	resp, err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		return &backend.Response{StatusCode: 404}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	calls := 0
	resp, err := Do(context.Background(), Policy{Attempts: 2, Delay: time.Millisecond}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		return &backend.Response{StatusCode: 503}, nil
	})
	require.NoError(t, err)
	// The last response is returned when attempts run out.
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Do(ctx, Policy{Attempts: 5, Delay: time.Second}, func(ctx context.Context) (*backend.Response, error) {
		calls++
		cancel()
		return nil, backend.ErrBackendTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
