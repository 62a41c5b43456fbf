package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultRetryConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("busy"), http.StatusServiceUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return NewTransientError(fmt.Errorf("attempt %d", calls), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, "attempt 4", err.Error())
}

func TestDo_PermanentErrorStops(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", syscall.ECONNREFUSED
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBackoff_CappedAndJittered(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.backoff(5))

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := cfg.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("nope")))
	assert.True(t, IsTransient(NewTransientError(errors.New("x"), 0)))
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, StatusError("webhook", 204))

	err := StatusError("webhook", 503)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "status 503")

	err = StatusError("webhook", 404)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }
	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, b.Execute(context.Background(), fail))
	assert.False(t, b.Open())
	require.Error(t, b.Execute(context.Background(), fail))
	assert.True(t, b.Open())

	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrBreakerOpen)

	now = now.Add(2 * time.Minute)
	assert.False(t, b.Open())
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.False(t, b.Open())
}
