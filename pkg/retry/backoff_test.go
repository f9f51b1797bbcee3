package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(retries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      retries,
	}
}

func TestDelay(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(10), "capped at MaxInterval")
}

func TestDelayJitter(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2.0, Jitter: true}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var attempts []int
	var notified []int
	err := Do(context.Background(), testConfig(5), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("connection reset")
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		notified = append(notified, attempt)
		assert.EqualError(t, err, "connection reset")
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	cause := errors.New("timeout")
	err := Do(context.Background(), testConfig(2), func(int) error {
		calls++
		return cause
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestDoStopError(t *testing.T) {
	calls := 0
	cause := errors.New("authentication failed")
	err := Do(context.Background(), testConfig(5), func(int) error {
		calls++
		return Stop(cause)
	}, nil)

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsStopError(Stop(cause)))
	assert.False(t, IsStopError(cause))
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cause := errors.New("transient")
	err := Do(ctx, testConfig(5), func(int) error {
		calls++
		cancel()
		return cause
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}
