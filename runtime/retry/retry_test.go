package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Transient() bool { return true }

type finalErr struct{ msg string }

func (e *finalErr) Error() string   { return e.msg }
func (e *finalErr) Transient() bool { return false }

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return &transientErr{"source flapping"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	cause := &finalErr{"bad uid"}
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return cause
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, calls)
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cause := &transientErr{"still down"}
	err := Do(context.Background(), fastConfig(4), func(context.Context) error {
		calls++
		return cause
	})
	require.Equal(t, 4, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, exhausted.Attempts)
	require.ErrorIs(t, err, cause)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastConfig(10)
	cfg.InitialBackoff = time.Hour
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return &transientErr{"down"}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoCustomClassifier(t *testing.T) {
	sentinel := errors.New("special")
	calls := 0
	cfg := fastConfig(3)
	cfg.Classify = func(err error) bool { return errors.Is(err, sentinel) }
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return sentinel
	})
	require.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(&transientErr{"x"}))
	require.False(t, IsRetryable(&finalErr{"x"}))
	require.False(t, IsRetryable(errors.New("plain")))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        40 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	require.Equal(t, 10*time.Millisecond, backoff(cfg, 1))
	require.Equal(t, 20*time.Millisecond, backoff(cfg, 2))
	require.Equal(t, 40*time.Millisecond, backoff(cfg, 3))
	require.Equal(t, 40*time.Millisecond, backoff(cfg, 6))
}
