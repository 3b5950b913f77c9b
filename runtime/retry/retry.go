// Package retry provides bounded retry with exponential backoff for the
// transient failures the pipeline encounters: unavailable data sources,
// rate-limited model calls, and flaky network transports. Structural errors
// are never retried; callers classify via Config.Classify or the default
// IsRetryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// one. Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier scales the backoff after each retry; 2.0 gives
	// exponential backoff.
	BackoffMultiplier float64
	// Jitter adds randomness to each backoff; 0.1 adds up to ±10%.
	Jitter float64
	// Classify overrides the default retryable-error classification. When
	// nil, IsRetryable is used.
	Classify func(error) bool
}

// DefaultConfig returns the retry configuration used by the orchestrator when
// the caller does not supply one.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts failed with retryable errors.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent across attempts and backoffs.
	TotalDuration time.Duration
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Transient is implemented by errors that report whether retrying may
// succeed. The model and collect packages mark their transient failures this
// way so the default classification needs no knowledge of their sentinels.
type Transient interface {
	Transient() bool
}

// IsRetryable reports whether err is worth retrying. Cancellation is final;
// deadline expiry, network timeouts, and errors marked Transient are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tr Transient
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do executes fn with retry. A non-retryable error returns immediately; when
// attempts are exhausted the last error is wrapped in ExhaustedError. The
// context cancels both fn (via propagation) and the backoff wait.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	classify := cfg.Classify
	if classify == nil {
		classify = IsRetryable
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classify(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}
