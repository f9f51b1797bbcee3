// Package retry runs synchronization passes again after transient failures.
//
// Delays grow exponentially from InitialInterval by Multiplier and are
// capped at MaxInterval. With Jitter the delay is drawn from the upper half
// of that value so that sub-accounts failing together do not reconnect in
// lockstep.
//
//	err := retry.Do(ctx, cfg, func(attempt int) error {
//		return syncOnce(ctx)
//	}, nil)
//
// A failure that another attempt cannot fix, such as a rejected login, is
// returned wrapped with Stop and ends the loop at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig describes how often and how fast a failed pass is retried.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int // retries after the first attempt
}

// Delay returns the wait before retry number attempt (1 for the first retry).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.jitter(c.InitialInterval)
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	return c.jitter(time.Duration(interval))
}

func (c BackoffConfig) jitter(d time.Duration) time.Duration {
	if !c.Jitter || d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps err so that Do returns it without another attempt.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Notify is called before each retry with the error of the failed attempt.
type Notify func(attempt int, delay time.Duration, err error)

// Do calls fn until it succeeds, returns a Stop error, runs out of retries
// or ctx is done. attempt counts from 0.
func Do(ctx context.Context, cfg BackoffConfig, fn func(attempt int) error, notify Notify) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			}
			delay := cfg.Delay(attempt)
			if notify != nil {
				notify(attempt, delay, lastErr)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}
	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
