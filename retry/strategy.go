// Package retry provides the retry strategy used by stage handlers before a hop is quarantined.
// The default reproduces a fixed one second redelivery delay with a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Strategy defines how often and how fast a failed hop is retried.
//
// The delay follows: delay = min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay).
// With ExponentialBase 1.0 every retry waits BaseDelay.
//
// MaxAttempts of 0 retries forever and never quarantines.
type Strategy struct {
	MaxAttempts         int           // Maximum attempts per hop, 0 for unlimited
	BaseDelay           time.Duration // Delay before the first retry
	MaxDelay            time.Duration // Delay cap
	ExponentialBase     float64       // Backoff multiplier, 1.0 for a fixed delay
	QuarantineThreshold int           // Quarantine after this many failed attempts
}

// DefaultStrategy returns 10 attempts with a fixed 1s delay, quarantining on the last failure.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:         10,
		BaseDelay:           time.Second,
		MaxDelay:            time.Second,
		ExponentialBase:     1.0,
		QuarantineThreshold: 10,
	}
}

// Unlimited returns a strategy that keeps retrying every second and never quarantines.
func Unlimited() Strategy {
	return Strategy{
		MaxAttempts:     0,
		BaseDelay:       time.Second,
		MaxDelay:        time.Second,
		ExponentialBase: 1.0,
	}
}

// Fixed returns a strategy with maxAttempts attempts separated by delay.
func Fixed(maxAttempts int, delay time.Duration) Strategy {
	return Strategy{
		MaxAttempts:         maxAttempts,
		BaseDelay:           delay,
		MaxDelay:            delay,
		ExponentialBase:     1.0,
		QuarantineThreshold: maxAttempts,
	}
}

// CalculateRetryDelay returns the delay to wait after the given failed attempt (1-based).
func (s Strategy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 1 || s.ExponentialBase <= 1.0 {
		return s.capped(float64(s.BaseDelay))
	}
	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber-1))
	return s.capped(delay)
}

func (s Strategy) capped(delay float64) time.Duration {
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldQuarantine reports whether a hop with attemptCount failures must be quarantined.
func (s Strategy) ShouldQuarantine(attemptCount int) bool {
	return s.QuarantineThreshold > 0 && attemptCount >= s.QuarantineThreshold
}

// IsRetryable checks if another attempt is allowed after attemptCount attempts.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return s.MaxAttempts == 0 || attemptCount < s.MaxAttempts
}

// GetRetrySchedule returns a human-readable description of the retry schedule.
func (s Strategy) GetRetrySchedule() string {
	if s.MaxAttempts == 0 {
		return fmt.Sprintf("Retry Schedule:\n  every %v, unlimited\n", s.CalculateRetryDelay(1))
	}
	schedule := "Retry Schedule:\n"
	for i := 1; i < s.MaxAttempts; i++ {
		schedule += fmt.Sprintf("  Attempt %d: after %v\n", i+1, s.CalculateRetryDelay(i))
	}
	if s.QuarantineThreshold > 0 {
		schedule += "  → Quarantine\n"
	}
	return schedule
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, the strategy gives up, or ctx ends.
// It returns the number of attempts made and the last error, unwrapped from Permanent.
func Do(ctx context.Context, s Strategy, fn func(attempt int) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return attempt, p.err
		}
		if !s.IsRetryable(attempt) {
			return attempt, err
		}

		timer := time.NewTimer(s.CalculateRetryDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
