// Package retry wraps outbound provider calls with a classified
// exponential-backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"social-publisher/internal/models"
)

// Policy controls how Execute spaces and bounds attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// JitterFrac is the fraction of the computed delay randomized in both
	// directions: delay * (1 +/- JitterFrac).
	JitterFrac float64
	MaxDelay   time.Duration
	// Retryable decides from the error whether another attempt is worthwhile.
	// Nil defaults to the shared error-kind taxonomy.
	Retryable func(err error) bool
}

// DefaultPolicy mirrors the configured dispatcher defaults.
func DefaultPolicy(maxAttempts int, base, max time.Duration, jitter float64) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		Multiplier:  2,
		JitterFrac:  jitter,
		MaxDelay:    max,
	}
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return models.RetryableKind(models.KindOf(err))
}

// Delay returns the wait before attempt+1 given a completed attempt number
// (1-based): base * multiplier^(attempt-1) * (1 +/- jitter), capped.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		f := 1 + (rand.Float64()*2-1)*p.JitterFrac
		d = time.Duration(float64(d) * f)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Exhausted is the terminal failure returned when every attempt failed with a
// retryable error. It carries the last error and how many attempts ran.
type Exhausted struct {
	Attempts int
	LastErr  error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *Exhausted) Unwrap() error { return e.LastErr }

// Execute runs op until it succeeds, a non-retryable error occurs, the policy
// is exhausted, or the context is canceled. Non-retryable errors return
// immediately without consuming further attempts.
func Execute(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		// Honor a platform-provided retry-after when it exceeds the backoff.
		wait := p.Delay(attempt)
		if pe, ok := asPublishError(err); ok && pe.RetryAt != nil {
			if until := time.Until(*pe.RetryAt); until > wait {
				wait = until
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &Exhausted{Attempts: attempts, LastErr: lastErr}
}

func asPublishError(err error) (*models.PublishError, bool) {
	var pe *models.PublishError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
