// Package retry repeats read-only dependency calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

// Policy controls how often and how patiently Do retries.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// ShouldRetry decides whether err is worth another attempt. Defaults to DefaultShouldRetry.
	ShouldRetry func(error) bool
}

// DefaultPolicy is three attempts starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

// DefaultShouldRetry retries raw infrastructure errors and dependency AppErrors.
// Classified failures such as validation or not-found are final.
func DefaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperrors.IsAppError(err) {
		return apperrors.IsRetryable(err)
	}
	return true
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts run
// out or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || !shouldRetry(err) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
