// Package backoff implements the exponential backoff schedule used by
// pkg/writebuffer's retry loop. No corpus repo imports a standalone backoff library as
// application code (aws-sdk-go-v2's retry machinery is SDK-private), so
// this one ambient helper is built on the standard library.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
}

// Default is the schedule used throughout the engine: 1s base, 2x
// multiplier, 10s cap, 3 retries.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        10 * time.Second,
		MaxRetries: 3,
	}
}

// Delay returns the backoff delay before retry attempt n (0-indexed),
// with up to 20% jitter applied to smooth retry storms.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	capped := float64(p.Cap)
	if d > capped {
		d = capped
	}
	jitter := d * 0.2 * rand.Float64()
	return time.Duration(d + jitter)
}

// Retry invokes fn until it succeeds, ctx is cancelled, or MaxRetries is
// exhausted. It returns the last error on exhaustion.
func (p Policy) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
