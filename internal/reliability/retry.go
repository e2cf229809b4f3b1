// Package reliability holds the shared failure-handling building blocks:
// the retry/backoff schedule used by provider and broker HTTP calls, the
// circuit breaker around broker egress, and periodic database maintenance.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/openquant/tradecore/internal/domain"
)

// RetryPolicy is the shared backoff schedule for provider and broker calls:
// exponential with jitter, transient failures only.
type RetryPolicy struct {
	Base        time.Duration // first delay
	Factor      float64       // multiplier per attempt
	Cap         time.Duration // max delay
	Jitter      float64       // +/- fraction, e.g. 0.2
	MaxAttempts int
}

// DefaultRetryPolicy matches the upstream contract: base 250ms, factor 2,
// cap 30s, jitter +/-20%, max 5 attempts.
var DefaultRetryPolicy = RetryPolicy{
	Base:        250 * time.Millisecond,
	Factor:      2,
	Cap:         30 * time.Second,
	Jitter:      0.2,
	MaxAttempts: 5,
}

// Do runs fn, retrying transient failures (errors matching ErrUpstream) per
// the policy. Non-retriable errors are returned immediately. Context
// cancellation surfaces as ErrDeadlineExceeded.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt - 1)
			select {
			case <-ctx.Done():
				return domain.ErrDeadlineExceeded
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrUpstream) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// delay computes the backoff delay for the given retry index with jitter.
func (p RetryPolicy) delay(retry int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < retry; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	// Jitter spreads retries from concurrent callers.
	if p.Jitter > 0 {
		low := 1 - p.Jitter
		d *= low + 2*p.Jitter*rand.Float64()
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(d)
}
