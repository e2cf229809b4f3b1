package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/openquant/tradecore/internal/domain"
)

// Breaker wraps a circuit breaker around an external dependency. Only
// transient upstream failures trip it; validation and broker rejections pass
// through untouched.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// NewBreaker creates a breaker that opens after 5 consecutive transient
// failures and probes again after 30 seconds.
func NewBreaker(name string, log zerolog.Logger) *Breaker {
	l := log.With().Str("breaker", name).Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return &Breaker{cb: cb, log: l}
}

// Do executes fn behind the breaker. An open breaker surfaces as ErrUpstream
// so callers treat it like any other transient outage. Permanent errors pass
// through without counting against the breaker.
func (b *Breaker) Do(fn func() error) error {
	var permanent error
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, domain.ErrUpstream) {
			permanent = err
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open: %v", domain.ErrUpstream, err)
		}
		return err
	}
	return permanent
}
