// Package broker defines the uniform broker adapter interface and its
// implementations: a REST adapter for real brokers and an in-process paper
// broker for development and tests.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/openquant/tradecore/internal/domain"
)

// Broker is the uniform egress interface the execution engine talks to.
// Implementations deduplicate Submit by the order's idempotency key.
type Broker interface {
	// Name identifies the adapter, matching Order.BrokerID.
	Name() string
	// Submit places an order and returns the broker-assigned order ID.
	// Resubmitting the same order ID must not create a second broker order.
	Submit(ctx context.Context, order domain.Order) (string, error)
	// Cancel requests cancellation of a live broker order.
	Cancel(ctx context.Context, brokerOrderID string) error
	// Poll queries current state, used by reconciliation when streaming is
	// unavailable or an outcome is unconfirmed.
	Poll(ctx context.Context, brokerOrderID string) (domain.BrokerEvent, error)
	// Events delivers normalized broker events until Close.
	Events() <-chan domain.BrokerEvent
	// Close releases the adapter's connections.
	Close() error
}

// ValidateEventClock rejects events stamped too far in the future, bounding
// clock skew between adapter and engine.
func ValidateEventClock(ev domain.BrokerEvent, now time.Time) error {
	if ev.TS.After(now.Add(domain.MaxClockSkew)) {
		return fmt.Errorf("%w: event for order %s is %.0fs in the future",
			domain.ErrValidation, ev.OrderID, ev.TS.Sub(now).Seconds())
	}
	return nil
}
