package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Paper is an in-process broker for development and tests. Orders fill
// immediately at the configured mark price, optionally in slices to exercise
// partial-fill paths.
type Paper struct {
	name string
	log  zerolog.Logger

	// Slices splits each fill into this many executions (default 1).
	Slices int
	// Manual suppresses automatic fills; callers drive them with Fill.
	Manual bool

	mu      sync.Mutex
	orders  map[string]*paperOrder // keyed by idempotency key (order ID)
	byBrkID map[string]*paperOrder
	prices  map[string]float64
	events  chan domain.BrokerEvent
	closed  bool
}

type paperOrder struct {
	order         domain.Order
	brokerOrderID string
	filled        float64
	notional      float64
	execSeq       int
	status        domain.BrokerEventType
}

// NewPaper creates a paper broker.
func NewPaper(name string, log zerolog.Logger) *Paper {
	return &Paper{
		name:    name,
		log:     log.With().Str("client", name).Logger(),
		Slices:  1,
		orders:  make(map[string]*paperOrder),
		byBrkID: make(map[string]*paperOrder),
		prices:  make(map[string]float64),
		events:  make(chan domain.BrokerEvent, 256),
	}
}

// SetPrice sets the fill price for a symbol. Unset symbols fill at 100.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// Name implements Broker.
func (p *Paper) Name() string { return p.name }

// Submit implements Broker. Duplicate submissions of the same order ID return
// the original broker order ID without creating a new order.
func (p *Paper) Submit(ctx context.Context, order domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.ErrDeadlineExceeded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", domain.ErrClosed
	}

	if existing, ok := p.orders[order.ID]; ok {
		return existing.brokerOrderID, nil
	}

	po := &paperOrder{
		order:         order,
		brokerOrderID: "paper-" + uuid.NewString(),
		status:        domain.BrokerAck,
	}
	p.orders[order.ID] = po
	p.byBrkID[po.brokerOrderID] = po

	now := time.Now().UTC()
	p.emit(domain.BrokerEvent{
		Type: domain.BrokerAck, OrderID: order.ID, BrokerOrderID: po.brokerOrderID, TS: now,
	})

	if p.Manual {
		return po.brokerOrderID, nil
	}

	price, ok := p.prices[order.Symbol]
	if !ok {
		price = 100
	}

	slices := p.Slices
	if slices < 1 {
		slices = 1
	}
	per := order.Qty / float64(slices)
	for i := 0; i < slices; i++ {
		qty := per
		if i == slices-1 {
			qty = order.Qty - po.filled // absorb rounding in the last slice
		}
		p.fillLocked(po, qty, price, now)
	}

	p.log.Debug().Str("order_id", order.ID).Str("symbol", order.Symbol).Msg("Paper order filled")
	return po.brokerOrderID, nil
}

// Fill records a manual execution against an order, used with Manual mode to
// script partial-fill sequences in tests.
func (p *Paper) Fill(orderID string, qty, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %q", domain.ErrNotFound, orderID)
	}
	p.fillLocked(po, qty, price, time.Now().UTC())
	return nil
}

// Reject emits a manual rejection for an order.
func (p *Paper) Reject(orderID string, reason domain.RejectionReason, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %q", domain.ErrNotFound, orderID)
	}
	po.status = domain.BrokerRejected
	p.emit(domain.BrokerEvent{
		Type:          domain.BrokerRejected,
		OrderID:       orderID,
		BrokerOrderID: po.brokerOrderID,
		Reason:        reason,
		Detail:        detail,
		TS:            time.Now().UTC(),
	})
	return nil
}

func (p *Paper) fillLocked(po *paperOrder, qty, price float64, ts time.Time) {
	po.filled += qty
	po.notional += qty * price
	po.execSeq++
	po.status = domain.BrokerFill
	p.emit(domain.BrokerEvent{
		Type:          domain.BrokerFill,
		OrderID:       po.order.ID,
		BrokerOrderID: po.brokerOrderID,
		BrokerExecID:  fmt.Sprintf("%s-exec-%d", po.brokerOrderID, po.execSeq),
		Qty:           qty,
		Price:         price,
		TS:            ts,
	})
}

// Cancel implements Broker.
func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrDeadlineExceeded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.byBrkID[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: broker order %q", domain.ErrNotFound, brokerOrderID)
	}
	if po.filled >= po.order.Qty {
		return fmt.Errorf("%w: broker order %q already filled", domain.ErrTerminal, brokerOrderID)
	}
	po.status = domain.BrokerCancelled
	p.emit(domain.BrokerEvent{
		Type: domain.BrokerCancelled, OrderID: po.order.ID, BrokerOrderID: brokerOrderID, TS: time.Now().UTC(),
	})
	return nil
}

// Poll implements Broker.
func (p *Paper) Poll(ctx context.Context, brokerOrderID string) (domain.BrokerEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.BrokerEvent{}, domain.ErrDeadlineExceeded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.byBrkID[brokerOrderID]
	if !ok {
		return domain.BrokerEvent{}, fmt.Errorf("%w: broker order %q", domain.ErrNotFound, brokerOrderID)
	}
	var avg float64
	if po.filled > 0 {
		avg = po.notional / po.filled
	}
	return domain.BrokerEvent{
		Type:          po.status,
		OrderID:       po.order.ID,
		BrokerOrderID: po.brokerOrderID,
		Qty:           po.filled,
		Price:         avg,
		TS:            time.Now().UTC(),
	}, nil
}

// Events implements Broker.
func (p *Paper) Events() <-chan domain.BrokerEvent {
	return p.events
}

// Close implements Broker.
func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

// emit drops events when the buffer is full rather than blocking under the
// lock; Poll-based reconciliation covers the loss.
func (p *Paper) emit(ev domain.BrokerEvent) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Str("order_id", ev.OrderID).Msg("Paper event buffer full, dropping")
	}
}
