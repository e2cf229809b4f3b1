// Package orders implements the order state machine: submission through the
// risk gate, broker event processing, fill accounting and reconciliation.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/broker"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/portfolio"
	"github.com/openquant/tradecore/internal/risk"
)

const (
	// reconcileInterval is how often unconfirmed orders are re-checked
	// against the broker.
	reconcileInterval = 5 * time.Second
	// reconcileWindow is how long an order may stay unconfirmed before it
	// transitions to ERROR.
	reconcileWindow = 10 * time.Minute

	// fillEpsilon absorbs float rounding when comparing fill quantities.
	fillEpsilon = 1e-9

	actorEngine = "order-engine"
)

// Config wires the engine's collaborators.
type Config struct {
	Store      *Store
	Portfolios *portfolio.Store
	Risk       *risk.Engine
	Audit      *audit.Log
	Log        zerolog.Logger
}

// Engine drives order lifecycles. Broker events for the same order are applied
// in arrival order; a per-order mutex serializes them against cancels and
// reconciliation.
type Engine struct {
	store      *Store
	portfolios *portfolio.Store
	risk       *risk.Engine
	auditor    *audit.Log
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	brokers map[string]broker.Broker

	locks       sync.Map // order ID -> *sync.Mutex
	unconfirmed sync.Map // order ID -> struct{}, submits awaiting broker confirmation

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine creates the order engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		store:      cfg.Store,
		portfolios: cfg.Portfolios,
		risk:       cfg.Risk,
		auditor:    cfg.Audit,
		log:        cfg.Log.With().Str("module", "orders").Logger(),
		now:        time.Now,
		brokers:    make(map[string]broker.Broker),
	}
}

// RegisterBroker makes a broker adapter available for routing.
func (e *Engine) RegisterBroker(b broker.Broker) {
	e.mu.Lock()
	e.brokers[b.Name()] = b
	e.mu.Unlock()
}

func (e *Engine) broker(name string) (broker.Broker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.brokers[name]
	if !ok {
		return nil, fmt.Errorf("%w: broker %q not registered", domain.ErrNotFound, name)
	}
	return b, nil
}

// Start launches one event pump per registered broker plus the reconciliation
// loop. Stop shuts them down.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.mu.Lock()
	for _, b := range e.brokers {
		e.wg.Add(1)
		go e.pump(ctx, b)
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.reconcileLoop(ctx)
}

// Stop halts the pumps and the reconciliation loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) lock(orderID string) *sync.Mutex {
	m, _ := e.locks.LoadOrStore(orderID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Submit runs an order through the risk gate and places it with its broker.
// Submitting an ID that already exists returns the stored order unchanged, so
// client retries cannot create duplicates.
func (e *Engine) Submit(ctx context.Context, o domain.Order, price, portfolioVaR float64) (domain.Order, error) {
	return e.submit(ctx, o, price, portfolioVaR, true)
}

// SubmitChild places a strategy child order. The parent already passed the
// risk gate for its full quantity, so children skip it.
func (e *Engine) SubmitChild(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.ParentID == "" {
		return domain.Order{}, fmt.Errorf("%w: child order without parent_id", domain.ErrValidation)
	}
	return e.submit(ctx, o, 0, 0, false)
}

// SubmitParent records a parent strategy order and runs it through the risk
// gate for its full quantity. Parents are never sent to a broker; their fill
// state rolls up from their children.
func (e *Engine) SubmitParent(ctx context.Context, o domain.Order, price, portfolioVaR float64) (domain.Order, error) {
	if err := o.Validate(); err != nil {
		return domain.Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	mu := e.lock(o.ID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := e.store.Get(o.ID); err == nil {
		return existing, nil
	}

	o, err := e.create(o)
	if err != nil {
		return domain.Order{}, err
	}
	if rejected, res, err := e.gate(o, price, portfolioVaR); rejected || err != nil {
		return res, err
	}

	prev := o
	now := e.now().UTC()
	o.Status = domain.StatusSubmitted
	o.SubmittedAt = &now
	if err := e.store.Update(o); err != nil {
		return domain.Order{}, err
	}
	e.audit(o.PortfolioID, audit.ActionOrderSubmitted, o.ID, prev, o)
	return o, nil
}

func (e *Engine) submit(ctx context.Context, o domain.Order, price, portfolioVaR float64, gate bool) (domain.Order, error) {
	if err := o.Validate(); err != nil {
		return domain.Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	mu := e.lock(o.ID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := e.store.Get(o.ID); err == nil {
		return existing, nil
	}

	o, err := e.create(o)
	if err != nil {
		return domain.Order{}, err
	}
	if gate {
		if rejected, res, err := e.gate(o, price, portfolioVaR); rejected || err != nil {
			return res, err
		}
	}

	// Child orders routed by a parent strategy carry their broker; standalone
	// orders must name one too.
	b, err := e.broker(o.BrokerID)
	if err != nil {
		return e.terminate(o, domain.StatusError, err.Error(), audit.ActionOrderErrored)
	}

	prev := o
	now := e.now().UTC()
	o.Status = domain.StatusSubmitted
	o.SubmittedAt = &now
	if err := e.store.Update(o); err != nil {
		return domain.Order{}, err
	}
	e.audit(o.PortfolioID, audit.ActionOrderSubmitted, o.ID, prev, o)

	brokerOrderID, err := b.Submit(ctx, o)
	switch {
	case err == nil:
		o.BrokerOrderID = brokerOrderID
		if err := e.store.Update(o); err != nil {
			return domain.Order{}, err
		}
	case errors.Is(err, domain.ErrUpstream) || errors.Is(err, domain.ErrDeadlineExceeded):
		// Outcome unknown. The order stays SUBMITTED and reconciliation
		// re-submits under the same idempotency key.
		e.unconfirmed.Store(o.ID, struct{}{})
		e.log.Warn().Str("order_id", o.ID).Err(err).Msg("Submit unconfirmed, deferring to reconciliation")
	case errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrRejected):
		return e.terminate(o, domain.StatusRejected, err.Error(), audit.ActionOrderRejected)
	default:
		return e.terminate(o, domain.StatusError, err.Error(), audit.ActionOrderErrored)
	}

	return o, nil
}

// create persists a fresh PENDING order. Caller holds the order lock.
func (e *Engine) create(o domain.Order) (domain.Order, error) {
	o.Status = domain.StatusPending
	o.FilledQty = 0
	o.AvgFillPrice = nil
	o.CreatedAt = e.now().UTC()
	if err := e.store.Insert(o); err != nil {
		return domain.Order{}, err
	}
	e.audit(o.PortfolioID, audit.ActionOrderCreated, o.ID, nil, o)
	return o, nil
}

// gate runs the pre-trade risk check. A limit breach terminates the order as
// REJECTED and reports rejected=true with the terminal order.
func (e *Engine) gate(o domain.Order, price, portfolioVaR float64) (rejected bool, res domain.Order, err error) {
	pf, err := e.portfolios.Get(o.PortfolioID)
	if err != nil {
		return false, domain.Order{}, err
	}
	err = e.risk.Check(pf, risk.Proposal{Order: o, Price: price, PortfolioVaR: portfolioVaR})
	if err == nil {
		return false, o, nil
	}
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		res, terr := e.terminate(o, domain.StatusRejected, rejection.Error(), audit.ActionOrderRejected)
		return true, res, terr
	}
	return false, domain.Order{}, err
}

// Cancel requests cancellation. PENDING orders cancel locally; submitted
// orders move to CANCELLING until the broker acknowledges.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	mu := e.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := e.store.Get(orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", domain.ErrTerminal, o.ID, o.Status)
	}
	if o.Status == domain.StatusCancelling {
		return nil
	}

	if o.Status == domain.StatusPending || o.BrokerOrderID == "" {
		_, err := e.terminate(o, domain.StatusCancelled, "", audit.ActionOrderCancelled)
		return err
	}

	prev := o
	o.Status = domain.StatusCancelling
	if err := e.store.Update(o); err != nil {
		return err
	}
	e.audit(o.PortfolioID, audit.ActionOrderCancelled, o.ID, prev, o)

	b, err := e.broker(o.BrokerID)
	if err != nil {
		return err
	}
	// Transient failures resolve via reconciliation polling; a broker that
	// says the order already finished resolves via its terminal event.
	err = b.Cancel(ctx, o.BrokerOrderID)
	if err != nil && !errors.Is(err, domain.ErrUpstream) &&
		!errors.Is(err, domain.ErrTerminal) && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Store exposes the order repository for read-side collaborators.
func (e *Engine) Store() *Store {
	return e.store
}

// Get returns an order with its fills loaded.
func (e *Engine) Get(orderID string) (domain.Order, []domain.Fill, error) {
	o, err := e.store.Get(orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	fills, err := e.store.Fills(orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	return o, fills, nil
}

// pump applies a broker's event stream until the context ends.
func (e *Engine) pump(ctx context.Context, b broker.Broker) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.Events():
			if !ok {
				return
			}
			if err := e.HandleEvent(ev); err != nil {
				e.log.Error().Err(err).Str("order_id", ev.OrderID).
					Str("event", string(ev.Type)).Msg("Failed to apply broker event")
			}
		}
	}
}

// HandleEvent applies one broker event to its order. Events for terminal
// orders are dropped; terminal states are absorbing.
func (e *Engine) HandleEvent(ev domain.BrokerEvent) error {
	if err := broker.ValidateEventClock(ev, e.now().UTC()); err != nil {
		return err
	}

	mu := e.lock(ev.OrderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := e.store.Get(ev.OrderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		e.log.Debug().Str("order_id", o.ID).Str("event", string(ev.Type)).
			Str("status", string(o.Status)).Msg("Dropping event for terminal order")
		return nil
	}

	switch ev.Type {
	case domain.BrokerAck:
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = ev.BrokerOrderID
			if err := e.store.Update(o); err != nil {
				return err
			}
		}
		e.unconfirmed.Delete(o.ID)
		return nil

	case domain.BrokerFill:
		return e.applyFill(o, ev)

	case domain.BrokerCancelled:
		_, err := e.terminate(o, domain.StatusCancelled, "", audit.ActionOrderCancelled)
		return err

	case domain.BrokerRejected:
		detail := ev.Detail
		if ev.Reason != "" {
			detail = string(ev.Reason) + ": " + ev.Detail
		}
		_, err := e.terminate(o, domain.StatusRejected, detail, audit.ActionOrderRejected)
		return err

	case domain.BrokerExpired:
		_, err := e.terminate(o, domain.StatusExpired, ev.Detail, audit.ActionOrderExpired)
		return err

	case domain.BrokerErrored:
		_, err := e.terminate(o, domain.StatusError, ev.Detail, audit.ActionOrderErrored)
		return err
	}
	return fmt.Errorf("%w: unknown broker event %q", domain.ErrValidation, ev.Type)
}

// applyFill advances the order by one execution. Duplicate broker_exec_ids
// are replays and change nothing. Caller holds the order lock.
func (e *Engine) applyFill(o domain.Order, ev domain.BrokerEvent) error {
	if ev.Qty <= 0 || ev.Price <= 0 {
		return fmt.Errorf("%w: fill with qty=%v price=%v", domain.ErrValidation, ev.Qty, ev.Price)
	}
	if ev.BrokerExecID == "" {
		return fmt.Errorf("%w: fill without broker_exec_id", domain.ErrValidation)
	}
	remaining := o.Remaining()
	if ev.Qty > remaining+fillEpsilon {
		return fmt.Errorf("%w: fill of %v exceeds remaining %v on order %s",
			domain.ErrIntegrity, ev.Qty, remaining, o.ID)
	}

	prev := o
	newFilled := o.FilledQty + ev.Qty
	avg := ev.Price
	if o.AvgFillPrice != nil {
		avg = (*o.AvgFillPrice*o.FilledQty + ev.Price*ev.Qty) / newFilled
	}
	o.FilledQty = newFilled
	o.AvgFillPrice = &avg
	if o.Qty-newFilled <= fillEpsilon {
		o.FilledQty = o.Qty
		o.Status = domain.StatusFilled
		ts := e.now().UTC()
		o.TerminalAt = &ts
	} else {
		o.Status = domain.StatusPartiallyFilled
	}

	fill := domain.Fill{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		Qty:          ev.Qty,
		Price:        ev.Price,
		TS:           ev.TS,
		BrokerExecID: ev.BrokerExecID,
	}
	applied, err := e.store.InsertFill(o, fill)
	if err != nil {
		return err
	}
	if !applied {
		e.log.Debug().Str("order_id", o.ID).Str("exec_id", ev.BrokerExecID).
			Msg("Duplicate fill dropped")
		return nil
	}
	e.unconfirmed.Delete(o.ID)

	if err := e.portfolios.ApplyFill(o.PortfolioID, o.Symbol, o.Side, fill); err != nil {
		return fmt.Errorf("failed to apply fill to portfolio: %w", err)
	}
	if err := e.risk.RecordExecution(o.PortfolioID, ev.Qty*ev.Price); err != nil {
		e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to record executed volume")
	}
	e.audit(o.PortfolioID, audit.ActionOrderFilled, o.ID, prev, o)

	e.log.Info().
		Str("order_id", o.ID).
		Float64("qty", ev.Qty).
		Float64("price", ev.Price).
		Str("status", string(o.Status)).
		Msg("Fill applied")

	if o.ParentID != "" {
		if err := e.refreshParent(o.ParentID); err != nil {
			e.log.Error().Err(err).Str("parent_id", o.ParentID).Msg("Failed to roll fill up to parent")
		}
	}
	return nil
}

// refreshParent recomputes a parent order's aggregate fill state from its
// children. The parent completes when the children's fills cover its quantity
// within the lot tolerance.
func (e *Engine) refreshParent(parentID string) error {
	mu := e.lock(parentID)
	mu.Lock()
	defer mu.Unlock()

	parent, err := e.store.Get(parentID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	children, err := e.store.ListChildren(parentID)
	if err != nil {
		return err
	}

	var filled, notional float64
	for _, c := range children {
		filled += c.FilledQty
		if c.AvgFillPrice != nil {
			notional += c.FilledQty * *c.AvgFillPrice
		}
	}

	prev := parent
	parent.FilledQty = filled
	if filled > 0 {
		avg := notional / filled
		parent.AvgFillPrice = &avg
		parent.Status = domain.StatusPartiallyFilled
	}
	if parent.Qty-filled <= domain.LotTolerance {
		parent.Status = domain.StatusFilled
		ts := e.now().UTC()
		parent.TerminalAt = &ts
	}
	if err := e.store.Update(parent); err != nil {
		return err
	}
	if parent.Status == domain.StatusFilled {
		e.audit(parent.PortfolioID, audit.ActionOrderFilled, parent.ID, prev, parent)
	}
	return nil
}

// terminate moves an order into a terminal state. Caller holds the order lock.
func (e *Engine) terminate(o domain.Order, status domain.OrderStatus, detail, action string) (domain.Order, error) {
	prev := o
	o.Status = status
	o.Error = detail
	ts := e.now().UTC()
	o.TerminalAt = &ts
	if err := e.store.Update(o); err != nil {
		return domain.Order{}, err
	}
	e.unconfirmed.Delete(o.ID)
	e.audit(o.PortfolioID, action, o.ID, prev, o)
	e.log.Info().Str("order_id", o.ID).Str("status", string(status)).Str("detail", detail).
		Msg("Order reached terminal state")
	return o, nil
}

func (e *Engine) audit(portfolioID, action, orderID string, prev, next interface{}) {
	rec := audit.Record{
		Actor:        actorEngine,
		Action:       action,
		ResourceType: "order",
		ResourceID:   orderID,
		PrevValues:   audit.MarshalValues(prev),
		NewValues:    audit.MarshalValues(next),
	}
	if _, err := e.auditor.Append(audit.PortfolioStream(portfolioID), rec); err != nil {
		e.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to append audit record")
	}
}
