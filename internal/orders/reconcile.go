package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileUnconfirmed(ctx)
			e.expireTimedOut()
		}
	}
}

// reconcileUnconfirmed retries every submit whose outcome is unknown. The
// broker deduplicates on the idempotency key, so the retry either returns the
// already-created broker order or places it for the first time.
func (e *Engine) reconcileUnconfirmed(ctx context.Context) {
	e.unconfirmed.Range(func(key, _ interface{}) bool {
		orderID := key.(string)
		if err := e.reconcileOrder(ctx, orderID); err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("Reconciliation attempt failed")
		}
		return ctx.Err() == nil
	})
}

func (e *Engine) reconcileOrder(ctx context.Context, orderID string) error {
	mu := e.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := e.store.Get(orderID)
	if err != nil {
		e.unconfirmed.Delete(orderID)
		return err
	}
	if o.Status.Terminal() {
		e.unconfirmed.Delete(orderID)
		return nil
	}

	b, err := e.broker(o.BrokerID)
	if err != nil {
		return err
	}

	brokerOrderID, err := b.Submit(ctx, o)
	if err == nil {
		o.BrokerOrderID = brokerOrderID
		if err := e.store.Update(o); err != nil {
			return err
		}
		e.unconfirmed.Delete(orderID)
		e.log.Info().Str("order_id", o.ID).Str("broker_order_id", brokerOrderID).
			Msg("Unconfirmed submit reconciled")
		return nil
	}

	if o.SubmittedAt != nil && e.now().UTC().Sub(*o.SubmittedAt) > reconcileWindow {
		_, terr := e.terminate(o, domain.StatusError,
			fmt.Sprintf("unconfirmed after %s: %v", reconcileWindow, err), audit.ActionOrderErrored)
		return terr
	}
	if errors.Is(err, domain.ErrUpstream) || errors.Is(err, domain.ErrDeadlineExceeded) {
		return nil // try again next tick
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrRejected) {
		_, terr := e.terminate(o, domain.StatusRejected, err.Error(), audit.ActionOrderRejected)
		return terr
	}
	_, terr := e.terminate(o, domain.StatusError, err.Error(), audit.ActionOrderErrored)
	return terr
}

// Reconcile polls the broker for every open order routed to it and applies the
// reported state. Used by the reconcile CLI command and on startup.
func (e *Engine) Reconcile(ctx context.Context, brokerName string) error {
	b, err := e.broker(brokerName)
	if err != nil {
		return err
	}
	open, err := e.store.ListOpen(brokerName)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range open {
		if ctx.Err() != nil {
			return domain.ErrDeadlineExceeded
		}
		if o.BrokerOrderID == "" {
			if err := e.reconcileOrder(ctx, o.ID); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		ev, err := b.Poll(ctx, o.BrokerOrderID)
		if errors.Is(err, domain.ErrNotFound) {
			mu := e.lock(o.ID)
			mu.Lock()
			if current, gerr := e.store.Get(o.ID); gerr == nil && !current.Status.Terminal() {
				_, _ = e.terminate(current, domain.StatusError,
					"broker reports no such order", audit.ActionOrderErrored)
			}
			mu.Unlock()
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		ev.OrderID = o.ID
		if err := e.applyPolled(o, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyPolled converts a polled order snapshot into state-machine events.
// Snapshots carry cumulative fill quantity, so only the delta beyond what the
// engine already recorded is applied.
func (e *Engine) applyPolled(o domain.Order, ev domain.BrokerEvent) error {
	switch ev.Type {
	case domain.BrokerAck:
		return e.HandleEvent(ev)
	case domain.BrokerFill:
		delta := ev.Qty - o.FilledQty
		if delta <= fillEpsilon {
			return nil
		}
		return e.HandleEvent(domain.BrokerEvent{
			Type:          domain.BrokerFill,
			OrderID:       o.ID,
			BrokerOrderID: ev.BrokerOrderID,
			BrokerExecID:  fmt.Sprintf("reconcile-%s-%d", o.ID, ev.TS.UnixNano()),
			Qty:           delta,
			Price:         ev.Price,
			TS:            ev.TS,
		})
	default:
		return e.HandleEvent(ev)
	}
}

// expireTimedOut transitions open orders whose time-in-force has elapsed.
// Day orders lapse at the end of their creation day (UTC); immediate TIFs
// lapse after a short grace period if the broker never resolved them.
func (e *Engine) expireTimedOut() {
	open, err := e.store.ListOpen("")
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list open orders for expiry sweep")
		return
	}
	now := e.now().UTC()
	for _, o := range open {
		deadline, ok := tifDeadline(o)
		if !ok || now.Before(deadline) {
			continue
		}
		mu := e.lock(o.ID)
		mu.Lock()
		current, err := e.store.Get(o.ID)
		if err == nil && !current.Status.Terminal() {
			if _, err := e.terminate(current, domain.StatusExpired,
				fmt.Sprintf("%s time-in-force elapsed", current.TIF), audit.ActionOrderExpired); err != nil {
				e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to expire order")
			}
		}
		mu.Unlock()
	}
}

func tifDeadline(o domain.Order) (time.Time, bool) {
	switch o.TIF {
	case domain.TIFDay:
		day := o.CreatedAt.UTC().Truncate(24 * time.Hour)
		return day.Add(24 * time.Hour), true
	case domain.TIFIOC, domain.TIFFOK:
		return o.CreatedAt.Add(time.Minute), true
	default:
		return time.Time{}, false
	}
}
