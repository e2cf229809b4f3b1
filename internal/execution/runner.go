// Package execution schedules parent orders into broker-sized children:
// market, limit, TWAP, VWAP, iceberg and POV decompositions over the shared
// order state machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/orders"
)

// defaultPollInterval is how often a strategy re-checks its live child.
const defaultPollInterval = time.Second

// VolumeFunc reports cumulative traded volume for a symbol, used by POV to
// size children against the market.
type VolumeFunc func(ctx context.Context, symbol string) (float64, error)

// Runner owns the strategy schedulers. One goroutine per active parent.
type Runner struct {
	engine *orders.Engine
	volume VolumeFunc
	log    zerolog.Logger

	// PollInterval overrides the child status poll cadence (tests).
	PollInterval time.Duration

	mu     sync.Mutex
	active map[string]*session
	wg     sync.WaitGroup
}

// session tracks one running parent scheduler.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates the execution runner. volume may be nil when POV is not
// used; starting a POV parent without it fails validation.
func NewRunner(engine *orders.Engine, volume VolumeFunc, log zerolog.Logger) *Runner {
	return &Runner{
		engine:       engine,
		volume:       volume,
		log:          log.With().Str("module", "execution").Logger(),
		PollInterval: defaultPollInterval,
		active:       make(map[string]*session),
	}
}

// Start validates the parent, runs it through the risk gate, and launches its
// scheduler. The returned order is the persisted parent; a risk rejection
// comes back as a REJECTED order, not an error.
func (r *Runner) Start(ctx context.Context, parent domain.Order, price, portfolioVaR float64) (domain.Order, error) {
	if err := validateParams(parent); err != nil {
		return domain.Order{}, err
	}
	if parent.Strategy == domain.StrategyPOV && r.volume == nil {
		return domain.Order{}, fmt.Errorf("%w: pov strategy requires a volume source", domain.ErrValidation)
	}

	parent, err := r.engine.SubmitParent(ctx, parent, price, portfolioVaR)
	if err != nil {
		return domain.Order{}, err
	}
	if parent.Status.Terminal() {
		return parent, nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.active[parent.ID] = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(sess.done)
		defer r.finish(parent.ID)
		if err := r.run(runCtx, parent); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("parent_id", parent.ID).
				Str("strategy", string(parent.Strategy)).Msg("Strategy run failed")
		}
	}()
	return parent, nil
}

// Cancel stops the parent's scheduler, waits for it to finish so no child is
// in flight, then cancels the live children and the parent itself.
func (r *Runner) Cancel(ctx context.Context, parentID string) error {
	r.mu.Lock()
	sess, ok := r.active[parentID]
	r.mu.Unlock()
	if ok {
		sess.cancel()
		select {
		case <-sess.done:
		case <-ctx.Done():
			return domain.ErrDeadlineExceeded
		}
	}

	children, err := r.engine.Store().ListChildren(parentID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status.Terminal() {
			continue
		}
		if err := r.engine.Cancel(ctx, c.ID); err != nil && !errors.Is(err, domain.ErrTerminal) {
			r.log.Warn().Err(err).Str("child_id", c.ID).Msg("Failed to cancel child order")
		}
	}

	err = r.engine.Cancel(ctx, parentID)
	if errors.Is(err, domain.ErrTerminal) {
		return nil
	}
	return err
}

// Wait blocks until every active scheduler has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) finish(parentID string) {
	r.mu.Lock()
	if sess, ok := r.active[parentID]; ok {
		sess.cancel()
		delete(r.active, parentID)
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, parent domain.Order) error {
	switch parent.Strategy {
	case domain.StrategyMarket, domain.StrategyLimit:
		return r.runSingle(ctx, parent)
	case domain.StrategyTWAP, domain.StrategyVWAP:
		return r.runSliced(ctx, parent, sliceWeights(parent))
	case domain.StrategyIceberg:
		return r.runIceberg(ctx, parent)
	case domain.StrategyPOV:
		return r.runPOV(ctx, parent)
	}
	return fmt.Errorf("%w: unknown strategy %q", domain.ErrValidation, parent.Strategy)
}

// runSingle submits one child equal to the parent and waits it out.
func (r *Runner) runSingle(ctx context.Context, parent domain.Order) error {
	child, err := r.submitChild(ctx, parent, parent.Qty, parent.LimitPrice)
	if err != nil {
		return err
	}
	return r.awaitTerminal(ctx, child.ID)
}

// sliceWeights returns the per-slice fractions for TWAP and VWAP parents.
// TWAP and profileless VWAP are flat; a VWAP profile is normalized to sum 1.
func sliceWeights(parent domain.Order) []float64 {
	p := parent.StrategyParams
	if parent.Strategy == domain.StrategyVWAP && len(p.VolumeProfile) > 0 {
		var sum float64
		for _, w := range p.VolumeProfile {
			sum += w
		}
		weights := make([]float64, len(p.VolumeProfile))
		for i, w := range p.VolumeProfile {
			weights[i] = w / sum
		}
		return weights
	}

	n := int(math.Ceil(float64(p.Duration) / float64(p.Interval)))
	if n < 1 {
		n = 1
	}
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	return weights
}

// runSliced schedules one market child per weight at evenly spaced instants
// starting now.
func (r *Runner) runSliced(ctx context.Context, parent domain.Order, weights []float64) error {
	interval := parent.StrategyParams.Interval
	if interval <= 0 {
		interval = parent.StrategyParams.Duration / time.Duration(len(weights))
	}

	var scheduled float64
	for i, w := range weights {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		if done, err := r.parentDone(parent.ID); done || err != nil {
			return err
		}

		qty := parent.Qty * w
		if i == len(weights)-1 {
			qty = parent.Qty - scheduled // absorb rounding in the last slice
		}
		if qty <= 0 {
			continue
		}
		scheduled += qty
		if _, err := r.submitChild(ctx, parent, qty, nil); err != nil {
			return err
		}
	}
	return r.awaitParent(ctx, parent.ID)
}

// runIceberg keeps at most display_size live at the parent's limit price,
// submitting the next tranche as the live child completes.
func (r *Runner) runIceberg(ctx context.Context, parent domain.Order) error {
	display := parent.StrategyParams.DisplaySize

	var placed float64
	for placed < parent.Qty {
		if done, err := r.parentDone(parent.ID); done || err != nil {
			return err
		}

		qty := math.Min(display, parent.Qty-placed)
		child, err := r.submitChild(ctx, parent, qty, parent.LimitPrice)
		if err != nil {
			return err
		}
		placed += qty
		if err := r.awaitTerminal(ctx, child.ID); err != nil {
			return err
		}
	}
	return r.awaitParent(ctx, parent.ID)
}

// runPOV sizes each interval's child from the market volume traded since the
// previous interval, clamped by what this strategy already placed in it.
func (r *Runner) runPOV(ctx context.Context, parent domain.Order) error {
	p := parent.StrategyParams
	deadline := time.Now().Add(p.Duration)

	baseline, err := r.volume(ctx, parent.Symbol)
	if err != nil {
		return err
	}

	var placed float64
	for time.Now().Before(deadline) && placed < parent.Qty {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
		if done, err := r.parentDone(parent.ID); done || err != nil {
			return err
		}

		current, err := r.volume(ctx, parent.Symbol)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", parent.Symbol).Msg("POV volume poll failed")
			continue
		}
		delta := current - baseline
		baseline = current

		qty := p.POVTarget * delta
		if qty <= 0 {
			continue
		}
		qty = math.Min(qty, parent.Qty-placed)
		placed += qty
		if _, err := r.submitChild(ctx, parent, qty, nil); err != nil {
			return err
		}
	}
	return r.awaitParent(ctx, parent.ID)
}

func (r *Runner) submitChild(ctx context.Context, parent domain.Order, qty float64, limit *float64) (domain.Order, error) {
	child := domain.Order{
		ID:          uuid.NewString(),
		ParentID:    parent.ID,
		PortfolioID: parent.PortfolioID,
		Symbol:      parent.Symbol,
		Side:        parent.Side,
		Type:        domain.TypeMarket,
		Qty:         qty,
		TIF:         parent.TIF,
		Strategy:    domain.StrategyMarket,
		BrokerID:    parent.BrokerID,
	}
	if limit != nil {
		child.Type = domain.TypeLimit
		child.LimitPrice = limit
		child.Strategy = domain.StrategyLimit
	}
	return r.engine.SubmitChild(ctx, child)
}

// parentDone reports whether the parent reached a terminal state, which stops
// scheduling new children.
func (r *Runner) parentDone(parentID string) (bool, error) {
	parent, _, err := r.engine.Get(parentID)
	if err != nil {
		return true, err
	}
	return parent.Status.Terminal(), nil
}

func (r *Runner) awaitTerminal(ctx context.Context, orderID string) error {
	for {
		o, _, err := r.engine.Get(orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}

func (r *Runner) awaitParent(ctx context.Context, parentID string) error {
	for {
		done, err := r.parentDone(parentID)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}

func validateParams(o domain.Order) error {
	p := o.StrategyParams
	switch o.Strategy {
	case domain.StrategyTWAP:
		if p.Duration <= 0 || p.Interval <= 0 {
			return fmt.Errorf("%w: twap requires positive duration and interval", domain.ErrValidation)
		}
	case domain.StrategyVWAP:
		if p.Duration <= 0 {
			return fmt.Errorf("%w: vwap requires a positive duration", domain.ErrValidation)
		}
		if len(p.VolumeProfile) == 0 && p.Interval <= 0 {
			return fmt.Errorf("%w: vwap without a profile requires an interval", domain.ErrValidation)
		}
		var sum float64
		for _, w := range p.VolumeProfile {
			if w < 0 {
				return fmt.Errorf("%w: volume profile weights must be non-negative", domain.ErrValidation)
			}
			sum += w
		}
		if len(p.VolumeProfile) > 0 && sum <= 0 {
			return fmt.Errorf("%w: volume profile must have a positive total weight", domain.ErrValidation)
		}
	case domain.StrategyIceberg:
		if p.DisplaySize <= 0 {
			return fmt.Errorf("%w: iceberg requires a positive display_size", domain.ErrValidation)
		}
		if o.LimitPrice == nil {
			return fmt.Errorf("%w: iceberg requires a limit price", domain.ErrValidation)
		}
	case domain.StrategyPOV:
		if p.POVTarget <= 0 || p.POVTarget > 1 {
			return fmt.Errorf("%w: pov_target must be in (0, 1]", domain.ErrValidation)
		}
		if p.Duration <= 0 || p.Interval <= 0 {
			return fmt.Errorf("%w: pov requires positive duration and interval", domain.ErrValidation)
		}
	}
	return nil
}
