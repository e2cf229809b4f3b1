// Package dispatch runs predictors on demand or on a schedule and turns their
// raw outputs into typed trading signals.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/predictor"
	"github.com/openquant/tradecore/internal/registry"
)

// DefaultTheta is the minimum predicted change that moves a signal off hold.
const DefaultTheta = 0.01

// DefaultWorkers bounds how many predictor invocations run in parallel.
// Invocations for the same predictor are additionally serialized.
const DefaultWorkers = 8

// BarSource is the slice of the market-data hub the dispatcher needs.
type BarSource interface {
	Get(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) (marketdata.GetResult, error)
}

// Request asks for one prediction.
type Request struct {
	PredictorID string           `json:"predictor_id"`
	Symbol      string           `json:"symbol"`
	Timeframe   domain.Timeframe `json:"timeframe"`
	HorizonBars int              `json:"horizon_bars"`
	Ensemble    bool             `json:"ensemble"`
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Bars     BarSource
	Registry *registry.Registry
	Loader   *predictor.Loader
	Signals  *SignalStore
	Audit    *audit.Log
	Workers  int
	Theta    float64
	Log      zerolog.Logger
}

// Dispatcher coordinates feature assembly, inference, and signal synthesis.
type Dispatcher struct {
	bars    BarSource
	reg     *registry.Registry
	loader  *predictor.Loader
	signals *SignalStore
	auditor *audit.Log
	pool    *ants.Pool
	// features memoizes assembled windows keyed by symbol, timeframe,
	// feature-set hash and the tail bar timestamp.
	features *gocache.Cache
	theta    float64
	log      zerolog.Logger

	predMu sync.Map // predictor_id -> *sync.Mutex
}

// New creates a dispatcher with a shared predictor worker pool.
func New(cfg Config) (*Dispatcher, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create predictor pool: %w", err)
	}
	theta := cfg.Theta
	if theta <= 0 {
		theta = DefaultTheta
	}
	return &Dispatcher{
		bars:     cfg.Bars,
		reg:      cfg.Registry,
		loader:   cfg.Loader,
		signals:  cfg.Signals,
		auditor:  cfg.Audit,
		pool:     pool,
		features: gocache.New(time.Minute, 5*time.Minute),
		theta:    theta,
		log:      cfg.Log.With().Str("module", "dispatch").Logger(),
	}, nil
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Predict runs one prediction and emits the synthesized signal. The signal is
// persisted and audited before it is returned.
func (d *Dispatcher) Predict(ctx context.Context, req Request) (domain.Signal, error) {
	if req.Symbol == "" {
		return domain.Signal{}, fmt.Errorf("%w: empty symbol", domain.ErrValidation)
	}
	if !req.Timeframe.Valid() {
		return domain.Signal{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedTimeframe, req.Timeframe)
	}
	if req.HorizonBars <= 0 {
		req.HorizonBars = 1
	}

	artifact, err := d.reg.Get(req.PredictorID)
	if err != nil {
		return domain.Signal{}, err
	}
	if len(artifact.InputShape) != 2 {
		return domain.Signal{}, fmt.Errorf("%w: predictor %s has no usable input shape",
			domain.ErrPredictor, req.PredictorID)
	}
	timesteps := artifact.InputShape[0]

	now := time.Now().UTC()
	span := time.Duration(timesteps+warmupMargin) * req.Timeframe.Duration()
	res, err := d.bars.Get(ctx, req.Symbol, req.Timeframe, domain.BarRange{From: now.Add(-span), To: now})
	if err != nil {
		return domain.Signal{}, err
	}
	bars := res.Bars
	if len(bars) == 0 {
		return domain.Signal{}, fmt.Errorf("%w: no bars for %s %s", domain.ErrNotFound, req.Symbol, req.Timeframe)
	}

	window, err := d.featureWindow(artifact, req, bars)
	if err != nil {
		return domain.Signal{}, err
	}

	pred, err := d.invoke(ctx, req.PredictorID, window)
	if err != nil {
		return domain.Signal{}, err
	}

	lastClose := bars[len(bars)-1].Close
	sig := d.synthesize(artifact, req, pred, lastClose, bars, now)

	if d.signals != nil {
		if err := d.signals.Save(sig); err != nil {
			return domain.Signal{}, err
		}
	}
	if d.auditor != nil {
		if _, err := d.auditor.Append(audit.GlobalStream, audit.Record{
			Actor:        "dispatcher",
			Action:       audit.ActionSignalEmitted,
			ResourceType: "signal",
			ResourceID:   sig.ID,
			NewValues:    audit.MarshalValues(sig),
		}); err != nil {
			return domain.Signal{}, err
		}
	}

	d.log.Info().
		Str("predictor_id", req.PredictorID).
		Str("symbol", req.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("strength", sig.Strength).
		Msg("Signal emitted")
	return sig, nil
}

// featureWindow assembles (or reuses) the model input window.
func (d *Dispatcher) featureWindow(artifact domain.PredictorArtifact, req Request, bars []domain.Bar) ([][]float64, error) {
	tail := bars[len(bars)-1].TS.UnixNano()
	key := fmt.Sprintf("%s|%s|%s|%d|%d", req.Symbol, req.Timeframe, artifact.ID, artifact.InputShape[0], tail)
	if cached, ok := d.features.Get(key); ok {
		return cached.([][]float64), nil
	}

	window, err := buildFeatureWindow(artifact.FeatureList, artifact.InputShape[0], bars)
	if err != nil {
		return nil, err
	}
	d.features.Set(key, window, req.Timeframe.Duration())
	return window, nil
}

// invoke runs inference on the shared pool, serialized per predictor.
func (d *Dispatcher) invoke(ctx context.Context, predictorID string, window [][]float64) (predictor.Prediction, error) {
	muIface, _ := d.predMu.LoadOrStore(predictorID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)

	var (
		pred predictor.Prediction
		err  error
		done = make(chan struct{})
	)
	submitErr := d.pool.Submit(func() {
		defer close(done)
		mu.Lock()
		defer mu.Unlock()

		var p predictor.Predictor
		p, err = d.loader.Load(predictorID)
		if err != nil {
			return
		}
		pred, err = p.Predict(ctx, window)
	})
	if submitErr != nil {
		return predictor.Prediction{}, fmt.Errorf("%w: predictor pool: %v", domain.ErrPredictor, submitErr)
	}

	select {
	case <-done:
		return pred, err
	case <-ctx.Done():
		// The worker finishes on its own; the caller stops waiting.
		return predictor.Prediction{}, domain.ErrDeadlineExceeded
	}
}

// synthesize maps a raw prediction to a Signal, optionally blended with the
// SMA-crossover baseline.
func (d *Dispatcher) synthesize(artifact domain.PredictorArtifact, req Request, pred predictor.Prediction, lastClose float64, bars []domain.Bar, now time.Time) domain.Signal {
	direction := directionFor(pred.Return, d.theta)
	strength := strengthFor(pred.Return)

	if req.Ensemble {
		techDir, techStrength := smaCrossover(bars)
		if techDir != direction {
			direction = domain.DirectionHold
			strength = 0
		} else {
			strength = (strength + techStrength) / 2
		}
	}

	sig := domain.Signal{
		ID:          uuid.NewString(),
		PredictorID: artifact.ID,
		Symbol:      req.Symbol,
		TS:          now,
		Direction:   direction,
		Strength:    strength,
		Confidence:  artifact.Confidence(),
		HorizonBars: req.HorizonBars,
		ExpiresAt:   now.Add(time.Duration(req.HorizonBars) * req.Timeframe.Duration()),
	}
	if direction != domain.DirectionHold {
		target := lastClose * (1 + pred.Return)
		sig.TargetPrice = &target
		// Stop mirrors the predicted move on the other side of entry, so
		// the signal carries a 1:1 risk-reward bracket.
		stop := lastClose * (1 - pred.Return)
		sig.StopLoss = &stop
	}
	return sig
}

func directionFor(ret, theta float64) domain.SignalDirection {
	switch {
	case ret > theta:
		return domain.DirectionBuy
	case ret < -theta:
		return domain.DirectionSell
	default:
		return domain.DirectionHold
	}
}

// strengthFor is the piecewise monotone mapping from predicted change
// magnitude to [0,1].
func strengthFor(ret float64) float64 {
	mag := ret
	if mag < 0 {
		mag = -mag
	}
	switch {
	case mag > 0.05:
		return 1.0
	case mag > 0.03:
		return 0.8
	case mag > 0.01:
		return 0.6
	case mag > 0:
		return 0.4
	default:
		return 0
	}
}

// smaCrossover is the technical baseline for ensemble mode: SMA(20) vs
// SMA(50) on closes, strength from the relative gap.
func smaCrossover(bars []domain.Bar) (domain.SignalDirection, float64) {
	const short, long = 20, 50
	if len(bars) < long {
		return domain.DirectionHold, 0
	}
	mean := func(n int) float64 {
		var sum float64
		for _, b := range bars[len(bars)-n:] {
			sum += b.Close
		}
		return sum / float64(n)
	}
	s, l := mean(short), mean(long)
	if l == 0 {
		return domain.DirectionHold, 0
	}
	gap := (s - l) / l
	dir := domain.DirectionHold
	if gap > 0 {
		dir = domain.DirectionBuy
	} else if gap < 0 {
		dir = domain.DirectionSell
	}
	return dir, strengthFor(gap)
}
