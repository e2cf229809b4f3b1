package dispatch

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/predictor"
	"github.com/openquant/tradecore/internal/registry"
)

// fakeBars serves synthetic hourly bars with linearly rising closes.
type fakeBars struct {
	n     int
	start float64
	step  float64
}

func (f *fakeBars) Get(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) (marketdata.GetResult, error) {
	bars := make([]domain.Bar, f.n)
	base := r.To.Add(-time.Duration(f.n) * tf.Duration())
	for i := range bars {
		c := f.start + float64(i)*f.step
		bars[i] = domain.Bar{
			Symbol: symbol, Timeframe: tf, TS: base.Add(time.Duration(i) * tf.Duration()),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
			Source: "fake",
		}
	}
	return marketdata.GetResult{Bars: bars}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	reg        *registry.Registry
	signals    *SignalStore
	auditor    *audit.Log
}

// newFixture wires a dispatcher around a constant-output model: a single
// linear layer with zero weights whose bias is the predicted return.
func newFixture(t *testing.T, predictedReturn float64, bars BarSource) (*fixture, string) {
	t.Helper()

	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.json"), nil, zerolog.Nop())
	require.NoError(t, err)
	blobs, err := registry.NewBlobStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	blob, err := msgpack.Marshal(predictor.ModelBlob{
		Format: predictor.BlobFormatDense,
		Layers: []predictor.LayerBlob{{
			Rows: 1, Cols: 1,
			Weights:    []float64{0},
			Bias:       []float64{predictedReturn},
			Activation: predictor.ActLinear,
		}},
	})
	require.NoError(t, err)
	ref, err := blobs.Put(blob)
	require.NoError(t, err)

	a, err := reg.Create(domain.KindLSTM, []string{"close"}, []int{1, 1})
	require.NoError(t, err)
	_, err = reg.MarkTraining(a.ID)
	require.NoError(t, err)
	_, err = reg.MarkTrained(a.ID, ref,
		domain.ScalerParams{Min: []float64{0}, Max: []float64{1000}},
		domain.PredictorMetrics{ValRMSE: 0.1})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", "file:dispatch_"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	signals, err := NewSignalStore(db, zerolog.Nop())
	require.NoError(t, err)
	auditor, err := audit.New(db, zerolog.Nop())
	require.NoError(t, err)

	d, err := New(Config{
		Bars:     bars,
		Registry: reg,
		Loader:   predictor.NewLoader(reg, blobs, 4, zerolog.Nop()),
		Signals:  signals,
		Audit:    auditor,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &fixture{dispatcher: d, reg: reg, signals: signals, auditor: auditor}, a.ID
}

func TestPredictEmitsBuySignal(t *testing.T) {
	fx, id := newFixture(t, 0.04, &fakeBars{n: 260, start: 100, step: 0.1})

	sig, err := fx.dispatcher.Predict(context.Background(), Request{
		PredictorID: id, Symbol: "AAPL", Timeframe: domain.Timeframe1h, HorizonBars: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionBuy, sig.Direction)
	assert.Equal(t, 0.8, sig.Strength)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9)
	assert.Equal(t, 4, sig.HorizonBars)
	require.NotNil(t, sig.TargetPrice)
	assert.Greater(t, *sig.TargetPrice, 0.0)
	require.NotNil(t, sig.StopLoss)
	assert.Less(t, *sig.StopLoss, *sig.TargetPrice, "buy stop sits below the target")
	assert.True(t, sig.ExpiresAt.After(sig.TS))

	// Persisted and audited.
	saved, err := fx.signals.ListBySymbol("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, sig.ID, saved[0].ID)

	records, err := fx.auditor.Stream(audit.GlobalStream)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.ActionSignalEmitted, records[0].Action)
}

func TestPredictHoldsBelowTheta(t *testing.T) {
	fx, id := newFixture(t, 0.005, &fakeBars{n: 260, start: 100, step: 0.1})

	sig, err := fx.dispatcher.Predict(context.Background(), Request{
		PredictorID: id, Symbol: "AAPL", Timeframe: domain.Timeframe1h,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionHold, sig.Direction)
	assert.Nil(t, sig.TargetPrice)
	assert.Nil(t, sig.StopLoss)
}

func TestEnsembleDisagreementHolds(t *testing.T) {
	// Model says sell hard; the rising tape's SMA crossover says buy.
	fx, id := newFixture(t, -0.06, &fakeBars{n: 260, start: 100, step: 1})

	sig, err := fx.dispatcher.Predict(context.Background(), Request{
		PredictorID: id, Symbol: "AAPL", Timeframe: domain.Timeframe1h, Ensemble: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionHold, sig.Direction)
	assert.Zero(t, sig.Strength)
}

func TestEnsembleAgreementAveragesStrength(t *testing.T) {
	fx, id := newFixture(t, 0.06, &fakeBars{n: 260, start: 100, step: 1})

	sig, err := fx.dispatcher.Predict(context.Background(), Request{
		PredictorID: id, Symbol: "AAPL", Timeframe: domain.Timeframe1h, Ensemble: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionBuy, sig.Direction)
	assert.Greater(t, sig.Strength, 0.5)
	assert.LessOrEqual(t, sig.Strength, 1.0)
}

func TestPredictUnknownPredictor(t *testing.T) {
	fx, _ := newFixture(t, 0.02, &fakeBars{n: 260, start: 100, step: 0.1})
	_, err := fx.dispatcher.Predict(context.Background(), Request{
		PredictorID: "missing", Symbol: "AAPL", Timeframe: domain.Timeframe1h,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPredictValidation(t *testing.T) {
	fx, id := newFixture(t, 0.02, &fakeBars{n: 260, start: 100, step: 0.1})

	_, err := fx.dispatcher.Predict(context.Background(), Request{PredictorID: id, Timeframe: domain.Timeframe1h})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = fx.dispatcher.Predict(context.Background(), Request{PredictorID: id, Symbol: "AAPL", Timeframe: "2h"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedTimeframe)
}

func TestStrengthMapping(t *testing.T) {
	cases := []struct {
		ret  float64
		want float64
	}{
		{0.06, 1.0}, {-0.06, 1.0},
		{0.04, 0.8}, {0.02, 0.6},
		{0.005, 0.4}, {0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, strengthFor(tc.ret), "ret=%v", tc.ret)
	}
}

func TestSpecForLabel(t *testing.T) {
	spec, err := specForLabel("sma_50")
	require.NoError(t, err)
	assert.Equal(t, 50, spec.Period)

	spec, err = specForLabel("macd_signal")
	require.NoError(t, err)
	assert.Equal(t, "macd", string(spec.Kind))

	spec, err = specForLabel("bb_upper_20")
	require.NoError(t, err)
	assert.Equal(t, 20, spec.Period)

	_, err = specForLabel("fancy_indicator")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuildFeatureWindow(t *testing.T) {
	bars := make([]domain.Bar, 80)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = domain.Bar{
			Symbol: "X", Timeframe: domain.Timeframe1h, TS: base.Add(time.Duration(i) * time.Hour),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 500,
		}
	}

	window, err := buildFeatureWindow([]string{"close", "sma_20"}, 10, bars)
	require.NoError(t, err)
	require.Len(t, window, 10)
	require.Len(t, window[0], 2)
	// Final row: close 179, SMA(20) over 160..179 = 169.5.
	assert.InDelta(t, 179, window[9][0], 1e-9)
	assert.InDelta(t, 169.5, window[9][1], 1e-9)

	_, err = buildFeatureWindow([]string{"close"}, 100, bars)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSignalStorePurge(t *testing.T) {
	db, err := sql.Open("sqlite", "file:signals_purge?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSignalStore(db, zerolog.Nop())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.Save(domain.Signal{
		ID: "s-old", PredictorID: "p", Symbol: "AAPL", TS: now.Add(-2 * time.Hour),
		Direction: domain.DirectionBuy, ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.Save(domain.Signal{
		ID: "s-live", PredictorID: "p", Symbol: "AAPL", TS: now,
		Direction: domain.DirectionSell, ExpiresAt: now.Add(time.Hour),
	}))

	removed, err := store.PurgeExpired(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	left, err := store.ListBySymbol("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "s-live", left[0].ID)
}

func TestSchedulerJobs(t *testing.T) {
	fx, id := newFixture(t, 0.02, &fakeBars{n: 260, start: 100, step: 0.1})
	sched := NewScheduler(fx.dispatcher, zerolog.Nop())

	_, err := sched.Add(Request{PredictorID: "missing", Symbol: "AAPL", Timeframe: domain.Timeframe1h})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	jobID, err := sched.Add(Request{PredictorID: id, Symbol: "AAPL", Timeframe: domain.Timeframe1h})
	require.NoError(t, err)
	require.Len(t, sched.Jobs(), 1)

	sched.Remove(jobID)
	assert.Empty(t, sched.Jobs())
}
