package execution

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/broker"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/orders"
	"github.com/openquant/tradecore/internal/portfolio"
	"github.com/openquant/tradecore/internal/risk"
)

type fixture struct {
	runner *Runner
	engine *orders.Engine
	paper  *broker.Paper
}

func newFixture(t *testing.T, volume VolumeFunc) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", "file:exec_"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	auditor, err := audit.New(db, zerolog.Nop())
	require.NoError(t, err)
	portfolios, err := portfolio.NewStore(db, auditor, zerolog.Nop())
	require.NoError(t, err)
	limits, err := risk.NewLimitRepository(db, auditor, zerolog.Nop())
	require.NoError(t, err)
	store, err := orders.NewStore(db, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, portfolios.Create(domain.Portfolio{
		ID: "pf-1", OwnerID: "alice", Cash: 10000000,
		VaRLimit: 0.10, MaxPositionWeight: 0.9, MaxLeverage: 3,
	}))

	paper := broker.NewPaper("paper", zerolog.Nop())
	engine := orders.NewEngine(orders.Config{
		Store:      store,
		Portfolios: portfolios,
		Risk:       risk.NewEngine(limits, auditor, nil, zerolog.Nop()),
		Audit:      auditor,
		Log:        zerolog.Nop(),
	})
	engine.RegisterBroker(paper)
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	runner := NewRunner(engine, volume, zerolog.Nop())
	runner.PollInterval = time.Millisecond
	return &fixture{runner: runner, engine: engine, paper: paper}
}

func parentOrder(strategy domain.ExecStrategy, qty float64) domain.Order {
	return domain.Order{
		ID:          "parent-1",
		PortfolioID: "pf-1",
		Symbol:      "MSFT",
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Qty:         qty,
		TIF:         domain.TIFGTC,
		Strategy:    strategy,
		BrokerID:    "paper",
	}
}

func (f *fixture) waitParentStatus(t *testing.T, id string, want domain.OrderStatus) domain.Order {
	t.Helper()
	var got domain.Order
	require.Eventually(t, func() bool {
		o, _, err := f.engine.Get(id)
		if err != nil {
			return false
		}
		got = o
		return o.Status == want
	}, 5*time.Second, 5*time.Millisecond, "parent never reached %s (last %s)", want, got.Status)
	return got
}

func TestMarketParentRunsSingleChild(t *testing.T) {
	f := newFixture(t, nil)

	parent, err := f.runner.Start(context.Background(), parentOrder(domain.StrategyMarket, 100), 150, 0.01)
	require.NoError(t, err)

	got := f.waitParentStatus(t, parent.ID, domain.StatusFilled)
	assert.Equal(t, 100.0, got.FilledQty)

	children, err := f.engine.Store().ListChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, 100.0, children[0].Qty)
	assert.Equal(t, domain.StatusFilled, children[0].Status)
}

func TestTWAPSplitsIntoEqualSlices(t *testing.T) {
	f := newFixture(t, nil)

	parent := parentOrder(domain.StrategyTWAP, 1000)
	parent.StrategyParams = domain.StrategyParams{
		Duration: 50 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	}
	started, err := f.runner.Start(context.Background(), parent, 150, 0.01)
	require.NoError(t, err)

	got := f.waitParentStatus(t, started.ID, domain.StatusFilled)
	assert.Equal(t, 1000.0, got.FilledQty)

	children, err := f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	require.Len(t, children, 5)
	var total float64
	for _, c := range children {
		assert.InDelta(t, 200, c.Qty, 1e-9)
		total += c.FilledQty
	}
	assert.InDelta(t, 1000, total, 1e-9)
}

func TestVWAPFollowsProfile(t *testing.T) {
	f := newFixture(t, nil)

	parent := parentOrder(domain.StrategyVWAP, 1000)
	parent.StrategyParams = domain.StrategyParams{
		Duration:      30 * time.Millisecond,
		VolumeProfile: []float64{5, 3, 2},
	}
	started, err := f.runner.Start(context.Background(), parent, 150, 0.01)
	require.NoError(t, err)

	f.waitParentStatus(t, started.ID, domain.StatusFilled)

	children, err := f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.InDelta(t, 500, children[0].Qty, 1e-9)
	assert.InDelta(t, 300, children[1].Qty, 1e-9)
	assert.InDelta(t, 200, children[2].Qty, 1e-9)
}

func TestIcebergTranches(t *testing.T) {
	f := newFixture(t, nil)

	limit := 150.0
	parent := parentOrder(domain.StrategyIceberg, 1000)
	parent.Type = domain.TypeLimit
	parent.LimitPrice = &limit
	parent.StrategyParams = domain.StrategyParams{DisplaySize: 300}

	started, err := f.runner.Start(context.Background(), parent, 150, 0.01)
	require.NoError(t, err)

	f.waitParentStatus(t, started.ID, domain.StatusFilled)

	children, err := f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	require.Len(t, children, 4) // 300 + 300 + 300 + 100
	assert.InDelta(t, 300, children[0].Qty, 1e-9)
	assert.InDelta(t, 100, children[3].Qty, 1e-9)
	for _, c := range children {
		assert.Equal(t, domain.TypeLimit, c.Type)
		require.NotNil(t, c.LimitPrice)
		assert.Equal(t, 150.0, *c.LimitPrice)
	}
}

func TestPOVTracksMarketVolume(t *testing.T) {
	var traded atomic.Int64
	volume := func(context.Context, string) (float64, error) {
		return float64(traded.Add(200)), nil
	}
	f := newFixture(t, volume)

	parent := parentOrder(domain.StrategyPOV, 100)
	parent.StrategyParams = domain.StrategyParams{
		Duration:  100 * time.Millisecond,
		Interval:  10 * time.Millisecond,
		POVTarget: 0.25,
	}
	started, err := f.runner.Start(context.Background(), parent, 150, 0.01)
	require.NoError(t, err)

	got := f.waitParentStatus(t, started.ID, domain.StatusFilled)
	assert.Equal(t, 100.0, got.FilledQty)

	children, err := f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	require.Len(t, children, 2) // 0.25 * 200 = 50 per interval
	for _, c := range children {
		assert.InDelta(t, 50, c.Qty, 1e-9)
	}
}

func TestCancelStopsSchedulingAndCancelsChildren(t *testing.T) {
	f := newFixture(t, nil)
	f.paper.Manual = true // children stay live until cancelled

	parent := parentOrder(domain.StrategyTWAP, 1000)
	parent.StrategyParams = domain.StrategyParams{
		Duration: 500 * time.Millisecond,
		Interval: 100 * time.Millisecond,
	}
	started, err := f.runner.Start(context.Background(), parent, 150, 0.01)
	require.NoError(t, err)

	// Let two slices go out, then cancel mid-flight.
	require.Eventually(t, func() bool {
		children, err := f.engine.Store().ListChildren(started.ID)
		return err == nil && len(children) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.runner.Cancel(context.Background(), started.ID))
	f.waitParentStatus(t, started.ID, domain.StatusCancelled)

	children, err := f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	countAfterCancel := len(children)
	assert.Less(t, countAfterCancel, 5, "cancel must stop new slices")

	// No further children appear after the scheduler stopped.
	time.Sleep(250 * time.Millisecond)
	children, err = f.engine.Store().ListChildren(started.ID)
	require.NoError(t, err)
	assert.Len(t, children, countAfterCancel)

	require.Eventually(t, func() bool {
		children, err := f.engine.Store().ListChildren(started.ID)
		if err != nil {
			return false
		}
		for _, c := range children {
			if !c.Status.Terminal() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "live children must be cancelled")
}

func TestValidateParams(t *testing.T) {
	f := newFixture(t, nil)

	twap := parentOrder(domain.StrategyTWAP, 100)
	_, err := f.runner.Start(context.Background(), twap, 150, 0.01)
	assert.ErrorIs(t, err, domain.ErrValidation, "twap without duration/interval")

	pov := parentOrder(domain.StrategyPOV, 100)
	pov.StrategyParams = domain.StrategyParams{Duration: time.Second, Interval: time.Second, POVTarget: 0.2}
	_, err = f.runner.Start(context.Background(), pov, 150, 0.01)
	assert.ErrorIs(t, err, domain.ErrValidation, "pov without a volume source")

	iceberg := parentOrder(domain.StrategyIceberg, 100)
	iceberg.StrategyParams = domain.StrategyParams{DisplaySize: 10}
	_, err = f.runner.Start(context.Background(), iceberg, 150, 0.01)
	assert.ErrorIs(t, err, domain.ErrValidation, "iceberg without a limit price")

	// An all-zero profile would normalize to NaN weights and NaN children.
	vwap := parentOrder(domain.StrategyVWAP, 100)
	vwap.StrategyParams = domain.StrategyParams{
		Duration:      time.Second,
		VolumeProfile: []float64{0, 0, 0},
	}
	_, err = f.runner.Start(context.Background(), vwap, 150, 0.01)
	assert.ErrorIs(t, err, domain.ErrValidation, "vwap profile with zero total weight")
}
