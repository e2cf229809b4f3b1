package risk

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

func TestVaRCVaRBounds(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.005, -0.05, 0.02, -0.01, 0.03, -0.04, 0.01, 0.0,
		-0.03, 0.02, 0.015, -0.025, 0.005, -0.015, 0.01, -0.005, 0.02, -0.06}

	v := VaR(returns, 0.95)
	c := CVaR(returns, 0.95)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.GreaterOrEqual(t, c, v, "CVaR must dominate VaR")

	// All-positive returns produce zero loss at the tail.
	assert.Zero(t, VaR([]float64{0.01, 0.02, 0.03}, 0.95))
}

func TestVaRKnownQuantile(t *testing.T) {
	// 100 returns from -0.50 to +0.49; the floor(0.05*100) index lands on -0.45.
	returns := make([]float64, 100)
	for i := range returns {
		returns[i] = float64(i-50) / 100
	}
	assert.InDelta(t, 0.45, VaR(returns, 0.95), 1e-12)
}

func TestSharpeSortino(t *testing.T) {
	up := []float64{0.01, 0.02, 0.01, 0.03, 0.02}
	assert.Positive(t, Sharpe(up, 0, 0))
	// No downside moves: Sortino degenerates to zero by convention.
	assert.Zero(t, Sortino(up, 0, 0))

	mixed := []float64{0.02, -0.01, 0.03, -0.02, 0.01}
	assert.Positive(t, Sortino(mixed, 0, 0))
	assert.Greater(t, Sharpe(mixed, 0, 252), Sharpe(mixed, 0, 0), "annualization scales up")
}

func TestMaxDrawdown(t *testing.T) {
	// Curve: +10%, -50%, +20%. Peak 1.1, trough 0.55 -> DD = 0.5.
	dd := MaxDrawdown([]float64{0.10, -0.50, 0.20})
	assert.InDelta(t, 0.5, dd, 1e-12)

	assert.Zero(t, MaxDrawdown([]float64{0.01, 0.02}))
	only := MaxDrawdown([]float64{-0.99, -0.99})
	assert.True(t, only >= 0 && only <= 1)
}

func TestComputeMetrics(t *testing.T) {
	_, err := ComputeMetrics([]float64{0.01}, 0, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	m, err := ComputeMetrics([]float64{0.01, -0.02, 0.03, -0.01}, 0, 252)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.CVaR95, m.VaR95)
	assert.True(t, m.MaxDrawdown >= 0 && m.MaxDrawdown <= 1)
}

func TestSizeOrder(t *testing.T) {
	sig := domain.Signal{Direction: domain.DirectionBuy, Strength: 1.0}

	// edge 0.5, vol 0.2 -> raw 2.5, clamped to 0.5; tol 0.1 -> f = 0.05.
	qty, err := SizeOrder(sig, 100000, 50, 0.2, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, qty)

	// edge 0.3, vol 0.02 -> raw 15, clamped to 0.5; tol 0.5 -> f = 0.25,
	// 100k * 0.25 / 150 = 166 shares.
	mid := domain.Signal{Direction: domain.DirectionBuy, Strength: 0.6}
	qty, err = SizeOrder(mid, 100000, 150, 0.02, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 166.0, qty)

	// Tiny edge clamps to the floor fraction before tolerance applies.
	weak := domain.Signal{Direction: domain.DirectionBuy, Strength: 0.001}
	qty, err = SizeOrder(weak, 100000, 50, 10, 0.1)
	require.NoError(t, err)
	assert.Equal(t, math.Floor(100000*0.01*0.1/50), qty)

	// Huge edge clamps to the cap.
	strong := domain.Signal{Direction: domain.DirectionBuy, Strength: 1.0}
	qty, err = SizeOrder(strong, 100000, 50, 0.001, 1)
	require.NoError(t, err)
	assert.Equal(t, math.Floor(100000*0.5/50), qty)

	// Hold sizes to zero.
	hold := domain.Signal{Direction: domain.DirectionHold}
	qty, err = SizeOrder(hold, 100000, 50, 0.2, 0.1)
	require.NoError(t, err)
	assert.Zero(t, qty)

	_, err = SizeOrder(sig, 100000, 0, 0.2, 0.1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func newTestEngine(t *testing.T) (*Engine, *LimitRepository, *audit.Log) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:risk_"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	auditor, err := audit.New(db, zerolog.Nop())
	require.NoError(t, err)
	limits, err := NewLimitRepository(db, auditor, zerolog.Nop())
	require.NoError(t, err)

	classify := func(symbol string) string {
		if symbol == "BTC" {
			return "crypto"
		}
		return "equity"
	}
	return NewEngine(limits, auditor, classify, zerolog.Nop()), limits, auditor
}

func testPortfolio(cash float64) domain.Portfolio {
	return domain.Portfolio{
		ID: "pf-1", OwnerID: "alice", Cash: cash, Status: domain.PortfolioActive,
		MaxPositionWeight: 0.25, MaxLeverage: 2, VaRLimit: 0.05,
		Positions: map[string]*domain.Position{},
	}
}

func buyOrder(symbol string, qty float64) domain.Order {
	return domain.Order{
		ID: "o-1", PortfolioID: "pf-1", Symbol: symbol, Side: domain.SideBuy,
		Type: domain.TypeMarket, Qty: qty, TIF: domain.TIFDay, Strategy: domain.StrategyMarket,
	}
}

func TestGatePassesSmallOrder(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	p := testPortfolio(100000)
	err := engine.Check(p, Proposal{Order: buyOrder("AAPL", 100), Price: 150, PortfolioVaR: 0.02})
	assert.NoError(t, err)
}

func TestGateRejectsPositionWeight(t *testing.T) {
	engine, _, auditor := newTestEngine(t)
	p := testPortfolio(100000)

	// 300 * 150 = 45k on a 100k book: 45% > 25% cap.
	err := engine.Check(p, Proposal{Order: buyOrder("AAPL", 300), Price: 150, PortfolioVaR: 0.01})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLimitBreach)

	var rejection *domain.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.ReasonPositionWeight, rejection.Reason)

	records, aerr := auditor.Stream(audit.PortfolioStream("pf-1"))
	require.NoError(t, aerr)
	require.Len(t, records, 1)
	assert.Equal(t, audit.ActionRejectedByRisk, records[0].Action)
}

func TestGateRejectsVaR(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	p := testPortfolio(100000)

	err := engine.Check(p, Proposal{Order: buyOrder("AAPL", 10), Price: 150, PortfolioVaR: 0.08})
	var rejection *domain.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.ReasonVaRLimit, rejection.Reason)
}

func TestGateRejectsInsufficientCash(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	p := testPortfolio(1000)

	err := engine.Check(p, Proposal{Order: buyOrder("AAPL", 100), Price: 150, PortfolioVaR: 0.01})
	var rejection *domain.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.ReasonInsufficient, rejection.Reason)
}

func TestGateRejectsConcentration(t *testing.T) {
	engine, limits, _ := newTestEngine(t)
	_, err := limits.Set(domain.RiskLimit{Kind: domain.LimitConcentration, Sector: "crypto", Value: 0.10})
	require.NoError(t, err)

	p := testPortfolio(100000)
	p.MaxPositionWeight = 0 // isolate the concentration check

	err = engine.Check(p, Proposal{Order: buyOrder("BTC", 1), Price: 20000, PortfolioVaR: 0.01})
	var rejection *domain.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.ReasonConcentration, rejection.Reason)
}

func TestGateRejectsDailyVolume(t *testing.T) {
	engine, limits, _ := newTestEngine(t)
	_, err := limits.Set(domain.RiskLimit{Kind: domain.LimitDailyVolume, PortfolioID: "pf-1", Value: 10000})
	require.NoError(t, err)
	require.NoError(t, engine.RecordExecution("pf-1", 9000))

	p := testPortfolio(100000)
	err = engine.Check(p, Proposal{Order: buyOrder("AAPL", 20), Price: 150, PortfolioVaR: 0.01})
	var rejection *domain.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.ReasonDailyVolume, rejection.Reason)
}

// A rejection must still hold after adding a same-side position in the same
// symbol: the gate is monotone in existing exposure.
func TestGateMonotonicity(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	base := testPortfolio(100000)
	// 200 * 150 = 30k on a 100k book breaches the 25% weight cap.
	order := buyOrder("AAPL", 200)
	prop := Proposal{Order: order, Price: 150, PortfolioVaR: 0.01}

	err := engine.Check(base, prop)
	require.ErrorIs(t, err, domain.ErrLimitBreach)

	bigger := testPortfolio(100000)
	bigger.Positions["AAPL"] = &domain.Position{Symbol: "AAPL", Quantity: 100, AvgCost: 150, LastMark: 150}
	err = engine.Check(bigger, prop)
	assert.ErrorIs(t, err, domain.ErrLimitBreach,
		"an order rejected on the smaller book must stay rejected with more same-side exposure")
}

func TestLimitRepositoryScopes(t *testing.T) {
	_, limits, _ := newTestEngine(t)

	_, err := limits.Set(domain.RiskLimit{Kind: domain.LimitLeverage, Value: 3})
	require.NoError(t, err)
	_, err = limits.Set(domain.RiskLimit{Kind: domain.LimitLeverage, PortfolioID: "pf-1", Value: 1.5})
	require.NoError(t, err)
	_, err = limits.Set(domain.RiskLimit{Kind: domain.LimitVaR, Value: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	all, err := limits.List("pf-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Tightest applicable leverage limit wins.
	assert.Equal(t, 1.5, effective(all, domain.LimitLeverage, "AAPL", "equity"))
}

func TestSetLimitLeavesAuditRecord(t *testing.T) {
	_, limits, auditor := newTestEngine(t)

	_, err := limits.Set(domain.RiskLimit{Kind: domain.LimitVaR, PortfolioID: "pf-1", Value: 0.05})
	require.NoError(t, err)
	_, err = limits.Set(domain.RiskLimit{Kind: domain.LimitVaR, PortfolioID: "pf-1", Value: 0.03})
	require.NoError(t, err)

	records, err := auditor.Stream(audit.PortfolioStream("pf-1"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, audit.ActionLimitChanged, records[0].Action)
	assert.Empty(t, records[0].PrevValues, "first set has no prior limit")
	assert.Contains(t, string(records[1].PrevValues), `"value":0.05`)
	assert.Contains(t, string(records[1].NewValues), `"value":0.03`)

	// Global limits land on the global stream.
	_, err = limits.Set(domain.RiskLimit{Kind: domain.LimitLeverage, Value: 3})
	require.NoError(t, err)
	global, err := auditor.Stream(audit.GlobalStream)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, audit.ActionLimitChanged, global[0].Action)
}

func TestDailyVolumeRollsOverByDay(t *testing.T) {
	_, limits, _ := newTestEngine(t)
	today := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tomorrow := today.Add(24 * time.Hour)

	require.NoError(t, limits.RecordTrade("pf-1", 5000, today))
	require.NoError(t, limits.RecordTrade("pf-1", 2000, today))

	v, err := limits.DailyVolume("pf-1", today)
	require.NoError(t, err)
	assert.Equal(t, 7000.0, v)

	v, err = limits.DailyVolume("pf-1", tomorrow)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestStressScenario(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	p := testPortfolio(50000)
	p.Positions["AAPL"] = &domain.Position{Symbol: "AAPL", Quantity: 100, LastMark: 150}
	p.Positions["BTC"] = &domain.Position{Symbol: "BTC", Quantity: 1, LastMark: 20000}

	result := engine.Stress(p, domain.StressScenario{
		Name:   "market_crash",
		Shocks: map[string]float64{"equity": -0.40, "crypto": -0.70},
	})

	assert.InDelta(t, -0.40*15000, result.PositionDeltas["AAPL"], 1e-9)
	assert.InDelta(t, -0.70*20000, result.PositionDeltas["BTC"], 1e-9)
	assert.InDelta(t, result.ValueBefore+result.PortfolioDelta, result.ValueAfter, 1e-9)
	// Input portfolio untouched.
	assert.Equal(t, 150.0, p.Positions["AAPL"].LastMark)
}
