package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

// SymbolClassifier maps a symbol to its sector / asset-class tag. Unknown
// symbols classify as "equity".
type SymbolClassifier func(symbol string) string

// Proposal is a pre-trade check request: the order, its expected execution
// price, and the portfolio's current VaR as a fraction of value.
type Proposal struct {
	Order        domain.Order
	Price        float64
	PortfolioVaR float64
}

// Engine is the pre-trade gate and stress-testing surface.
type Engine struct {
	limits   *LimitRepository
	auditor  *audit.Log
	classify SymbolClassifier
	log      zerolog.Logger
	now      func() time.Time
}

// NewEngine creates the risk engine. classify may be nil.
func NewEngine(limits *LimitRepository, auditor *audit.Log, classify SymbolClassifier, log zerolog.Logger) *Engine {
	if classify == nil {
		classify = func(string) string { return "equity" }
	}
	return &Engine{
		limits:   limits,
		auditor:  auditor,
		classify: classify,
		log:      log.With().Str("module", "risk").Logger(),
		now:      time.Now,
	}
}

// Check gates a proposed order against the portfolio's own limits and the
// configured scoped limits. The first breach rejects the order with its
// reason code and writes an audit record; nil means the order may proceed.
func (e *Engine) Check(p domain.Portfolio, proposal Proposal) error {
	o := proposal.Order
	if strings.TrimSpace(o.Symbol) == "" {
		return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonInvalidSymbol, "empty symbol"))
	}
	if proposal.Price <= 0 {
		return fmt.Errorf("%w: proposal price must be positive", domain.ErrValidation)
	}

	scoped, err := e.limits.List(p.ID)
	if err != nil {
		return err
	}
	sector := e.classify(o.Symbol)
	notional := o.Qty * proposal.Price
	signedDelta := notional
	if o.Side == domain.SideSell {
		signedDelta = -notional
	}

	// Cash check applies to buys only; shorts post proceeds.
	if o.Side == domain.SideBuy && notional > p.Cash {
		return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonInsufficient,
			fmt.Sprintf("cost %.2f exceeds cash %.2f", notional, p.Cash)))
	}

	// Position weight, post-trade.
	maxWeight := tightest(p.MaxPositionWeight, effective(scoped, domain.LimitPositionSize, o.Symbol, sector))
	if maxWeight > 0 {
		if w := p.PositionWeight(o.Symbol, signedDelta); w > maxWeight {
			return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonPositionWeight,
				fmt.Sprintf("post-trade weight %.4f exceeds %.4f", w, maxWeight)))
		}
	}

	// Portfolio VaR.
	varLimit := tightest(p.VaRLimit, effective(scoped, domain.LimitVaR, o.Symbol, sector))
	if varLimit > 0 && proposal.PortfolioVaR > varLimit {
		return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonVaRLimit,
			fmt.Sprintf("portfolio VaR %.4f exceeds %.4f", proposal.PortfolioVaR, varLimit)))
	}

	// Leverage, post-trade. The cash leg offsets the position leg, so total
	// value is unchanged while gross exposure moves.
	maxLeverage := tightest(p.MaxLeverage, effective(scoped, domain.LimitLeverage, o.Symbol, sector))
	if maxLeverage > 0 {
		if lev := postTradeLeverage(p, o.Symbol, signedDelta); lev > maxLeverage {
			return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonLeverage,
				fmt.Sprintf("post-trade leverage %.4f exceeds %.4f", lev, maxLeverage)))
		}
	}

	// Sector concentration, post-trade.
	if limit := effective(scoped, domain.LimitConcentration, o.Symbol, sector); limit > 0 {
		if c := postTradeConcentration(p, o.Symbol, sector, signedDelta, e.classify); c > limit {
			return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonConcentration,
				fmt.Sprintf("sector %s post-trade concentration %.4f exceeds %.4f", sector, c, limit)))
		}
	}

	// Daily traded volume.
	if limit := effective(scoped, domain.LimitDailyVolume, o.Symbol, sector); limit > 0 {
		traded, err := e.limits.DailyVolume(p.ID, e.now())
		if err != nil {
			return err
		}
		if traded+notional > limit {
			return e.reject(p.ID, o, domain.NewLimitBreach(domain.ReasonDailyVolume,
				fmt.Sprintf("daily volume %.2f would exceed %.2f", traded+notional, limit)))
		}
	}

	return nil
}

// RecordExecution feeds executed notional into the daily-volume counter.
func (e *Engine) RecordExecution(portfolioID string, notional float64) error {
	return e.limits.RecordTrade(portfolioID, notional, e.now())
}

func (e *Engine) reject(portfolioID string, o domain.Order, rejection *domain.RejectionError) error {
	e.log.Warn().
		Str("portfolio_id", portfolioID).
		Str("symbol", o.Symbol).
		Str("reason", string(rejection.Reason)).
		Msg("Order rejected by risk gate")

	if e.auditor != nil {
		if _, err := e.auditor.Append(audit.PortfolioStream(portfolioID), audit.Record{
			Actor:        "risk",
			Action:       audit.ActionRejectedByRisk,
			ResourceType: "order",
			ResourceID:   o.ID,
			NewValues:    audit.MarshalValues(map[string]string{"reason": string(rejection.Reason), "detail": rejection.Detail}),
		}); err != nil {
			return err
		}
	}
	return rejection
}

// tightest picks the smaller of two limits, treating zero as unset.
func tightest(a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

func postTradeLeverage(p domain.Portfolio, symbol string, signedDelta float64) float64 {
	tv := p.TotalValue()
	if tv <= 0 {
		return 0
	}
	var current float64
	if pos, ok := p.Positions[symbol]; ok {
		current = pos.MarketValue()
	}
	gross := p.GrossExposure() - math.Abs(current) + math.Abs(current+signedDelta)
	return gross / tv
}

func postTradeConcentration(p domain.Portfolio, symbol, sector string, signedDelta float64, classify SymbolClassifier) float64 {
	tv := p.TotalValue()
	if tv <= 0 {
		return 0
	}
	var exposure float64
	for sym, pos := range p.Positions {
		if classify(sym) != sector {
			continue
		}
		v := pos.MarketValue()
		if sym == symbol {
			v += signedDelta
			signedDelta = 0
		}
		exposure += math.Abs(v)
	}
	exposure += math.Abs(signedDelta) // symbol had no existing position
	return exposure / tv
}

// Stress applies a named scenario to the portfolio and reports the deltas.
// No state is mutated.
func (e *Engine) Stress(p domain.Portfolio, scenario domain.StressScenario) domain.StressResult {
	result := domain.StressResult{
		Scenario:       scenario.Name,
		PositionDeltas: make(map[string]float64, len(p.Positions)),
		ValueBefore:    p.TotalValue(),
	}
	for sym, pos := range p.Positions {
		shock, ok := scenario.Shocks[e.classify(sym)]
		if !ok {
			continue
		}
		delta := pos.MarketValue() * shock
		result.PositionDeltas[sym] = delta
		result.PortfolioDelta += delta
	}
	result.ValueAfter = result.ValueBefore + result.PortfolioDelta
	return result
}
