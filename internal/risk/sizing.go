package risk

import (
	"fmt"
	"math"

	"github.com/openquant/tradecore/internal/domain"
)

// Kelly fraction bounds. The lower bound keeps a nonzero allocation for any
// accepted signal; the upper bound caps single-position concentration.
const (
	minKellyFraction = 0.01
	maxKellyFraction = 0.5
)

// SizeOrder translates a signal into a share quantity using the Kelly
// variant: f* = clamp(edge/volatility, 0.01, 0.5) * risk_tolerance, where
// edge is the signal strength mapped to [0, 0.5] above a coin flip. The raw
// Kelly fraction is clamped first so risk_tolerance scales the bounded
// fraction rather than widening the bounds.
func SizeOrder(sig domain.Signal, portfolioValue, price, volatility, riskTolerance float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", domain.ErrValidation)
	}
	if portfolioValue <= 0 {
		return 0, fmt.Errorf("%w: portfolio value must be positive", domain.ErrValidation)
	}
	if volatility <= 0 {
		return 0, fmt.Errorf("%w: volatility must be positive", domain.ErrValidation)
	}
	if sig.Direction == domain.DirectionHold {
		return 0, nil
	}

	adjusted := 0.5 + 0.5*clamp01(sig.Strength)
	edge := adjusted - 0.5
	f := edge / volatility
	if f < minKellyFraction {
		f = minKellyFraction
	}
	if f > maxKellyFraction {
		f = maxKellyFraction
	}
	f *= riskTolerance

	return math.Floor(portfolioValue * f / price), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
