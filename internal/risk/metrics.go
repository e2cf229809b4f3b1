// Package risk computes portfolio risk metrics, sizes positions, and gates
// proposed orders against configured limits.
package risk

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/openquant/tradecore/internal/domain"
)

// Metrics summarizes a return series.
type Metrics struct {
	VaR95       float64 `json:"var_95"`
	CVaR95      float64 `json:"cvar_95"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// ComputeMetrics evaluates the standard metric set at 95% confidence.
func ComputeMetrics(returns []float64, riskFree, annualization float64) (Metrics, error) {
	if len(returns) < 2 {
		return Metrics{}, fmt.Errorf("%w: need at least 2 returns, got %d", domain.ErrValidation, len(returns))
	}
	return Metrics{
		VaR95:       VaR(returns, 0.95),
		CVaR95:      CVaR(returns, 0.95),
		Sharpe:      Sharpe(returns, riskFree, annualization),
		Sortino:     Sortino(returns, riskFree, annualization),
		MaxDrawdown: MaxDrawdown(returns),
	}, nil
}

// VaR returns the value-at-risk at confidence alpha as a positive loss
// fraction: the negated return at the (1-alpha) quantile, floored at zero.
func VaR(returns []float64, alpha float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * (1 - alpha))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	v := -sorted[idx]
	if v < 0 {
		return 0
	}
	return v
}

// CVaR returns the mean loss in the alpha tail. Always >= VaR at the same
// confidence.
func CVaR(returns []float64, alpha float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	cut := int(float64(len(sorted)) * (1 - alpha))
	if cut < 1 {
		cut = 1
	}
	var sum float64
	for _, r := range sorted[:cut] {
		sum += -r
	}
	v := sum / float64(cut)
	if v < VaR(returns, alpha) {
		return VaR(returns, alpha)
	}
	return v
}

// Sharpe is mean excess return over its standard deviation, scaled by
// sqrt(annualization) when a factor > 0 is configured.
func Sharpe(returns []float64, riskFree, annualization float64) float64 {
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - riskFree
	}
	mean, std := stat.MeanStdDev(excess, nil)
	if std == 0 {
		return 0
	}
	s := mean / std
	if annualization > 0 {
		s *= math.Sqrt(annualization)
	}
	return s
}

// Sortino is mean excess return over downside deviation only.
func Sortino(returns []float64, riskFree, annualization float64) float64 {
	var meanExcess float64
	downside := make([]float64, len(returns))
	for i, r := range returns {
		e := r - riskFree
		meanExcess += e
		if e < 0 {
			downside[i] = e
		}
	}
	meanExcess /= float64(len(returns))

	var sumSq float64
	for _, d := range downside {
		sumSq += d * d
	}
	dd := math.Sqrt(sumSq / float64(len(returns)))
	if dd == 0 {
		return 0
	}
	s := meanExcess / dd
	if annualization > 0 {
		s *= math.Sqrt(annualization)
	}
	return s
}

// MaxDrawdown is the largest peak-to-trough fall of the cumulative return
// curve, in [0,1].
func MaxDrawdown(returns []float64) float64 {
	cum := 1.0
	peak := 1.0
	var maxDD float64
	for _, r := range returns {
		cum *= 1 + r
		if cum > peak {
			peak = cum
		}
		if peak > 0 {
			dd := (peak - cum) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	if maxDD > 1 {
		return 1
	}
	return maxDD
}
