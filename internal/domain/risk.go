package domain

// RiskLimitKind identifies what a risk limit constrains.
type RiskLimitKind string

const (
	LimitPositionSize  RiskLimitKind = "position_size"
	LimitVaR           RiskLimitKind = "var"
	LimitLeverage      RiskLimitKind = "leverage"
	LimitConcentration RiskLimitKind = "concentration"
	LimitDailyVolume   RiskLimitKind = "daily_volume"
)

// RiskLimit is a scoped constraint. Empty scope fields mean "applies to all".
type RiskLimit struct {
	ID            int64         `json:"id"`
	PortfolioID   string        `json:"portfolio_id,omitempty"`
	Symbol        string        `json:"symbol,omitempty"`
	Sector        string        `json:"sector,omitempty"`
	Kind          RiskLimitKind `json:"kind"`
	Value         float64       `json:"value"`
	WarnThreshold float64       `json:"warn_threshold,omitempty"`
}

// StressScenario maps asset-class tags to multiplicative shock factors,
// e.g. {"equity": -0.40, "bond": 0.05, "crypto": -0.70}.
type StressScenario struct {
	Name   string             `json:"name"`
	Shocks map[string]float64 `json:"shocks"`
}

// StressResult is the outcome of applying a scenario to a portfolio. No state
// is mutated; deltas are reported per position and in aggregate.
type StressResult struct {
	Scenario       string             `json:"scenario"`
	PositionDeltas map[string]float64 `json:"position_deltas"`
	PortfolioDelta float64            `json:"portfolio_delta"`
	ValueBefore    float64            `json:"value_before"`
	ValueAfter     float64            `json:"value_after"`
}
