package domain

import (
	"math"
	"time"
)

// Position is a signed holding in a single symbol. Negative quantity = short.
type Position struct {
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	AvgCost    float64   `json:"avg_cost"`
	RealizedPL float64   `json:"realized_pl"`
	LastMark   float64   `json:"last_mark"`
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MarketValue is the signed value of the position at its last mark.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.LastMark
}

// Flat reports whether the position has no remaining quantity.
func (p *Position) Flat() bool {
	return p.Quantity == 0
}

// PortfolioStatus is the lifecycle state of a portfolio.
type PortfolioStatus string

const (
	PortfolioActive    PortfolioStatus = "active"
	PortfolioSuspended PortfolioStatus = "suspended" // writes halted, e.g. after an integrity failure
	PortfolioClosed    PortfolioStatus = "closed"
)

// Portfolio is the authoritative owner of positions and cash. Orders reference
// it by ID; positions are embedded.
type Portfolio struct {
	ID                string               `json:"id"`
	OwnerID           string               `json:"owner_id"`
	Cash              float64              `json:"cash"`
	Currency          string               `json:"currency"`
	Positions         map[string]*Position `json:"positions"`
	VaRLimit          float64              `json:"var_limit"`           // max portfolio VaR as fraction of value
	MaxPositionWeight float64              `json:"max_position_weight"` // max |position| / portfolio value
	MaxLeverage       float64              `json:"max_leverage"`
	Status            PortfolioStatus      `json:"status"`
}

// TotalValue returns cash plus the signed market value of all positions.
func (p *Portfolio) TotalValue() float64 {
	v := p.Cash
	for _, pos := range p.Positions {
		v += pos.MarketValue()
	}
	return v
}

// GrossExposure returns the sum of absolute position values.
func (p *Portfolio) GrossExposure() float64 {
	var g float64
	for _, pos := range p.Positions {
		g += math.Abs(pos.MarketValue())
	}
	return g
}

// Leverage returns gross exposure over total value. Zero-value portfolios
// report zero leverage.
func (p *Portfolio) Leverage() float64 {
	tv := p.TotalValue()
	if tv <= 0 {
		return 0
	}
	return p.GrossExposure() / tv
}

// PositionWeight returns |position value| / total value for a symbol, with the
// hypothetical delta applied (pass 0 for the current weight).
func (p *Portfolio) PositionWeight(symbol string, deltaValue float64) float64 {
	tv := p.TotalValue()
	if tv <= 0 {
		return 0
	}
	var current float64
	if pos, ok := p.Positions[symbol]; ok {
		current = pos.MarketValue()
	}
	return math.Abs(current+deltaValue) / tv
}
