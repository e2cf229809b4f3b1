package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Valid reports whether the side is a known enum value.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the price instruction of an order.
type OrderType string

const (
	TypeMarket    OrderType = "market"
	TypeLimit     OrderType = "limit"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether the type is a known enum value.
func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return true
	}
	return false
}

// TimeInForce controls order expiry at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Valid reports whether the TIF is a known enum value.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelling      OrderStatus = "CANCELLING"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusError           OrderStatus = "ERROR"
)

// Terminal reports whether the status is absorbing: no further transitions
// are permitted once an order reaches it.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusError:
		return true
	}
	return false
}

// ExecStrategy selects how a parent order is decomposed into child orders.
type ExecStrategy string

const (
	StrategyMarket  ExecStrategy = "market"
	StrategyLimit   ExecStrategy = "limit"
	StrategyTWAP    ExecStrategy = "twap"
	StrategyVWAP    ExecStrategy = "vwap"
	StrategyIceberg ExecStrategy = "iceberg"
	StrategyPOV     ExecStrategy = "pov"
)

// Valid reports whether the strategy is a known enum value.
func (s ExecStrategy) Valid() bool {
	switch s {
	case StrategyMarket, StrategyLimit, StrategyTWAP, StrategyVWAP, StrategyIceberg, StrategyPOV:
		return true
	}
	return false
}

// StrategyParams holds the per-strategy scheduling knobs. Fields not relevant
// to the selected strategy are ignored.
type StrategyParams struct {
	Duration      time.Duration `json:"duration,omitempty"`       // twap, vwap, pov
	Interval      time.Duration `json:"interval,omitempty"`       // twap, pov
	VolumeProfile []float64     `json:"volume_profile,omitempty"` // vwap; empty = flat (TWAP fallback)
	DisplaySize   float64       `json:"display_size,omitempty"`   // iceberg
	POVTarget     float64       `json:"pov_target,omitempty"`     // pov; fraction of traded volume
}

// LotTolerance is the rounding tolerance used when comparing a parent order's
// quantity against the sum of its children.
const LotTolerance = 1.0

// Order is the order entity tracked by the state machine.
type Order struct {
	ID             string         `json:"id"`
	ParentID       string         `json:"parent_id,omitempty"`
	PortfolioID    string         `json:"portfolio_id"`
	Symbol         string         `json:"symbol"`
	Side           OrderSide      `json:"side"`
	Type           OrderType      `json:"type"`
	Qty            float64        `json:"qty"`
	LimitPrice     *float64       `json:"limit_price,omitempty"`
	StopPrice      *float64       `json:"stop_price,omitempty"`
	TIF            TimeInForce    `json:"tif"`
	Strategy       ExecStrategy   `json:"strategy"`
	StrategyParams StrategyParams `json:"strategy_params,omitempty"`
	Status         OrderStatus    `json:"status"`
	FilledQty      float64        `json:"filled_qty"`
	AvgFillPrice   *float64       `json:"avg_fill_price,omitempty"`
	BrokerID       string         `json:"broker_id,omitempty"`
	BrokerOrderID  string         `json:"broker_order_id,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	SubmittedAt    *time.Time     `json:"submitted_at,omitempty"`
	TerminalAt     *time.Time     `json:"terminal_at,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Qty - o.FilledQty
}

// IdempotencyKey is the client-generated key used to deduplicate broker
// submissions. The order ID doubles as the key.
func (o *Order) IdempotencyKey() string {
	return o.ID
}

// Validate checks the order fields before it enters the pipeline.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if o.PortfolioID == "" {
		return fmt.Errorf("%w: empty portfolio_id", ErrValidation)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrValidation, o.Side)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, o.Type)
	}
	if !o.TIF.Valid() {
		return fmt.Errorf("%w: unknown tif %q", ErrValidation, o.TIF)
	}
	if !o.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrValidation, o.Strategy)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %v", ErrValidation, o.Qty)
	}
	if o.Type == TypeLimit || o.Type == TypeStopLimit {
		if o.LimitPrice == nil || *o.LimitPrice <= 0 {
			return fmt.Errorf("%w: %s order requires a positive limit price", ErrValidation, o.Type)
		}
	}
	if o.Type == TypeStop || o.Type == TypeStopLimit {
		if o.StopPrice == nil || *o.StopPrice <= 0 {
			return fmt.Errorf("%w: %s order requires a positive stop price", ErrValidation, o.Type)
		}
	}
	return nil
}

// Fill is an immutable execution report applied to an order.
type Fill struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	Qty          float64   `json:"qty"`
	Price        float64   `json:"price"`
	TS           time.Time `json:"ts"`
	Venue        string    `json:"venue,omitempty"`
	BrokerExecID string    `json:"broker_exec_id"`
	Fees         float64   `json:"fees,omitempty"`
	Commission   float64   `json:"commission,omitempty"`
}
