package domain

import "time"

// SignalDirection is the trade direction suggested by a signal.
type SignalDirection string

const (
	DirectionBuy  SignalDirection = "buy"
	DirectionSell SignalDirection = "sell"
	DirectionHold SignalDirection = "hold"
)

// Signal is a typed trading signal emitted by the prediction dispatcher and
// consumed by the risk engine. Persisted for audit.
type Signal struct {
	ID          string          `json:"id"`
	PredictorID string          `json:"predictor_id"`
	Symbol      string          `json:"symbol"`
	TS          time.Time       `json:"ts"`
	Direction   SignalDirection `json:"direction"`
	Strength    float64         `json:"strength"`   // [0,1]
	Confidence  float64         `json:"confidence"` // [0,1]
	HorizonBars int             `json:"horizon_bars"`
	TargetPrice *float64        `json:"target_price,omitempty"`
	StopLoss    *float64        `json:"stop_loss,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the signal has passed its expiry.
func (s *Signal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
