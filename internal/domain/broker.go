package domain

import "time"

// BrokerEventType is the canonical event vocabulary every broker adapter maps
// its native enums into.
type BrokerEventType string

const (
	BrokerAck       BrokerEventType = "ack"
	BrokerFill      BrokerEventType = "fill"
	BrokerCancelled BrokerEventType = "cancelled"
	BrokerRejected  BrokerEventType = "rejected"
	BrokerExpired   BrokerEventType = "expired"
	BrokerErrored   BrokerEventType = "error"
)

// BrokerEvent is a normalized event from a broker adapter, keyed by the
// engine-side order ID (the idempotency key the order was submitted under).
type BrokerEvent struct {
	Type          BrokerEventType `json:"event_type"`
	OrderID       string          `json:"order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	BrokerExecID  string          `json:"broker_exec_id,omitempty"`
	Qty           float64         `json:"qty,omitempty"`
	Price         float64         `json:"price,omitempty"`
	Reason        RejectionReason `json:"reason,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	TS            time.Time       `json:"ts"`
}

// MaxClockSkew bounds how far in the future a broker event timestamp may be
// before the engine rejects it.
const MaxClockSkew = 60 * time.Second
