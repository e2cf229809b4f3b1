package domain

import "errors"

// Stable error kinds shared across components. Callers match with errors.Is
// and wrap with fmt.Errorf("...: %w", Err...) to add context.
var (
	// ErrValidation indicates invalid input (bad symbol, negative quantity,
	// unknown enum value). Never retried; surfaced to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLimitBreach indicates a risk or compliance rejection. Carries a
	// machine-readable reason via RejectionError.
	ErrLimitBreach = errors.New("risk limit breach")

	// ErrTerminal indicates an operation on an order already in a terminal state.
	ErrTerminal = errors.New("order in terminal state")

	// ErrUpstream indicates a transient provider or broker failure. Retried
	// with backoff; surfaced only after retries are exhausted.
	ErrUpstream = errors.New("upstream failure")

	// ErrPredictor indicates a model artifact load or inference failure.
	ErrPredictor = errors.New("predictor failure")

	// ErrDeadlineExceeded indicates cancellation by deadline. No state mutation
	// has occurred.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrIntegrity indicates an audit-chain verification failure or invariant
	// violation. Fatal for the affected stream.
	ErrIntegrity = errors.New("integrity violation")

	// ErrUnsupportedTimeframe indicates a provider cannot serve the requested
	// symbol/timeframe pair.
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

	// ErrRejected indicates an order was rejected before or at submission.
	ErrRejected = errors.New("order rejected")

	// ErrBroker indicates a permanent broker-side failure.
	ErrBroker = errors.New("broker failure")

	// ErrClosed indicates a subscription or component has been closed.
	ErrClosed = errors.New("closed")
)

// RejectionReason is a machine-readable code explaining why the risk gate or a
// broker rejected an order.
type RejectionReason string

const (
	ReasonPositionWeight RejectionReason = "position_weight"
	ReasonVaRLimit       RejectionReason = "var_limit"
	ReasonLeverage       RejectionReason = "leverage"
	ReasonConcentration  RejectionReason = "concentration"
	ReasonDailyVolume    RejectionReason = "daily_volume"
	ReasonInvalidSymbol  RejectionReason = "invalid_symbol"
	ReasonInsufficient   RejectionReason = "insufficient_funds"
	ReasonAuth           RejectionReason = "auth"
)

// RejectionError pairs ErrLimitBreach / ErrRejected with a stable reason code.
type RejectionError struct {
	Reason RejectionReason
	Detail string
	kind   error
}

// NewLimitBreach creates a risk-gate rejection with the given reason.
func NewLimitBreach(reason RejectionReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail, kind: ErrLimitBreach}
}

// NewRejection creates a broker-side rejection with the given reason.
func NewRejection(reason RejectionReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail, kind: ErrRejected}
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

// Unwrap lets errors.Is match the underlying kind.
func (e *RejectionError) Unwrap() error {
	return e.kind
}
