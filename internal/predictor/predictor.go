// Package predictor loads trained model artifacts and runs inference on
// feature windows. The core does not train models; it executes the weights an
// offline pipeline produced and the registry tracks.
package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/openquant/tradecore/internal/domain"
)

// Prediction is the output of one inference call. Return is the predicted
// fractional price change over the artifact's horizon. Raw carries the
// unmapped network outputs for diagnostics.
type Prediction struct {
	PredictorID string    `json:"predictor_id"`
	Return      float64   `json:"return"`
	Raw         []float64 `json:"raw,omitempty"`
}

// Predictor runs inference for one loaded artifact. Implementations are safe
// for concurrent Predict calls.
type Predictor interface {
	ID() string
	Kind() domain.PredictorKind
	// Predict takes a feature window shaped [timesteps][features], ordered to
	// match the artifact's feature list.
	Predict(ctx context.Context, window [][]float64) (Prediction, error)
}

// Scaler applies the min-max bounds recorded at training time. Features are
// mapped into [0,1]; a degenerate bound (min == max) maps to 0.5.
type Scaler struct {
	min []float64
	max []float64
}

// NewScaler validates the bounds and returns a scaler over them.
func NewScaler(p domain.ScalerParams) (*Scaler, error) {
	if len(p.Min) != len(p.Max) {
		return nil, fmt.Errorf("%w: scaler min/max length mismatch (%d vs %d)",
			domain.ErrValidation, len(p.Min), len(p.Max))
	}
	if len(p.Min) == 0 {
		return nil, fmt.Errorf("%w: empty scaler bounds", domain.ErrValidation)
	}
	return &Scaler{min: p.Min, max: p.Max}, nil
}

// Features returns the number of features the scaler covers.
func (s *Scaler) Features() int {
	return len(s.min)
}

// Transform scales one feature vector in place order-aligned with the bounds.
func (s *Scaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.min) {
		return nil, fmt.Errorf("%w: expected %d features, got %d",
			domain.ErrValidation, len(s.min), len(features))
	}
	out := make([]float64, len(features))
	for i, v := range features {
		span := s.max[i] - s.min[i]
		if span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - s.min[i]) / span
	}
	return out, nil
}

// Inverse maps a scaled value back through the bounds of feature i.
func (s *Scaler) Inverse(i int, scaled float64) (float64, error) {
	if i < 0 || i >= len(s.min) {
		return 0, fmt.Errorf("%w: feature index %d out of range", domain.ErrValidation, i)
	}
	return s.min[i] + scaled*(s.max[i]-s.min[i]), nil
}

// validateWindow checks shape and rejects NaN/Inf values, which indicate the
// caller passed warm-up indicator rows.
func validateWindow(window [][]float64, timesteps, features int) error {
	if len(window) != timesteps {
		return fmt.Errorf("%w: expected %d timesteps, got %d", domain.ErrValidation, timesteps, len(window))
	}
	for t, row := range window {
		if len(row) != features {
			return fmt.Errorf("%w: timestep %d has %d features, expected %d",
				domain.ErrValidation, t, len(row), features)
		}
		for f, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite feature at [%d][%d]", domain.ErrValidation, t, f)
			}
		}
	}
	return nil
}
