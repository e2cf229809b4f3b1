package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/openquant/tradecore/internal/domain"
)

// BlobFormatDense is the only supported weight format: a feed-forward stack
// exported by the offline training pipeline. Recurrent and convolutional
// models are distilled to this form before export, so every kind shares one
// executor.
const BlobFormatDense = "dense-v1"

// Activation names accepted in layer blobs.
const (
	ActLinear  = "linear"
	ActReLU    = "relu"
	ActTanh    = "tanh"
	ActSigmoid = "sigmoid"
)

// LayerBlob is one dense layer: y = act(W*x + b), W stored row-major with
// Rows outputs and Cols inputs.
type LayerBlob struct {
	Rows       int       `msgpack:"rows"`
	Cols       int       `msgpack:"cols"`
	Weights    []float64 `msgpack:"weights"`
	Bias       []float64 `msgpack:"bias"`
	Activation string    `msgpack:"activation"`
}

// ModelBlob is the msgpack payload stored in the blob store.
type ModelBlob struct {
	Format string      `msgpack:"format"`
	Layers []LayerBlob `msgpack:"layers"`
}

// model is a loaded, immutable network bound to its artifact metadata. The
// mat.Dense weight matrices are read-only after construction, so Predict is
// safe concurrently.
type model struct {
	artifact domain.PredictorArtifact
	scaler   *Scaler
	weights  []*mat.Dense
	biases   []*mat.VecDense
	acts     []string
}

// decodeModel parses and validates a weight blob against the artifact shape.
func decodeModel(artifact domain.PredictorArtifact, data []byte) (*model, error) {
	var blob ModelBlob
	if err := msgpack.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: failed to decode model blob: %v", domain.ErrPredictor, err)
	}
	if blob.Format != BlobFormatDense {
		return nil, fmt.Errorf("%w: unsupported blob format %q", domain.ErrPredictor, blob.Format)
	}
	if len(blob.Layers) == 0 {
		return nil, fmt.Errorf("%w: model has no layers", domain.ErrPredictor)
	}
	if len(artifact.InputShape) != 2 {
		return nil, fmt.Errorf("%w: artifact input shape must be [timesteps, features]", domain.ErrValidation)
	}

	scaler, err := NewScaler(artifact.ScalerParams)
	if err != nil {
		return nil, err
	}
	timesteps, features := artifact.InputShape[0], artifact.InputShape[1]
	if scaler.Features() != features {
		return nil, fmt.Errorf("%w: scaler covers %d features, input shape says %d",
			domain.ErrValidation, scaler.Features(), features)
	}

	m := &model{artifact: artifact, scaler: scaler}
	expectIn := timesteps * features
	for i, layer := range blob.Layers {
		if layer.Cols != expectIn {
			return nil, fmt.Errorf("%w: layer %d expects %d inputs, got %d",
				domain.ErrPredictor, i, layer.Cols, expectIn)
		}
		if len(layer.Weights) != layer.Rows*layer.Cols || len(layer.Bias) != layer.Rows {
			return nil, fmt.Errorf("%w: layer %d weight/bias shape mismatch", domain.ErrPredictor, i)
		}
		switch layer.Activation {
		case ActLinear, ActReLU, ActTanh, ActSigmoid:
		default:
			return nil, fmt.Errorf("%w: layer %d has unknown activation %q",
				domain.ErrPredictor, i, layer.Activation)
		}
		m.weights = append(m.weights, mat.NewDense(layer.Rows, layer.Cols, layer.Weights))
		m.biases = append(m.biases, mat.NewVecDense(layer.Rows, layer.Bias))
		m.acts = append(m.acts, layer.Activation)
		expectIn = layer.Rows
	}

	outputs := expectIn
	if isRL(artifact.Kind) {
		if outputs != 3 {
			return nil, fmt.Errorf("%w: %s policy head must emit 3 action logits, got %d",
				domain.ErrPredictor, artifact.Kind, outputs)
		}
	} else if outputs != 1 {
		return nil, fmt.Errorf("%w: %s regression head must emit 1 value, got %d",
			domain.ErrPredictor, artifact.Kind, outputs)
	}
	return m, nil
}

func isRL(kind domain.PredictorKind) bool {
	switch kind {
	case domain.KindRLPPO, domain.KindRLA2C, domain.KindRLDQN, domain.KindRLSAC:
		return true
	}
	return false
}

// ID implements Predictor.
func (m *model) ID() string {
	return m.artifact.ID
}

// Kind implements Predictor.
func (m *model) Kind() domain.PredictorKind {
	return m.artifact.Kind
}

// Predict implements Predictor: scale, flatten, run the stack, map the head.
func (m *model) Predict(ctx context.Context, window [][]float64) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, domain.ErrDeadlineExceeded
	}
	timesteps, features := m.artifact.InputShape[0], m.artifact.InputShape[1]
	if err := validateWindow(window, timesteps, features); err != nil {
		return Prediction{}, err
	}

	flat := make([]float64, 0, timesteps*features)
	for _, row := range window {
		scaled, err := m.scaler.Transform(row)
		if err != nil {
			return Prediction{}, err
		}
		flat = append(flat, scaled...)
	}

	x := mat.NewVecDense(len(flat), flat)
	for i, w := range m.weights {
		rows, _ := w.Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(w, x)
		y.AddVec(y, m.biases[i])
		applyActivation(y, m.acts[i])
		x = y
	}

	raw := make([]float64, x.Len())
	copy(raw, x.RawVector().Data)

	pred := Prediction{PredictorID: m.artifact.ID, Raw: raw}
	if isRL(m.artifact.Kind) {
		// Action logits [hold, buy, sell]: net return leans with the
		// buy/sell probability mass.
		probs := softmax(raw)
		pred.Return = probs[1] - probs[2]
	} else {
		pred.Return = raw[0]
	}
	if math.IsNaN(pred.Return) || math.IsInf(pred.Return, 0) {
		return Prediction{}, fmt.Errorf("%w: model %s produced a non-finite output",
			domain.ErrPredictor, m.artifact.ID)
	}
	return pred, nil
}

func applyActivation(v *mat.VecDense, act string) {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		switch act {
		case ActReLU:
			if x < 0 {
				x = 0
			}
		case ActTanh:
			x = math.Tanh(x)
		case ActSigmoid:
			x = 1 / (1 + math.Exp(-x))
		}
		v.SetVec(i, x)
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
