package predictor

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/registry"
)

// denseBlob builds a msgpack blob for the given layers.
func denseBlob(t *testing.T, layers ...LayerBlob) []byte {
	t.Helper()
	data, err := msgpack.Marshal(ModelBlob{Format: BlobFormatDense, Layers: layers})
	require.NoError(t, err)
	return data
}

// identityScaler covers n features with [0,1] bounds, making Transform the
// identity for inputs already in range.
func identityScaler(n int) domain.ScalerParams {
	p := domain.ScalerParams{Min: make([]float64, n), Max: make([]float64, n)}
	for i := range p.Max {
		p.Max[i] = 1
	}
	return p
}

func trainedArtifact(kind domain.PredictorKind, timesteps, features int) domain.PredictorArtifact {
	names := make([]string, features)
	for i := range names {
		names[i] = "f"
	}
	return domain.PredictorArtifact{
		ID:           "p-1",
		Kind:         kind,
		FeatureList:  names,
		InputShape:   []int{timesteps, features},
		ScalerParams: identityScaler(features),
		Status:       domain.PredictorTrained,
	}
}

func TestScaler(t *testing.T) {
	s, err := NewScaler(domain.ScalerParams{Min: []float64{100, 0}, Max: []float64{200, 0}})
	require.NoError(t, err)

	out, err := s.Transform([]float64{150, 42})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0], 1e-12)
	assert.InDelta(t, 0.5, out[1], 1e-12, "degenerate bounds map to midpoint")

	back, err := s.Inverse(0, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 150, back, 1e-12)

	_, err = s.Transform([]float64{1})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = NewScaler(domain.ScalerParams{Min: []float64{1}, Max: nil})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegressionPredict(t *testing.T) {
	// 2 timesteps x 1 feature, single linear layer summing both inputs.
	blob := denseBlob(t, LayerBlob{
		Rows: 1, Cols: 2,
		Weights:    []float64{1, 1},
		Bias:       []float64{0.5},
		Activation: ActLinear,
	})
	m, err := decodeModel(trainedArtifact(domain.KindLSTM, 2, 1), blob)
	require.NoError(t, err)

	pred, err := m.Predict(context.Background(), [][]float64{{0.2}, {0.3}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pred.Return, 1e-12)
	assert.Equal(t, "p-1", pred.PredictorID)
}

func TestPolicyHeadPredict(t *testing.T) {
	// Logits heavily favor action 1 (buy), so the net return is positive.
	blob := denseBlob(t, LayerBlob{
		Rows: 3, Cols: 1,
		Weights:    []float64{0, 0, 0},
		Bias:       []float64{0, 5, -5},
		Activation: ActLinear,
	})
	m, err := decodeModel(trainedArtifact(domain.KindRLPPO, 1, 1), blob)
	require.NoError(t, err)

	pred, err := m.Predict(context.Background(), [][]float64{{0.5}})
	require.NoError(t, err)
	assert.Greater(t, pred.Return, 0.9)
	assert.Len(t, pred.Raw, 3)
}

func TestPredictRejectsBadWindows(t *testing.T) {
	blob := denseBlob(t, LayerBlob{
		Rows: 1, Cols: 2, Weights: []float64{1, 1}, Bias: []float64{0}, Activation: ActTanh,
	})
	m, err := decodeModel(trainedArtifact(domain.KindCNN, 2, 1), blob)
	require.NoError(t, err)

	_, err = m.Predict(context.Background(), [][]float64{{0.1}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Predict(context.Background(), [][]float64{{0.1}, {math.NaN()}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeModelValidation(t *testing.T) {
	artifact := trainedArtifact(domain.KindLSTM, 2, 1)

	_, err := decodeModel(artifact, []byte("not msgpack"))
	assert.ErrorIs(t, err, domain.ErrPredictor)

	wrongFormat, merr := msgpack.Marshal(ModelBlob{Format: "onnx"})
	require.NoError(t, merr)
	_, err = decodeModel(artifact, wrongFormat)
	assert.ErrorIs(t, err, domain.ErrPredictor)

	// Regression head with 2 outputs.
	twoOut := denseBlob(t, LayerBlob{
		Rows: 2, Cols: 2, Weights: []float64{1, 0, 0, 1}, Bias: []float64{0, 0}, Activation: ActLinear,
	})
	_, err = decodeModel(artifact, twoOut)
	assert.ErrorIs(t, err, domain.ErrPredictor)

	// Policy head without 3 logits.
	rl := trainedArtifact(domain.KindRLDQN, 2, 1)
	oneOut := denseBlob(t, LayerBlob{
		Rows: 1, Cols: 2, Weights: []float64{1, 1}, Bias: []float64{0}, Activation: ActLinear,
	})
	_, err = decodeModel(rl, oneOut)
	assert.ErrorIs(t, err, domain.ErrPredictor)
}

func newLoaderFixture(t *testing.T, maxLoaded int) (*registry.Registry, *registry.BlobStore, *Loader) {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.json"), nil, zerolog.Nop())
	require.NoError(t, err)
	blobs, err := registry.NewBlobStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return reg, blobs, NewLoader(reg, blobs, maxLoaded, zerolog.Nop())
}

func trainOne(t *testing.T, reg *registry.Registry, blobs *registry.BlobStore, blob []byte) string {
	t.Helper()
	a, err := reg.Create(domain.KindLSTM, []string{"close"}, []int{2, 1})
	require.NoError(t, err)
	_, err = reg.MarkTraining(a.ID)
	require.NoError(t, err)
	ref, err := blobs.Put(blob)
	require.NoError(t, err)
	_, err = reg.MarkTrained(a.ID, ref, identityScaler(1), domain.PredictorMetrics{ValRMSE: 0.1})
	require.NoError(t, err)
	return a.ID
}

func TestLoaderLoadsTrainedArtifacts(t *testing.T) {
	reg, blobs, loader := newLoaderFixture(t, 4)
	blob := denseBlob(t, LayerBlob{
		Rows: 1, Cols: 2, Weights: []float64{1, 1}, Bias: []float64{0}, Activation: ActLinear,
	})
	id := trainOne(t, reg, blobs, blob)

	p, err := loader.Load(id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID())
	assert.Equal(t, domain.KindLSTM, p.Kind())

	// Second load hits the cache and returns the same instance.
	p2, err := loader.Load(id)
	require.NoError(t, err)
	assert.Same(t, p, p2)
	assert.Equal(t, 1, loader.Loaded())
}

func TestLoaderRejectsUntrainedArtifacts(t *testing.T) {
	reg, _, loader := newLoaderFixture(t, 4)
	a, err := reg.Create(domain.KindLSTM, []string{"close"}, []int{2, 1})
	require.NoError(t, err)

	_, err = loader.Load(a.ID)
	assert.ErrorIs(t, err, domain.ErrPredictor)

	_, err = loader.Load("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoaderEvictsLRU(t *testing.T) {
	reg, blobs, loader := newLoaderFixture(t, 2)
	mkBlob := func(bias float64) []byte {
		return denseBlob(t, LayerBlob{
			Rows: 1, Cols: 2, Weights: []float64{1, 1}, Bias: []float64{bias}, Activation: ActLinear,
		})
	}
	ids := []string{
		trainOne(t, reg, blobs, mkBlob(0)),
		trainOne(t, reg, blobs, mkBlob(1)),
		trainOne(t, reg, blobs, mkBlob(2)),
	}

	for _, id := range ids {
		_, err := loader.Load(id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, loader.Loaded())

	loader.Evict(ids[2])
	assert.Equal(t, 1, loader.Loaded())
}
