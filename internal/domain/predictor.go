package domain

import "time"

// PredictorKind identifies the model family of an artifact. The blob format is
// opaque to the core; a runtime loader is chosen by kind.
type PredictorKind string

const (
	KindLSTM        PredictorKind = "lstm"
	KindCNN         PredictorKind = "cnn"
	KindTransformer PredictorKind = "transformer"
	KindRLPPO       PredictorKind = "rl-ppo"
	KindRLA2C       PredictorKind = "rl-a2c"
	KindRLDQN       PredictorKind = "rl-dqn"
	KindRLSAC       PredictorKind = "rl-sac"
)

// Valid reports whether the kind is a known model family.
func (k PredictorKind) Valid() bool {
	switch k {
	case KindLSTM, KindCNN, KindTransformer, KindRLPPO, KindRLA2C, KindRLDQN, KindRLSAC:
		return true
	}
	return false
}

// PredictorStatus is the artifact lifecycle state. Training itself happens
// offline; the registry only tracks the transitions.
type PredictorStatus string

const (
	PredictorCreated  PredictorStatus = "created"
	PredictorTraining PredictorStatus = "training"
	PredictorTrained  PredictorStatus = "trained"
	PredictorError    PredictorStatus = "error"
)

// ScalerParams holds per-feature min-max scaling bounds recorded at training
// time. Feature order matches PredictorArtifact.FeatureList.
type ScalerParams struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// PredictorMetrics are the offline validation metrics recorded with the
// artifact. ValRMSE is normalized to the target scale.
type PredictorMetrics struct {
	ValRMSE   float64 `json:"val_rmse"`
	ValMAE    float64 `json:"val_mae,omitempty"`
	TrainLoss float64 `json:"train_loss,omitempty"`
}

// PredictorArtifact is the registry record for a trained (or in-training)
// predictor. ModelBlobRef is content-addressed and immutable once trained.
type PredictorArtifact struct {
	ID           string           `json:"id"`
	Kind         PredictorKind    `json:"kind"`
	FeatureList  []string         `json:"feature_list"`
	InputShape   []int            `json:"input_shape"`
	ScalerParams ScalerParams     `json:"scaler_params"`
	ModelBlobRef string           `json:"model_blob_ref"`
	Metrics      PredictorMetrics `json:"metrics"`
	Status       PredictorStatus  `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Confidence derives a default per-signal confidence from validation RMSE when
// no per-prediction uncertainty is available: 1 - normalized RMSE, clamped.
func (a *PredictorArtifact) Confidence() float64 {
	c := 1 - a.Metrics.ValRMSE
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
