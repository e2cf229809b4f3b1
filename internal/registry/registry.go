// Package registry tracks predictor artifacts in a single JSON index file
// plus a content-addressed blob store for the model weights themselves.
//
// The index is rewritten atomically (temp file + rename) under an exclusive
// lock file, so a crash mid-write never leaves a torn registry and two
// processes cannot interleave writes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/domain"
)

// lockStaleAfter is how old a leftover lock file must be before it is
// considered abandoned by a crashed process and broken.
const lockStaleAfter = 30 * time.Second

// validTransitions is the artifact lifecycle. Terminal rows are absent.
var validTransitions = map[domain.PredictorStatus][]domain.PredictorStatus{
	domain.PredictorCreated:  {domain.PredictorTraining},
	domain.PredictorTraining: {domain.PredictorTrained, domain.PredictorError},
}

// Registry is the artifact index backed by a JSON file on disk. Lifecycle
// transitions leave an audit record on the global stream.
type Registry struct {
	mu      sync.RWMutex
	path    string
	auditor *audit.Log
	log     zerolog.Logger
	items   map[string]domain.PredictorArtifact
}

// indexFile is the on-disk layout of the registry.
type indexFile struct {
	Version   int                        `json:"version"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Artifacts []domain.PredictorArtifact `json:"artifacts"`
}

// New opens (or creates) the registry at path. auditor may be nil.
func New(path string, auditor *audit.Log, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		auditor: auditor,
		log:     log.With().Str("module", "registry").Logger(),
		items:   make(map[string]domain.PredictorArtifact),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry index: %w", err)
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("failed to parse registry index: %w", err)
	}
	for _, a := range idx.Artifacts {
		r.items[a.ID] = a
	}
	r.log.Info().Int("artifacts", len(r.items)).Msg("Registry loaded")
	return nil
}

// Create registers a new artifact in status "created" and returns it with an
// assigned ID. FeatureList and InputShape are required up front so feature
// alignment can be validated at predict time.
func (r *Registry) Create(kind domain.PredictorKind, features []string, inputShape []int) (domain.PredictorArtifact, error) {
	if !kind.Valid() {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: unknown predictor kind %q", domain.ErrValidation, kind)
	}
	if len(features) == 0 {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: feature list is required", domain.ErrValidation)
	}

	now := time.Now().UTC()
	artifact := domain.PredictorArtifact{
		ID:          uuid.NewString(),
		Kind:        kind,
		FeatureList: append([]string(nil), features...),
		InputShape:  append([]int(nil), inputShape...),
		Status:      domain.PredictorCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[artifact.ID] = artifact
	if err := r.persistLocked(); err != nil {
		delete(r.items, artifact.ID)
		return domain.PredictorArtifact{}, err
	}
	r.log.Info().Str("predictor_id", artifact.ID).Str("kind", string(kind)).Msg("Artifact created")
	return artifact, nil
}

// Get returns an artifact by ID.
func (r *Registry) Get(id string) (domain.PredictorArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: predictor %q", domain.ErrNotFound, id)
	}
	return a, nil
}

// List returns all artifacts sorted by creation time, newest first.
func (r *Registry) List() []domain.PredictorArtifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PredictorArtifact, 0, len(r.items))
	for _, a := range r.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MarkTraining moves an artifact from created to training.
func (r *Registry) MarkTraining(id string) (domain.PredictorArtifact, error) {
	return r.transition(id, domain.PredictorTraining, func(a *domain.PredictorArtifact) error { return nil })
}

// MarkTrained moves an artifact from training to trained, recording the blob
// reference, scaler bounds, and validation metrics in one step.
func (r *Registry) MarkTrained(id, blobRef string, scaler domain.ScalerParams, metrics domain.PredictorMetrics) (domain.PredictorArtifact, error) {
	if blobRef == "" {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: blob ref is required for a trained artifact", domain.ErrValidation)
	}
	return r.transition(id, domain.PredictorTrained, func(a *domain.PredictorArtifact) error {
		if len(scaler.Min) != len(a.FeatureList) || len(scaler.Max) != len(a.FeatureList) {
			return fmt.Errorf("%w: scaler bounds must match the feature list (%d features)",
				domain.ErrValidation, len(a.FeatureList))
		}
		a.ModelBlobRef = blobRef
		a.ScalerParams = scaler
		a.Metrics = metrics
		return nil
	})
}

// MarkError moves an artifact from training to error.
func (r *Registry) MarkError(id string) (domain.PredictorArtifact, error) {
	return r.transition(id, domain.PredictorError, func(a *domain.PredictorArtifact) error { return nil })
}

func (r *Registry) transition(id string, to domain.PredictorStatus, mutate func(*domain.PredictorArtifact) error) (domain.PredictorArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[id]
	if !ok {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: predictor %q", domain.ErrNotFound, id)
	}
	if !transitionAllowed(a.Status, to) {
		return domain.PredictorArtifact{}, fmt.Errorf("%w: cannot move predictor %s from %s to %s",
			domain.ErrValidation, id, a.Status, to)
	}
	prev := a
	if err := mutate(&a); err != nil {
		return domain.PredictorArtifact{}, err
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()

	r.items[id] = a
	if err := r.persistLocked(); err != nil {
		r.items[id] = prev
		return domain.PredictorArtifact{}, err
	}

	if r.auditor != nil {
		if _, err := r.auditor.Append(audit.GlobalStream, audit.Record{
			Actor:        "registry",
			Action:       audit.ActionPredictorStatus,
			ResourceType: "predictor",
			ResourceID:   id,
			PrevValues:   audit.MarshalValues(prev),
			NewValues:    audit.MarshalValues(a),
		}); err != nil {
			return domain.PredictorArtifact{}, err
		}
	}

	r.log.Info().Str("predictor_id", id).Str("status", string(to)).Msg("Artifact transitioned")
	return a, nil
}

func transitionAllowed(from, to domain.PredictorStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// persistLocked rewrites the index atomically. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	unlock, err := acquireLock(r.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	idx := indexFile{Version: 1, UpdatedAt: time.Now().UTC()}
	for _, a := range r.items {
		idx.Artifacts = append(idx.Artifacts, a)
	}
	sort.Slice(idx.Artifacts, func(i, j int) bool { return idx.Artifacts[i].ID < idx.Artifacts[j].ID })

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry index: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry index: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace registry index: %w", err)
	}
	return nil
}

// acquireLock takes an exclusive lock file via O_EXCL creation, breaking locks
// older than lockStaleAfter.
func acquireLock(path string) (func(), error) {
	for attempt := 0; attempt < 50; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to acquire registry lock: %s is held", path)
}
