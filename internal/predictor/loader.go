package predictor

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/registry"
)

// DefaultLoadedModels bounds how many decoded models stay resident.
const DefaultLoadedModels = 16

// Loader resolves artifact IDs to runnable predictors, keeping a bounded LRU
// of decoded models. Reloading is keyed on the blob ref, so a re-trained
// artifact with a new blob evicts the stale entry naturally.
type Loader struct {
	reg   *registry.Registry
	blobs *registry.BlobStore
	log   zerolog.Logger

	mu      sync.Mutex
	cap     int
	order   *list.List               // front = most recent
	entries map[string]*list.Element // artifactID -> *loadedEntry
}

type loadedEntry struct {
	artifactID string
	blobRef    string
	model      *model
}

// NewLoader creates a loader over the registry and blob store.
func NewLoader(reg *registry.Registry, blobs *registry.BlobStore, maxLoaded int, log zerolog.Logger) *Loader {
	if maxLoaded <= 0 {
		maxLoaded = DefaultLoadedModels
	}
	return &Loader{
		reg:     reg,
		blobs:   blobs,
		log:     log.With().Str("module", "predictor").Logger(),
		cap:     maxLoaded,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Load returns a predictor for a trained artifact, decoding the blob on first
// use.
func (l *Loader) Load(id string) (Predictor, error) {
	artifact, err := l.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if artifact.Status != domain.PredictorTrained {
		return nil, fmt.Errorf("%w: predictor %s is %s, not trained",
			domain.ErrPredictor, id, artifact.Status)
	}

	l.mu.Lock()
	if el, ok := l.entries[id]; ok {
		entry := el.Value.(*loadedEntry)
		if entry.blobRef == artifact.ModelBlobRef {
			l.order.MoveToFront(el)
			l.mu.Unlock()
			return entry.model, nil
		}
		// Artifact points at new weights; drop the stale model.
		l.order.Remove(el)
		delete(l.entries, id)
	}
	l.mu.Unlock()

	// Decode outside the lock; a duplicate decode under contention is
	// cheaper than serializing all loads.
	data, err := l.blobs.Get(artifact.ModelBlobRef)
	if err != nil {
		return nil, err
	}
	m, err := decodeModel(artifact, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[id]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*loadedEntry).model, nil
	}
	el := l.order.PushFront(&loadedEntry{artifactID: id, blobRef: artifact.ModelBlobRef, model: m})
	l.entries[id] = el
	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*loadedEntry).artifactID)
	}
	l.log.Debug().Str("predictor_id", id).Str("kind", string(artifact.Kind)).Msg("Model loaded")
	return m, nil
}

// Loaded reports how many models are resident.
func (l *Loader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Evict drops a resident model, e.g. after an artifact is invalidated.
func (l *Loader) Evict(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[id]; ok {
		l.order.Remove(el)
		delete(l.entries, id)
	}
}
