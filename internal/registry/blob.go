package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

const blobRefPrefix = "sha256:"

// BlobStore holds model weight blobs content-addressed by SHA-256. A blob is
// immutable: writing the same bytes twice yields the same ref and is a no-op.
// Files are fanned out under refs/ab/abcdef... to keep directories small.
type BlobStore struct {
	root string
	log  zerolog.Logger
}

// NewBlobStore opens (or creates) a blob store rooted at dir.
func NewBlobStore(dir string, log zerolog.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "refs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}
	return &BlobStore{root: dir, log: log.With().Str("module", "blobstore").Logger()}, nil
}

// Put stores data and returns its ref ("sha256:<hex>"). The write goes through
// a temp file and rename so readers never observe a partial blob.
func (s *BlobStore) Put(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty blob", domain.ErrValidation)
	}
	sum := sha256.Sum256(data)
	ref := blobRefPrefix + hex.EncodeToString(sum[:])

	path, err := s.pathFor(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	s.log.Debug().Str("ref", ref).Int("bytes", len(data)).Msg("Blob stored")
	return ref, nil
}

// Get reads a blob and verifies its digest before returning it. A digest
// mismatch means on-disk corruption and surfaces as an integrity error.
func (s *BlobStore) Get(ref string) ([]byte, error) {
	path, err := s.pathFor(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}

	sum := sha256.Sum256(data)
	if blobRefPrefix+hex.EncodeToString(sum[:]) != ref {
		return nil, fmt.Errorf("%w: blob %s digest mismatch", domain.ErrIntegrity, ref)
	}
	return data, nil
}

// Exists reports whether a blob is present without reading it.
func (s *BlobStore) Exists(ref string) bool {
	path, err := s.pathFor(ref)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

func (s *BlobStore) pathFor(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, blobRefPrefix)
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("%w: malformed blob ref %q", domain.ErrValidation, ref)
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: malformed blob ref %q", domain.ErrValidation, ref)
		}
	}
	return filepath.Join(s.root, "refs", digest[:2], digest), nil
}
