// Package objectstorage is the narrow interface the core uses to reach
// artifact storage: upload a result blob and read back its cost metadata.
// Everything about buckets, presigning, and retention lives outside this
// package; production wiring is a future integration point, not built here.
package objectstorage

import (
	"context"
	"fmt"
	"sync"

	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/money"
)

// Metadata is the artifact metadata a worker attaches at upload time. The
// Reconciler's force-settle path reads ActualCost back when recovering a
// stuck run's true cost.
type Metadata struct {
	SizeBytes  int64
	Hash       string
	ActualCost money.Micros
}

// Store uploads artifacts keyed by run_id and reads their metadata back.
type Store interface {
	Upload(ctx context.Context, runID string, data []byte, meta Metadata) error
	Metadata(ctx context.Context, runID string) (*Metadata, error)
}

// InMemoryStore is a process-local Store for tests and local runs.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	meta  map[string]Metadata
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		blobs: make(map[string][]byte),
		meta:  make(map[string]Metadata),
	}
}

func (s *InMemoryStore) Upload(ctx context.Context, runID string, data []byte, meta Metadata) error {
	if int64(len(data)) != meta.SizeBytes {
		return fmt.Errorf("objectstorage: upload: declared size %d does not match payload %d", meta.SizeBytes, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[runID] = append([]byte(nil), data...)
	s.meta[runID] = meta
	return nil
}

func (s *InMemoryStore) Metadata(ctx context.Context, runID string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[runID]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return &m, nil
}

var _ Store = (*InMemoryStore)(nil)
