package store

import (
	"context"
	"sync"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/readmodel"
)

// ViewStore persists dispense views.
type ViewStore interface {
	// Get returns an apperror.ErrNotFound error when the view does not exist.
	Get(ctx context.Context, id string) (*readmodel.DispenseView, error)
	// Upsert writes the view unless the stored one already reflects the same
	// or a later sequence.
	Upsert(ctx context.Context, view *readmodel.DispenseView) error
	// Replace writes the view unconditionally. Used by rebuilds.
	Replace(ctx context.Context, view *readmodel.DispenseView) error
}

// MemoryViewStore is an in-memory ViewStore.
type MemoryViewStore struct {
	mu    sync.RWMutex
	views map[string]*readmodel.DispenseView
}

func NewMemoryViewStore() *MemoryViewStore {
	return &MemoryViewStore{views: make(map[string]*readmodel.DispenseView)}
}

func (s *MemoryViewStore) Get(ctx context.Context, id string) (*readmodel.DispenseView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[id]
	if !ok {
		return nil, apperror.NotFound("dispense view %s", id)
	}
	return v.Clone(), nil
}

func (s *MemoryViewStore) Upsert(ctx context.Context, view *readmodel.DispenseView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.views[view.ID]; ok && cur.LastSequence >= view.LastSequence {
		return nil
	}
	s.views[view.ID] = view.Clone()
	return nil
}

func (s *MemoryViewStore) Replace(ctx context.Context, view *readmodel.DispenseView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.ID] = view.Clone()
	return nil
}

// Len reports how many views are stored.
func (s *MemoryViewStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}
