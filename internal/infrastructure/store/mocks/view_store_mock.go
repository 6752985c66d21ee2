package mocks

import (
	"context"
	"sync"

	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/readmodel"
)

// MockViewStore wraps the memory view store with call recording and
// per-view failure injection.
type MockViewStore struct {
	*store.MemoryViewStore

	mu sync.Mutex

	// For tracking calls in tests
	UpsertCalls []*readmodel.DispenseView

	// UpsertErr, when set, decides the error returned for a given view.
	UpsertErr func(view *readmodel.DispenseView) error
}

func NewMockViewStore() *MockViewStore {
	return &MockViewStore{MemoryViewStore: store.NewMemoryViewStore()}
}

func (m *MockViewStore) Upsert(ctx context.Context, view *readmodel.DispenseView) error {
	m.mu.Lock()
	m.UpsertCalls = append(m.UpsertCalls, view.Clone())
	fail := m.UpsertErr
	m.mu.Unlock()

	if fail != nil {
		if err := fail(view); err != nil {
			return err
		}
	}
	return m.MemoryViewStore.Upsert(ctx, view)
}

// Upserts returns how many Upsert calls were made.
func (m *MockViewStore) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UpsertCalls)
}
