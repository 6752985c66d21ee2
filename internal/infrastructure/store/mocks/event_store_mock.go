package mocks

import (
	"context"
	"sync"

	"github.com/example/dispensary/internal/infrastructure/store"
)

// MockEventStore is an in-memory EventStore that records Append calls and
// lets tests inject failures.
type MockEventStore struct {
	*store.MemoryEventStore

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls []AppendCall
	LoadCalls   int

	// AppendErr fails every Append when set.
	AppendErr error
	// AppendCallback runs before the real Append; a non-nil error is returned
	// instead of appending. Tests use it to interleave a concurrent writer.
	AppendCallback func(ctx context.Context, call AppendCall) error
	// SnapshotErr fails every SaveSnapshot when set.
	SnapshotErr error
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateType   string
	AggregateID     string
	ExpectedVersion int
	Events          []store.NewEvent
}

// EventTypes lists the event types of the call in order.
func (c AppendCall) EventTypes() []string {
	out := make([]string, len(c.Events))
	for i, e := range c.Events {
		out[i] = e.EventType
	}
	return out
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{MemoryEventStore: store.NewMemoryEventStore()}
}

func (m *MockEventStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []store.NewEvent) (int, error) {
	call := AppendCall{
		AggregateType:   aggregateType,
		AggregateID:     aggregateID,
		ExpectedVersion: expectedVersion,
		Events:          events,
	}
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, call)
	appendErr, callback := m.AppendErr, m.AppendCallback
	m.mu.Unlock()

	if callback != nil {
		if err := callback(ctx, call); err != nil {
			return 0, err
		}
	}
	if appendErr != nil {
		return 0, appendErr
	}
	return m.MemoryEventStore.Append(ctx, aggregateType, aggregateID, expectedVersion, events)
}

func (m *MockEventStore) Load(ctx context.Context, aggregateType, aggregateID string) (store.History, error) {
	m.mu.Lock()
	m.LoadCalls++
	m.mu.Unlock()
	return m.MemoryEventStore.Load(ctx, aggregateType, aggregateID)
}

func (m *MockEventStore) SaveSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	m.mu.Lock()
	err := m.SnapshotErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryEventStore.SaveSnapshot(ctx, snapshot)
}

// Calls returns a copy of the recorded Append calls.
func (m *MockEventStore) Calls() []AppendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppendCall, len(m.AppendCalls))
	copy(out, m.AppendCalls)
	return out
}

// Reset clears recorded calls and injected failures.
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = nil
	m.LoadCalls = 0
	m.AppendErr = nil
	m.AppendCallback = nil
	m.SnapshotErr = nil
}
