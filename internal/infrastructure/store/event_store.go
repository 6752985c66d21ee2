package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore keeps every aggregate log in memory and exposes its own
// change feed. It backs tests and single-process runs.
type MemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateType#aggregateID -> events
	snapshots map[string]Snapshot
	changes   []Change
	nextID    int64
	now       func() time.Time
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "#" + aggregateID
}

func (es *MemoryEventStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []NewEvent) (int, error) {
	if err := ValidateAppend(aggregateType, aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	key := streamKey(aggregateType, aggregateID)
	current := len(es.events[key])
	if current != expectedVersion {
		return 0, conflict(aggregateType, aggregateID, expectedVersion, current)
	}

	committed := materialize(aggregateType, aggregateID, expectedVersion, events, es.now())
	es.events[key] = append(es.events[key], committed...)

	es.nextID++
	es.changes = append(es.changes, Change{
		ID:            es.nextID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Events:        committed,
	})
	return expectedVersion + len(committed), nil
}

func (es *MemoryEventStore) Load(ctx context.Context, aggregateType, aggregateID string) (History, error) {
	if err := ctx.Err(); err != nil {
		return History{}, err
	}
	es.mu.RLock()
	snap, ok := es.snapshots[streamKey(aggregateType, aggregateID)]
	es.mu.RUnlock()

	h := History{}
	after := 0
	if ok {
		h.Snapshot = &snap
		after = snap.Version
	}
	h.Events = es.ReadEvents(ctx, aggregateType, aggregateID, after)
	return h, nil
}

// ReadEvents copies the tail of the log at iteration time, so every range
// over the result sees the log as of that moment.
func (es *MemoryEventStore) ReadEvents(ctx context.Context, aggregateType, aggregateID string, afterSequence int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		es.mu.RLock()
		log := es.events[streamKey(aggregateType, aggregateID)]
		var tail []Event
		if afterSequence < len(log) {
			tail = make([]Event, len(log)-max(afterSequence, 0))
			copy(tail, log[max(afterSequence, 0):])
		}
		es.mu.RUnlock()

		for _, e := range tail {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (es *MemoryEventStore) Version(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.events[streamKey(aggregateType, aggregateID)]), nil
}

func (es *MemoryEventStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	key := streamKey(snapshot.AggregateType, snapshot.AggregateID)
	if existing, ok := es.snapshots[key]; ok && existing.Version >= snapshot.Version {
		return nil
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = es.now().UTC()
	}
	es.snapshots[key] = snapshot
	return nil
}

func (es *MemoryEventStore) PendingChanges(ctx context.Context, limit int) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	n := len(es.changes)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Change, n)
	copy(out, es.changes[:n])
	return out, nil
}

func (es *MemoryEventStore) AckChanges(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	kept := es.changes[:0]
	for _, c := range es.changes {
		if _, ok := acked[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	es.changes = kept
	return nil
}

// AllEvents returns every stored event ordered by aggregate and sequence.
func (es *MemoryEventStore) AllEvents() []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	keys := make([]string, 0, len(es.events))
	for k := range es.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var all []Event
	for _, k := range keys {
		all = append(all, es.events[k]...)
	}
	return all
}
