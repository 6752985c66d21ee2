package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetVersion() int
	SetVersion(int)
	ApplyEvent(store.Event) error
}

// LoadAggregate rebuilds an aggregate from its latest snapshot plus the events
// after it. The bool reports whether any history was found.
// A snapshot that cannot be decoded is ignored and the full log is replayed.
func LoadAggregate[T Aggregate](
	ctx context.Context,
	eventStore store.EventStore,
	aggregateType, id string,
	newAggregate func() T,
) (T, bool, error) {
	var zero T

	history, err := eventStore.Load(ctx, aggregateType, id)
	if err != nil {
		return zero, false, fmt.Errorf("failed to load %s %s: %w", aggregateType, id, err)
	}

	agg := newAggregate()
	found := false
	events := history.Events
	if history.Snapshot != nil {
		if err := json.Unmarshal(history.Snapshot.State, agg); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"aggregate_type": aggregateType,
				"aggregate_id":   id,
				"version":        history.Snapshot.Version,
			}).Warn("[Aggregate] Unreadable snapshot, replaying full history")
			agg = newAggregate()
			events = eventStore.ReadEvents(ctx, aggregateType, id, 0)
		} else {
			agg.SetVersion(history.Snapshot.Version)
			found = true
		}
	}

	for event, err := range events {
		if err != nil {
			return zero, false, fmt.Errorf("failed to read events of %s %s: %w", aggregateType, id, err)
		}
		if event.Sequence != agg.GetVersion()+1 {
			return zero, false, apperror.Permanent(nil, "%s %s: expected sequence %d, got %d",
				aggregateType, id, agg.GetVersion()+1, event.Sequence)
		}
		if err := agg.ApplyEvent(event); err != nil {
			return zero, false, fmt.Errorf("failed to apply event %d: %w", event.Sequence, err)
		}
		agg.SetVersion(event.Sequence)
		found = true
	}

	return agg, found, nil
}

// MaybeCreateSnapshot saves a snapshot when the version is a multiple of every.
func MaybeCreateSnapshot(
	ctx context.Context,
	eventStore store.EventStore,
	agg Aggregate,
	aggregateType string,
	every int,
) error {
	version := agg.GetVersion()
	if every <= 0 || version == 0 || version%every != 0 {
		return nil
	}
	state, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate state: %w", err)
	}
	snapshot := store.Snapshot{
		AggregateType: aggregateType,
		AggregateID:   agg.GetID(),
		Version:       version,
		State:         state,
		CreatedAt:     time.Now(),
	}
	if err := eventStore.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
