package store

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/example/dispensary/internal/stream"
)

// DefaultEventVersion is the payload schema version stamped on events that
// do not carry one.
const DefaultEventVersion = "1.0"

// Event is one immutable fact in an aggregate's log.
type Event struct {
	ID            string            `json:"id"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Sequence      int               `json:"sequence"`
	EventType     string            `json:"event_type"`
	EventVersion  string            `json:"event_version"`
	Payload       json.RawMessage   `json:"payload"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Record maps the event to its stream record, partitioned by aggregate id.
func (e Event) Record() stream.Record {
	return stream.Record{
		PartitionKey:  e.AggregateID,
		AggregateType: e.AggregateType,
		Sequence:      e.Sequence,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		Payload:       e.Payload,
		OccurredAt:    e.OccurredAt,
		Metadata:      e.Metadata,
	}
}

// NewEvent is an event that has not been assigned a sequence yet.
type NewEvent struct {
	EventType    string
	EventVersion string
	Payload      json.RawMessage
	Metadata     map[string]string
	OccurredAt   time.Time
}

// History is what Load returns: the latest snapshot, if any, plus the events
// committed after it. Events is lazy and may be ranged over more than once.
type History struct {
	Snapshot *Snapshot
	Events   iter.Seq2[Event, error]
}

// EventStore is the append-only, per-aggregate log.
type EventStore interface {
	// Append commits events at expectedVersion+1..expectedVersion+len(events)
	// and returns the new version. It fails with a concurrency conflict when
	// the stored version differs from expectedVersion and writes nothing.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []NewEvent) (int, error)
	Load(ctx context.Context, aggregateType, aggregateID string) (History, error)
	ReadEvents(ctx context.Context, aggregateType, aggregateID string, afterSequence int) iter.Seq2[Event, error]
	Version(ctx context.Context, aggregateType, aggregateID string) (int, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// Change groups the events committed by a single Append.
type Change struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Events        []Event
}

// ChangeFeed exposes committed-but-unpublished changes in commit order.
// A change stays pending until acknowledged.
type ChangeFeed interface {
	PendingChanges(ctx context.Context, limit int) ([]Change, error)
	AckChanges(ctx context.Context, ids []int64) error
}
