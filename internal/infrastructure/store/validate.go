package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/example/dispensary/internal/apperror"
	"github.com/google/uuid"
)

// ValidateAppend rejects malformed input before anything is written.
func ValidateAppend(aggregateType, aggregateID string, expectedVersion int, events []NewEvent) error {
	if aggregateType == "" {
		return apperror.Validation("aggregate type is required")
	}
	if aggregateID == "" {
		return apperror.Validation("aggregate id is required")
	}
	if expectedVersion < 0 {
		return apperror.Validation("expected version must not be negative, got %d", expectedVersion)
	}
	if len(events) == 0 {
		return apperror.Validation("at least one event is required")
	}
	for i, e := range events {
		if e.EventType == "" {
			return apperror.Validation("event %d: event type is required", i)
		}
		if !isJSONObject(e.Payload) {
			return apperror.Validation("event %d (%s): payload must be a JSON object", i, e.EventType)
		}
		if _, err := json.Marshal(e.Metadata); err != nil {
			return apperror.Validation("event %d (%s): metadata: %v", i, e.EventType, err)
		}
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// materialize assigns ids and sequences to a validated batch.
func materialize(aggregateType, aggregateID string, expectedVersion int, events []NewEvent, now time.Time) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		version := e.EventVersion
		if version == "" {
			version = DefaultEventVersion
		}
		occurred := e.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		out[i] = Event{
			ID:            uuid.New().String(),
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Sequence:      expectedVersion + i + 1,
			EventType:     e.EventType,
			EventVersion:  version,
			Payload:       append(json.RawMessage(nil), bytes.TrimSpace(e.Payload)...),
			OccurredAt:    occurred.UTC(),
			Metadata:      copyMetadata(e.Metadata),
		}
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func conflict(aggregateType, aggregateID string, expected, actual int) error {
	return apperror.ConcurrencyConflict("%s %s: expected version %d, stored version %d",
		aggregateType, aggregateID, expected, actual)
}

func raced(aggregateType, aggregateID string, sequence int) error {
	return apperror.ConcurrencyConflict("%s %s: sequence %d was committed by a concurrent writer",
		aggregateType, aggregateID, sequence)
}
