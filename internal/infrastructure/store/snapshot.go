package store

import (
	"encoding/json"
	"time"

	"github.com/example/dispensary/internal/apperror"
)

// DefaultSnapshotEvery is how many versions pass between snapshots.
const DefaultSnapshotEvery = 5

// Snapshot represents a point-in-time state of an aggregate.
// A higher Version supersedes a lower one.
type Snapshot struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int             `json:"version"` // last sequence folded into State
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

func validateSnapshot(s Snapshot) error {
	if s.AggregateType == "" || s.AggregateID == "" {
		return apperror.Validation("snapshot aggregate type and id are required")
	}
	if s.Version < 1 {
		return apperror.Validation("snapshot version must be positive, got %d", s.Version)
	}
	if !json.Valid(s.State) {
		return apperror.Validation("snapshot state must be valid JSON")
	}
	return nil
}
