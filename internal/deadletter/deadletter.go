// Package deadletter holds records that exhausted their retry budget.
// Entries are only removed by an operator.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/example/dispensary/internal/stream"
)

// Entry is one quarantined record.
type Entry struct {
	Component      string        `json:"component"`
	OriginalRecord stream.Record `json:"originalRecord"`
	ErrorClass     string        `json:"errorClass"`
	Message        string        `json:"message"`
	AttemptCount   int           `json:"attemptCount"`
	FirstFailedAt  time.Time     `json:"firstFailedAt"`
}

// Key is unique per component and record; sinks store an entry at most once.
func (e Entry) Key() string {
	return e.Component + "|" + e.OriginalRecord.DedupKey()
}

// Sink receives entries. Send must be idempotent on Entry.Key.
type Sink interface {
	Send(ctx context.Context, entry Entry) error
}

// MemorySink is an in-process sink with the operator-facing List/Remove.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]struct{}

	// SendErr makes Send fail, for tests.
	SendErr error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{keys: make(map[string]struct{})}
}

func (s *MemorySink) Send(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if _, dup := s.keys[entry.Key()]; dup {
		return nil
	}
	s.keys[entry.Key()] = struct{}{}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySink) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Remove drops an entry after manual inspection or reprocessing.
func (s *MemorySink) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	for i, e := range s.entries {
		if e.Key() == key {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}
