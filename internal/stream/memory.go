package stream

import (
	"context"
	"sync"
)

// MemoryStream keeps one append-only log per partition.
type MemoryStream struct {
	mu         sync.RWMutex
	partitions map[string][]Record
	order      []Record

	// FailOn lets tests inject delivery failures. A non-nil error for any
	// record fails the whole Put before anything is written.
	FailOn func(Record) error
	Puts   int
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{partitions: make(map[string][]Record)}
}

func (s *MemoryStream) Put(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Puts++

	if s.FailOn != nil {
		for _, r := range records {
			if err := s.FailOn(r); err != nil {
				return err
			}
		}
	}
	for _, r := range records {
		s.partitions[r.PartitionKey] = append(s.partitions[r.PartitionKey], r)
		s.order = append(s.order, r)
	}
	return nil
}

// Partition returns the records delivered for one partition key.
func (s *MemoryStream) Partition(key string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.partitions[key]))
	copy(out, s.partitions[key])
	return out
}

// All returns every delivered record in arrival order.
func (s *MemoryStream) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.order))
	copy(out, s.order)
	return out
}
