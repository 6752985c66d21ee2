// Package stream defines the partitioned, ordered transport between the
// change-capture publisher and the projection engines.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is the wire shape of one committed event on the stream.
// Ordering is only guaranteed between records sharing a PartitionKey.
type Record struct {
	PartitionKey  string            `json:"partitionKey"`
	AggregateType string            `json:"aggregateType"`
	Sequence      int               `json:"sequence"`
	EventType     string            `json:"eventType"`
	EventVersion  string            `json:"eventVersion,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Metadata keys set on records that could not be decoded from the transport.
const (
	MetadataDecodeError = "decode_error"
	MetadataPosition    = "position"
)

// DedupKey identifies the record across redeliveries.
func (r Record) DedupKey() string {
	if pos := r.Metadata[MetadataPosition]; r.Sequence == 0 && pos != "" {
		return fmt.Sprintf("undecodable/%s/%s", r.PartitionKey, pos)
	}
	return fmt.Sprintf("%s/%s/%d", r.AggregateType, r.PartitionKey, r.Sequence)
}

// Undecodable wraps transport data that Decode rejected, so it can travel
// through a batch and be quarantined like any other record. position is the
// transport's identifier for the message, such as a Kinesis sequence number.
func Undecodable(partitionKey, position string, data []byte, err error) Record {
	raw, _ := json.Marshal(string(data))
	return Record{
		PartitionKey: partitionKey,
		Payload:      raw,
		Metadata: map[string]string{
			MetadataDecodeError: err.Error(),
			MetadataPosition:    position,
		},
	}
}

// DecodeFailure returns the decode error carried by an Undecodable record.
func (r Record) DecodeFailure() (string, bool) {
	msg, ok := r.Metadata[MetadataDecodeError]
	return msg, ok && r.Sequence == 0
}

func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a record and checks the fields every consumer relies on.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode stream record: %w", err)
	}
	if r.PartitionKey == "" || r.EventType == "" || r.Sequence < 1 {
		return Record{}, fmt.Errorf("stream record missing required fields: partitionKey=%q eventType=%q sequence=%d",
			r.PartitionKey, r.EventType, r.Sequence)
	}
	return r, nil
}

// Stream accepts records for delivery. Put either stores every record or
// returns an error; records written before the error may be redelivered.
type Stream interface {
	Put(ctx context.Context, records []Record) error
}

// GroupByPartition splits records by partition key, preserving the relative
// order inside each partition and the order in which partitions first appear.
func GroupByPartition(records []Record) (keys []string, groups map[string][]int) {
	groups = make(map[string][]int)
	for i, r := range records {
		if _, ok := groups[r.PartitionKey]; !ok {
			keys = append(keys, r.PartitionKey)
		}
		groups[r.PartitionKey] = append(groups[r.PartitionKey], i)
	}
	return keys, groups
}
