package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/stream"
)

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes stream records. The hash balancer sends every record of
// a partition key to the same Kafka partition, which keeps their order.
type Producer struct {
	writer MessageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
	}
	return &Producer{writer: writer}
}

func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// Put writes all records in a single call. Kafka-go may have written a
// prefix when it fails; consumers drop duplicates.
func (p *Producer) Put(ctx context.Context, records []stream.Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		data, err := r.Marshal()
		if err != nil {
			return apperror.Permanent(err, "marshal record %s", r.DedupKey())
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.PartitionKey),
			Value: data,
			Time:  r.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(r.EventType)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return apperror.Transient(err, "write %d messages", len(msgs))
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DeadLetterSink writes dead-letter entries to a topic keyed by entry key.
// With a compacted topic a re-sent entry replaces the earlier copy, which
// makes Send idempotent from the reader's point of view.
type DeadLetterSink struct {
	writer MessageWriter
}

func NewDeadLetterSink(brokers []string, topic string) *DeadLetterSink {
	return &DeadLetterSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func NewDeadLetterSinkWithWriter(w MessageWriter) *DeadLetterSink {
	return &DeadLetterSink{writer: w}
}

func (s *DeadLetterSink) Send(ctx context.Context, entry deadletter.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperror.Permanent(err, "marshal dead letter %s", entry.Key())
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.Key()),
		Value: data,
		Time:  entry.FirstFailedAt,
	}); err != nil {
		return apperror.Transient(err, "write dead letter %s", entry.Key())
	}
	return nil
}

func (s *DeadLetterSink) Close() error {
	return s.writer.Close()
}
