package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchHandler processes a batch and reports which records to redeliver.
type BatchHandler func(ctx context.Context, records []stream.Record) pipeline.Report

// Decoder turns a Kafka message into a stream record.
type Decoder func(msg kafka.Message) (stream.Record, error)

func decodeRecord(msg kafka.Message) (stream.Record, error) {
	return stream.Decode(msg.Value)
}

// Consumer reads batches from a consumer group. Failed records are carried
// into the next batch and offsets are only committed up to the first record
// of each partition that is still outstanding.
type Consumer struct {
	reader     MessageReader
	batchSize  int
	maxWait    time.Duration
	retryDelay time.Duration
	decode     Decoder

	inflight map[int]*partitionState
}

type partitionState struct {
	msgs []kafka.Message
	done map[int64]bool
}

func NewConsumer(brokers []string, topic, groupID string, batchSize int) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader, batchSize)
}

func NewConsumerWithReader(reader MessageReader, batchSize int) *Consumer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Consumer{
		reader:     reader,
		batchSize:  batchSize,
		maxWait:    200 * time.Millisecond,
		retryDelay: time.Second,
		decode:     decodeRecord,
		inflight:   make(map[int]*partitionState),
	}
}

// WithDecoder replaces the stream record decoder, for topics that carry
// other message shapes.
func (c *Consumer) WithDecoder(d Decoder) *Consumer {
	c.decode = d
	return c
}

// WithRetryDelay sets the pause before a batch with carried-over records.
func (c *Consumer) WithRetryDelay(d time.Duration) *Consumer {
	c.retryDelay = d
	return c
}

// Consume runs until ctx is cancelled or the reader fails.
func (c *Consumer) Consume(ctx context.Context, handle BatchHandler) error {
	var carry []kafka.Message
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := c.fill(ctx, carry)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		carry = c.process(ctx, batch, handle)
		if len(carry) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// fill tops carry up to batchSize. It blocks for the first message only when
// there is nothing to retry.
func (c *Consumer) fill(ctx context.Context, carry []kafka.Message) ([]kafka.Message, error) {
	batch := carry
	if len(batch) == 0 {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}
		c.track(msg)
		batch = append(batch, msg)
	}
	for len(batch) < c.batchSize {
		waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
		msg, err := c.reader.FetchMessage(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return nil, err
		}
		c.track(msg)
		batch = append(batch, msg)
	}
	return batch, nil
}

func (c *Consumer) track(msg kafka.Message) {
	st, ok := c.inflight[msg.Partition]
	if !ok {
		st = &partitionState{done: make(map[int64]bool)}
		c.inflight[msg.Partition] = st
	}
	st.msgs = append(st.msgs, msg)
}

// process handles one batch, commits what is settled and returns the
// messages to carry over.
func (c *Consumer) process(ctx context.Context, batch []kafka.Message, handle BatchHandler) []kafka.Message {
	records := make([]stream.Record, len(batch))
	for i, msg := range batch {
		rec, err := c.decode(msg)
		if err != nil {
			rec = stream.Undecodable(string(msg.Key), positionOf(msg), msg.Value, err)
		}
		records[i] = rec
	}

	report := handle(ctx, records)
	failed := make(map[int]bool)
	for _, i := range report.Failed() {
		failed[i] = true
	}

	var carry []kafka.Message
	for i, msg := range batch {
		if failed[i] {
			carry = append(carry, msg)
			continue
		}
		c.inflight[msg.Partition].done[msg.Offset] = true
	}

	if commits := c.settled(); len(commits) > 0 {
		if err := c.reader.CommitMessages(ctx, commits...); err != nil {
			log.WithError(err).Warn("[Kafka] Commit failed; settled messages may be redelivered")
		}
	}
	return carry
}

// settled pops the done prefix of every partition and returns the last
// popped message per partition.
func (c *Consumer) settled() []kafka.Message {
	var commits []kafka.Message
	for _, st := range c.inflight {
		n := 0
		for n < len(st.msgs) && st.done[st.msgs[n].Offset] {
			delete(st.done, st.msgs[n].Offset)
			n++
		}
		if n == 0 {
			continue
		}
		commits = append(commits, st.msgs[n-1])
		st.msgs = st.msgs[n:]
	}
	return commits
}

func positionOf(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
