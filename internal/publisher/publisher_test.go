package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

func newTestPublisher(s stream.Stream, sink deadletter.Sink) *Publisher {
	runner := pipeline.NewRunner(Component, pipeline.Policy{MaxAttempts: 3}, sink, nil)
	runner.Sleep = func(context.Context, time.Duration) error { return nil }
	return New(s, runner)
}

func records(key string, n int) []stream.Record {
	out := make([]stream.Record, n)
	for i := range out {
		out[i] = stream.Record{PartitionKey: key, AggregateType: "Dispense", Sequence: i + 1, EventType: "Dispense:Started"}
	}
	return out
}

func TestPublish_DeliversInOrder(t *testing.T) {
	s := stream.NewMemoryStream()
	p := newTestPublisher(s, deadletter.NewMemorySink())

	res, err := p.Publish(context.Background(), records("d1", 4))

	require.NoError(t, err)
	assert.Equal(t, Result{Published: 4, Resolved: 4}, res)
	assert.Equal(t, 1, s.Puts)
	var seqs []int
	for _, r := range s.Partition("d1") {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, seqs)
}

func TestPublish_BisectsAroundPoisonRecord(t *testing.T) {
	s := stream.NewMemoryStream()
	s.FailOn = func(r stream.Record) error {
		if r.Sequence == 3 {
			return apperror.Transient(nil, "record too large")
		}
		return nil
	}
	sink := deadletter.NewMemorySink()
	p := newTestPublisher(s, sink)

	res, err := p.Publish(context.Background(), records("d1", 4))

	require.NoError(t, err)
	assert.Equal(t, Result{Published: 3, DeadLettered: 1, Resolved: 4}, res)
	var seqs []int
	for _, r := range s.Partition("d1") {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []int{1, 2, 4}, seqs, "left half goes first and order is kept")

	entries := sink.List()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].OriginalRecord.Sequence)
	assert.Equal(t, Component, entries[0].Component)
	assert.Equal(t, 3, entries[0].AttemptCount)
}

func TestPublish_SinkFailureStopsAtUnresolvedRecord(t *testing.T) {
	s := stream.NewMemoryStream()
	s.FailOn = func(r stream.Record) error {
		if r.Sequence == 2 {
			return errors.New("boom")
		}
		return nil
	}
	sink := deadletter.NewMemorySink()
	sink.SendErr = errors.New("sink down")
	p := newTestPublisher(s, sink)

	res, err := p.Publish(context.Background(), records("d1", 4))

	require.Error(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Len(t, s.All(), 1, "nothing after the stuck record is published")
}

func appendEvents(t *testing.T, es store.EventStore, id string, expected, n int) {
	t.Helper()
	events := make([]store.NewEvent, n)
	for i := range events {
		events[i] = store.NewEvent{EventType: "Dispense:PatientAdded", Payload: json.RawMessage(`{}`)}
	}
	_, err := es.Append(context.Background(), "Dispense", id, expected, events)
	require.NoError(t, err)
}

func TestRelay_PublishesAndAcks(t *testing.T) {
	es := store.NewMemoryEventStore()
	appendEvents(t, es, "d1", 0, 2)
	appendEvents(t, es, "d2", 0, 1)
	appendEvents(t, es, "d1", 2, 1)
	s := stream.NewMemoryStream()
	relay := NewRelay(es, newTestPublisher(s, deadletter.NewMemorySink()), 10, time.Millisecond)

	n, err := relay.PublishPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, s.Partition("d1"), 3)
	assert.Len(t, s.Partition("d2"), 1)
	pending, err := es.PendingChanges(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelay_LeavesUnresolvedChangesPending(t *testing.T) {
	es := store.NewMemoryEventStore()
	appendEvents(t, es, "d1", 0, 1)
	appendEvents(t, es, "d2", 0, 1)
	s := stream.NewMemoryStream()
	s.FailOn = func(r stream.Record) error {
		if r.PartitionKey == "d2" {
			return errors.New("throttled")
		}
		return nil
	}
	sink := deadletter.NewMemorySink()
	sink.SendErr = errors.New("sink down")
	relay := NewRelay(es, newTestPublisher(s, sink), 10, time.Millisecond)

	n, err := relay.PublishPending(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, n)
	pending, err := es.PendingChanges(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d2", pending[0].AggregateID)

	// redelivered once the stream recovers
	s.FailOn = nil
	n, err = relay.PublishPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Partition("d2"), 1)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	es := store.NewMemoryEventStore()
	appendEvents(t, es, "d1", 0, 1)
	s := stream.NewMemoryStream()
	relay := NewRelay(es, newTestPublisher(s, deadletter.NewMemorySink()), 10, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := relay.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, s.All(), 1)
}

func streamRecord(seqNo string, seq int) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change: events.DynamoDBStreamRecord{
			SequenceNumber: seqNo,
			NewImage: map[string]events.DynamoDBAttributeValue{
				"AggregateTypeAndId":  events.NewStringAttribute("Dispense#d1"),
				"AggregateIdSequence": events.NewNumberAttribute(string(rune('0' + seq))),
				"Id":                  events.NewStringAttribute("e" + seqNo),
				"AggregateType":       events.NewStringAttribute("Dispense"),
				"AggregateId":         events.NewStringAttribute("d1"),
				"EventType":           events.NewStringAttribute("Dispense:Started"),
				"EventVersion":        events.NewStringAttribute("1.0"),
				"Payload":             events.NewStringAttribute(`{}`),
				"OccurredAt":          events.NewStringAttribute("2024-01-15T10:30:00Z"),
			},
		},
	}
}

func TestStreamHandler_PublishesInserts(t *testing.T) {
	s := stream.NewMemoryStream()
	h := NewStreamHandler(newTestPublisher(s, deadletter.NewMemorySink()))

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		streamRecord("100", 1),
		{EventName: "MODIFY"},
		streamRecord("101", 2),
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	require.Len(t, s.Partition("d1"), 2)
	assert.Equal(t, 2, s.Partition("d1")[1].Sequence)
}

func TestStreamHandler_ReportsFirstUnresolvedRecord(t *testing.T) {
	s := stream.NewMemoryStream()
	s.FailOn = func(r stream.Record) error {
		if r.Sequence == 2 {
			return errors.New("throttled")
		}
		return nil
	}
	sink := deadletter.NewMemorySink()
	sink.SendErr = errors.New("sink down")
	h := NewStreamHandler(newTestPublisher(s, sink))

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		streamRecord("100", 1),
		streamRecord("101", 2),
		streamRecord("102", 3),
	}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "101", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestStreamHandler_BadImageIsDeadLettered(t *testing.T) {
	s := stream.NewMemoryStream()
	sink := deadletter.NewMemorySink()
	h := NewStreamHandler(newTestPublisher(s, sink))
	bad := streamRecord("101", 2)
	bad.Change.NewImage["OccurredAt"] = events.NewStringAttribute("not a time")

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		streamRecord("100", 1),
		bad,
		streamRecord("102", 3),
	}})

	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	var seqs []int
	for _, r := range s.Partition("d1") {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []int{1, 3}, seqs)

	entries := sink.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "validation", entries[0].ErrorClass)
	assert.Equal(t, "undecodable/d1/101", entries[0].OriginalRecord.DedupKey())
}

func TestStreamHandler_BadImageBlocksWhenSinkFails(t *testing.T) {
	s := stream.NewMemoryStream()
	sink := deadletter.NewMemorySink()
	sink.SendErr = errors.New("sink down")
	h := NewStreamHandler(newTestPublisher(s, sink))
	bad := streamRecord("101", 2)
	bad.Change.NewImage["OccurredAt"] = events.NewStringAttribute("not a time")

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		streamRecord("100", 1),
		bad,
		streamRecord("102", 3),
	}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "101", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Len(t, s.All(), 1)
}
