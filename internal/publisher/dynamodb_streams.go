package publisher

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/kinesis"
	"github.com/example/dispensary/internal/stream"
)

// StreamHandler publishes the INSERT records of the event log table's
// DynamoDB stream. It is the change feed runtime for the DynamoDB store.
type StreamHandler struct {
	publisher *Publisher
}

func NewStreamHandler(publisher *Publisher) *StreamHandler {
	return &StreamHandler{publisher: publisher}
}

// Handle reports the first unresolved record as a batch item failure, so
// the stream resumes from it. An undecodable image is dead-lettered at its
// position once the records before it are published; it only blocks the
// shard when the dead-letter sink is unavailable.
func (h *StreamHandler) Handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var (
		records []stream.Record
		sources []string
		total   Result
	)
	flush := func() (string, bool) {
		if len(records) == 0 {
			return "", true
		}
		res, err := h.publisher.Publish(ctx, records)
		total.Published += res.Published
		total.DeadLettered += res.DeadLettered
		if err != nil {
			return sources[res.Resolved], false
		}
		records, sources = nil, nil
		return "", true
	}

	for _, r := range event.Records {
		e, err := kinesis.ConvertFromDynamoDBStreamRecord(r)
		if err != nil {
			if failed, ok := flush(); !ok {
				return failure(failed), nil
			}
			if dlErr := h.deadLetterImage(ctx, r, err); dlErr != nil {
				return failure(r.Change.SequenceNumber), nil
			}
			total.DeadLettered++
			continue
		}
		if e == nil {
			continue
		}
		records = append(records, e.Record())
		sources = append(sources, r.Change.SequenceNumber)
	}
	if failed, ok := flush(); !ok {
		return failure(failed), nil
	}

	log.WithFields(log.Fields{
		"records":       len(event.Records),
		"published":     total.Published,
		"dead_lettered": total.DeadLettered,
	}).Info("[Publisher] Stream batch published")
	return events.DynamoDBEventResponse{}, nil
}

func (h *StreamHandler) deadLetterImage(ctx context.Context, r events.DynamoDBEventRecord, cause error) error {
	log.WithFields(log.Fields{
		"event_id": r.EventID,
		"position": r.Change.SequenceNumber,
	}).WithError(cause).Error("[Publisher] Failed to decode stream image")

	raw, _ := json.Marshal(r.Change.NewImage)
	partitionKey := ""
	if v, ok := r.Change.NewImage["AggregateId"]; ok && v.DataType() == events.DataTypeString {
		partitionKey = v.String()
	}
	rec := stream.Undecodable(partitionKey, r.Change.SequenceNumber, raw, cause)
	return h.publisher.runner.DeadLetter(ctx, rec, apperror.Validation("decode stream image: %v", cause), 1)
}

func failure(sequenceNumber string) events.DynamoDBEventResponse {
	return events.DynamoDBEventResponse{
		BatchItemFailures: []events.DynamoDBBatchItemFailure{{ItemIdentifier: sequenceNumber}},
	}
}
