package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/stream"
)

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Streams record of the
// event log table to a store.Event. Only INSERTs carry new events; other
// record kinds return nil.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}

	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage reads an event log item (store.DynamoEventItem layout)
// from DynamoDB Streams attribute values.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	var item store.DynamoEventItem
	str := func(name string) string {
		if v, ok := image[name]; ok && v.DataType() == events.DataTypeString {
			return v.String()
		}
		return ""
	}
	item.AggregateTypeAndID = str("AggregateTypeAndId")
	item.ID = str("Id")
	item.AggregateType = str("AggregateType")
	item.AggregateID = str("AggregateId")
	item.EventType = str("EventType")
	item.EventVersion = str("EventVersion")
	item.Payload = str("Payload")
	item.OccurredAt = str("OccurredAt")

	if v, ok := image["AggregateIdSequence"]; ok {
		seq, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse AggregateIdSequence: %w", err)
		}
		item.AggregateIDSequence = int(seq)
	}
	if v, ok := image["Metadata"]; ok && v.DataType() == events.DataTypeMap {
		item.Metadata = make(map[string]string, len(v.Map()))
		for k, mv := range v.Map() {
			if mv.DataType() == events.DataTypeString {
				item.Metadata[k] = mv.String()
			}
		}
	}
	if _, err := time.Parse(time.RFC3339Nano, item.OccurredAt); err != nil {
		return nil, fmt.Errorf("failed to parse OccurredAt: %w", err)
	}
	if !json.Valid([]byte(item.Payload)) {
		return nil, fmt.Errorf("payload of event %s is not valid JSON", item.ID)
	}

	if item.ID == "" || item.AggregateID == "" || item.EventType == "" || item.AggregateIDSequence < 1 {
		return nil, fmt.Errorf("missing required fields: Id=%s, AggregateId=%s, EventType=%s, AggregateIdSequence=%d",
			item.ID, item.AggregateID, item.EventType, item.AggregateIDSequence)
	}

	e := item.Event()
	return &e, nil
}

// Batch is a decoded Kinesis event. SequenceNumbers[i] is the Kinesis
// sequence number of Records[i].
type Batch struct {
	Records         []stream.Record
	SequenceNumbers []string
}

// DecodeKinesisEvent decodes the stream records of a Kinesis event. Records
// that fail to decode are kept in place as stream.Undecodable so they are
// quarantined instead of silently dropped.
func DecodeKinesisEvent(kinesisEvent events.KinesisEvent) Batch {
	b := Batch{
		Records:         make([]stream.Record, 0, len(kinesisEvent.Records)),
		SequenceNumbers: make([]string, 0, len(kinesisEvent.Records)),
	}
	for _, r := range kinesisEvent.Records {
		rec, err := stream.Decode(r.Kinesis.Data)
		if err != nil {
			rec = stream.Undecodable(r.Kinesis.PartitionKey, r.Kinesis.SequenceNumber, r.Kinesis.Data, err)
		}
		b.Records = append(b.Records, rec)
		b.SequenceNumbers = append(b.SequenceNumbers, r.Kinesis.SequenceNumber)
	}
	return b
}

// Failures maps failed record indices to Kinesis batch item failures.
func (b Batch) Failures(indices []int) []events.KinesisBatchItemFailure {
	var out []events.KinesisBatchItemFailure
	for _, i := range indices {
		out = append(out, events.KinesisBatchItemFailure{ItemIdentifier: b.SequenceNumbers[i]})
	}
	return out
}
