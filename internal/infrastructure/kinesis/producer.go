package kinesis

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/stream"
)

// API is the part of the Kinesis client the producer uses.
type API interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// Producer writes stream records to a Kinesis data stream. Records sharing a
// partition key are chained with SequenceNumberForOrdering so Kinesis keeps
// their order even if a retried put lands late.
type Producer struct {
	client     API
	streamName string
}

func NewProducer(client API, streamName string) *Producer {
	return &Producer{client: client, streamName: streamName}
}

// Put writes records one at a time, in order. A failure leaves the earlier
// records written; consumers drop the duplicates on redelivery.
func (p *Producer) Put(ctx context.Context, records []stream.Record) error {
	last := make(map[string]string)
	for _, r := range records {
		data, err := r.Marshal()
		if err != nil {
			return apperror.Permanent(err, "marshal record %s", r.DedupKey())
		}
		in := &kinesis.PutRecordInput{
			StreamName:   aws.String(p.streamName),
			PartitionKey: aws.String(r.PartitionKey),
			Data:         data,
		}
		if seq, ok := last[r.PartitionKey]; ok {
			in.SequenceNumberForOrdering = aws.String(seq)
		}
		out, err := p.client.PutRecord(ctx, in)
		if err != nil {
			return apperror.Transient(err, "put record %s", r.DedupKey())
		}
		if out != nil && out.SequenceNumber != nil {
			last[r.PartitionKey] = *out.SequenceNumber
		}
	}
	return nil
}

func (p *Producer) String() string {
	return fmt.Sprintf("kinesis:%s", p.streamName)
}
