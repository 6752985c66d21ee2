package analyzer

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/kinesis"
	"github.com/example/dispensary/internal/stream"
)

const (
	sourceS3      = "aws:s3"
	sourceKinesis = "aws:kinesis"
)

// LambdaHandler serves one function subscribed to both the upload bucket and
// the event stream.
type LambdaHandler struct {
	analyzer *Analyzer
	trigger  *Trigger
}

func NewLambdaHandler(analyzer *Analyzer, trigger *Trigger) *LambdaHandler {
	return &LambdaHandler{analyzer: analyzer, trigger: trigger}
}

// Handle routes on the eventSource of the first record. Kinesis invocations
// report partial batch failures. An S3 invocation with a notification that
// could be neither handled nor quarantined returns an error so the whole
// event is retried, and the deduper absorbs the repeats.
func (h *LambdaHandler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var probe struct {
		Records []struct {
			EventSource string `json:"eventSource"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperror.Validation("decode invocation: %v", err)
	}
	if len(probe.Records) == 0 {
		return nil, nil
	}

	switch source := probe.Records[0].EventSource; source {
	case sourceS3:
		var ev events.S3Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, apperror.Validation("decode s3 event: %v", err)
		}
		return nil, h.handleS3(ctx, ev)
	case sourceKinesis:
		var ev events.KinesisEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, apperror.Validation("decode kinesis event: %v", err)
		}
		batch := kinesis.DecodeKinesisEvent(ev)
		report := h.analyzer.HandleBatch(ctx, batch.Records)
		return events.KinesisEventResponse{BatchItemFailures: batch.Failures(report.Failed())}, nil
	default:
		return nil, apperror.Validation("unsupported event source %q", source)
	}
}

func (h *LambdaHandler) handleS3(ctx context.Context, ev events.S3Event) error {
	notifications := NotificationsFromS3Event(ev)
	records := make([]stream.Record, len(notifications))
	for i, n := range notifications {
		records[i] = UploadRecord(n)
	}
	report := h.trigger.HandleBatch(ctx, records)
	if failed := report.Failed(); len(failed) > 0 {
		log.WithField("failed", len(failed)).Warn("[Analyzer] Upload notifications failed")
		return apperror.Transient(nil, "%d of %d upload notifications failed", len(failed), len(records))
	}
	return nil
}
