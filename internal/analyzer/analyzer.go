// Package analyzer turns prescription uploads into analysis results on the
// dispense aggregate.
package analyzer

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

const Component = "analyzer"

// maxAppendAttempts bounds reload-and-retry after a concurrency conflict.
const maxAppendAttempts = 3

// Analyzer handles PrescriptionUploaded records one at a time.
type Analyzer struct {
	service       *dispense.Service
	objects       ObjectStore
	content       ContentAnalyzer
	runner        *pipeline.Runner
	defaultBucket string
}

func New(service *dispense.Service, objects ObjectStore, content ContentAnalyzer, runner *pipeline.Runner, defaultBucket string) *Analyzer {
	return &Analyzer{
		service:       service,
		objects:       objects,
		content:       content,
		runner:        runner,
		defaultBucket: defaultBucket,
	}
}

// HandleBatch processes records through the runner. Callers deliver one
// record per batch so a slow analysis never delays another dispense.
func (a *Analyzer) HandleBatch(ctx context.Context, records []stream.Record) pipeline.Report {
	return a.runner.Process(ctx, records, a.HandleRecord)
}

func (a *Analyzer) HandleRecord(ctx context.Context, rec stream.Record) error {
	if rec.AggregateType != dispense.AggregateType || rec.EventType != dispense.EventPrescriptionUploaded {
		return nil
	}
	payload, err := dispense.DecodePayload(rec.EventType, rec.EventVersion, rec.Payload)
	if err != nil {
		return err
	}
	upload := payload.(*dispense.PrescriptionUploaded)

	logger := log.WithFields(log.Fields{
		"dispense_id":     rec.PartitionKey,
		"upload_sequence": rec.Sequence,
		"key":             upload.Key,
	})

	d, err := a.service.Get(ctx, rec.PartitionKey)
	if err != nil {
		return err
	}
	if reason := skipReason(d, rec.Sequence); reason != "" {
		logger.WithField("reason", reason).Info("[Analyzer] Skipping upload")
		return nil
	}

	bucket := upload.Bucket
	if bucket == "" {
		bucket = a.defaultBucket
	}
	obj, err := a.objects.Get(ctx, bucket, upload.Key)
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	result, err := a.content.Analyze(ctx, obj)
	if err != nil {
		return err
	}
	return a.record(ctx, rec, result, logger)
}

func skipReason(d *dispense.Dispense, uploadSeq int) string {
	switch {
	case d.Analyzed(uploadSeq):
		return "already analyzed"
	case d.Status == dispense.StatusCancelled:
		return "dispense cancelled"
	case d.UploadedSeq != uploadSeq:
		return "superseded by a later upload"
	case d.Status != dispense.StatusAnalyzing:
		return "dispense is " + string(d.Status)
	}
	return ""
}

// record appends the result, reloading the dispense after each conflict.
func (a *Analyzer) record(ctx context.Context, rec stream.Record, result dispense.AnalysisResult, logger *log.Entry) error {
	var err error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		var d *dispense.Dispense
		d, err = a.service.RecordAnalysis(ctx, rec.PartitionKey, rec.Sequence, result)
		switch {
		case err == nil:
			logger.WithFields(log.Fields{
				"version": d.Version,
				"sha256":  result.SHA256,
			}).Info("[Analyzer] Prescription analyzed")
			return nil
		case errors.Is(err, apperror.ErrConcurrencyConflict):
			logger.WithField("attempt", attempt).Debug("[Analyzer] Conflict recording analysis, reloading")
		case errors.Is(err, apperror.ErrInvalidTransition):
			logger.WithError(err).Info("[Analyzer] Dispense moved on; analysis dropped")
			return nil
		default:
			return err
		}
	}
	return err
}
