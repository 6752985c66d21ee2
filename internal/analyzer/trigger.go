package analyzer

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

const (
	TriggerComponent = "upload-trigger"

	UploadAggregateType = "Upload"
	EventObjectCreated  = "Upload:ObjectCreated"

	releaseTimeout = 5 * time.Second
)

// Notification is an object-created notification.
type Notification struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Trigger turns upload notifications into UploadPrescription commands, once
// per object.
type Trigger struct {
	service  *dispense.Service
	deduper  Deduper
	runner   *pipeline.Runner
	prefix   string
	suffixes []string
}

func NewTrigger(service *dispense.Service, deduper Deduper, runner *pipeline.Runner, prefix string, suffixes []string) *Trigger {
	lower := make([]string, len(suffixes))
	for i, s := range suffixes {
		lower[i] = strings.ToLower(s)
	}
	return &Trigger{service: service, deduper: deduper, runner: runner, prefix: prefix, suffixes: lower}
}

// Accepts reports whether key is a prescription artifact.
func (t *Trigger) Accepts(key string) bool {
	if !strings.HasPrefix(key, t.prefix) {
		return false
	}
	lower := strings.ToLower(key)
	for _, s := range t.suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// ParseKey splits prefix/{dispenseId}/{prescriptionId}.{ext}.
func ParseKey(prefix, key string) (dispenseID, prescriptionID string, err error) {
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperror.Validation("key %q does not match %s{dispenseId}/{prescriptionId}.{ext}", key, prefix)
	}
	name := parts[1]
	prescriptionID = strings.TrimSuffix(name, path.Ext(name))
	if prescriptionID == "" {
		return "", "", apperror.Validation("key %q has no prescription id", key)
	}
	return parts[0], prescriptionID, nil
}

// Handle reports whether the notification issued a command. Ignored keys and
// duplicate notifications return false. An existing claim is only a hint:
// the dispense is checked before the notification is dropped, so a claim
// left behind by a failed attempt cannot lose the upload.
func (t *Trigger) Handle(ctx context.Context, n Notification) (bool, error) {
	logger := log.WithFields(log.Fields{"bucket": n.Bucket, "key": n.Key})
	if !t.Accepts(n.Key) {
		logger.Debug("[Trigger] Ignoring object")
		return false, nil
	}
	dispenseID, prescriptionID, err := ParseKey(t.prefix, n.Key)
	if err != nil {
		return false, err
	}

	claimKey := n.Bucket + "/" + n.Key
	claimed, err := t.deduper.Claim(ctx, claimKey)
	if err != nil {
		return false, apperror.Transient(err, "claim %s", claimKey)
	}
	if !claimed {
		d, err := t.service.Get(ctx, dispenseID)
		if err != nil {
			return false, err
		}
		if d.Prescription != nil && d.Prescription.Key == n.Key {
			logger.Info("[Trigger] Duplicate notification")
			return false, nil
		}
		logger.Warn("[Trigger] Claim without a recorded upload; uploading again")
	}

	_, err = t.service.UploadPrescription(ctx, dispenseID, dispense.Upload{
		PrescriptionID: prescriptionID,
		Bucket:         n.Bucket,
		Key:            n.Key,
	})
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := t.deduper.Release(releaseCtx, claimKey); rerr != nil {
			logger.WithError(rerr).Warn("[Trigger] Failed to release claim")
		}
		return false, err
	}
	logger.WithField("dispense_id", dispenseID).Info("[Trigger] Prescription upload recorded")
	return true, nil
}

// UploadRecord wraps a notification as a stream record so it can go
// through the pipeline runner.
func UploadRecord(n Notification) stream.Record {
	payload, _ := json.Marshal(n)
	return stream.Record{
		PartitionKey:  n.Key,
		AggregateType: UploadAggregateType,
		Sequence:      1,
		EventType:     EventObjectCreated,
		Payload:       payload,
	}
}

// DecodeUploadMessage parses a {bucket, key} message.
func DecodeUploadMessage(data []byte) (stream.Record, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return stream.Record{}, apperror.Validation("decode upload notification: %v", err)
	}
	if n.Bucket == "" || n.Key == "" {
		return stream.Record{}, apperror.Validation("upload notification needs bucket and key")
	}
	return UploadRecord(n), nil
}

func (t *Trigger) HandleRecord(ctx context.Context, rec stream.Record) error {
	if rec.EventType != EventObjectCreated {
		return nil
	}
	var n Notification
	if err := json.Unmarshal(rec.Payload, &n); err != nil {
		return apperror.Validation("decode upload notification: %v", err)
	}
	_, err := t.Handle(ctx, n)
	return err
}

func (t *Trigger) HandleBatch(ctx context.Context, records []stream.Record) pipeline.Report {
	return t.runner.Process(ctx, records, t.HandleRecord)
}

// NotificationsFromS3Event extracts notifications from an S3 event. Object
// keys arrive URL-encoded.
func NotificationsFromS3Event(ev events.S3Event) []Notification {
	out := make([]Notification, 0, len(ev.Records))
	for _, r := range ev.Records {
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		out = append(out, Notification{Bucket: r.S3.Bucket.Name, Key: key})
	}
	return out
}
