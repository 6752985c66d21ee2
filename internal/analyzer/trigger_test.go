package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-lambda-go/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/stream"
)

var defaultSuffixes = []string{".jpg", ".jpeg", ".png", ".pdf"}

func newTrigger(t *testing.T) (*Trigger, *dispense.Service, *MemoryDeduper, *deadletter.MemorySink) {
	t.Helper()
	service := dispense.NewService(store.NewMemoryEventStore(), 0)
	deduper := NewMemoryDeduper()
	sink := deadletter.NewMemorySink()
	runner := pipeline.NewRunner(TriggerComponent, pipeline.Policy{MaxAttempts: 3}, sink, nil)
	runner.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewTrigger(service, deduper, runner, "prescriptions/", defaultSuffixes), service, deduper, sink
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key          string
		dispenseID   string
		prescription string
		wantErr      bool
	}{
		{key: "prescriptions/d1/p1.pdf", dispenseID: "d1", prescription: "p1"},
		{key: "prescriptions/d-42/scan.v2.JPG", dispenseID: "d-42", prescription: "scan.v2"},
		{key: "prescriptions/d1.pdf", wantErr: true},
		{key: "prescriptions/d1/nested/p1.pdf", wantErr: true},
		{key: "prescriptions//p1.pdf", wantErr: true},
		{key: "prescriptions/d1/.pdf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			dispenseID, prescriptionID, err := ParseKey("prescriptions/", tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dispenseID, dispenseID)
			assert.Equal(t, tt.prescription, prescriptionID)
		})
	}
}

func TestTrigger_Accepts(t *testing.T) {
	trigger, _, _, _ := newTrigger(t)

	assert.True(t, trigger.Accepts("prescriptions/d1/p1.pdf"))
	assert.True(t, trigger.Accepts("prescriptions/d1/p1.JPEG"))
	assert.True(t, trigger.Accepts("prescriptions/d1/p1.Png"))
	assert.False(t, trigger.Accepts("prescriptions/d1/p1.txt"))
	assert.False(t, trigger.Accepts("other/d1/p1.pdf"))
}

func TestTrigger_UploadsOnce(t *testing.T) {
	trigger, service, _, _ := newTrigger(t)
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)

	n := Notification{Bucket: "rx", Key: "prescriptions/d1/p1.pdf"}
	accepted, err := trigger.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, accepted)

	d, err := service.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusAnalyzing, d.Status)
	assert.Equal(t, "p1", d.Prescription.PrescriptionID)
	assert.Equal(t, "rx", d.Prescription.Bucket)
	version := d.Version

	accepted, err = trigger.Handle(ctx, n)
	require.NoError(t, err)
	assert.False(t, accepted)

	d, err = service.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, version, d.Version)
}

func TestTrigger_IgnoresForeignKeys(t *testing.T) {
	trigger, _, deduper, _ := newTrigger(t)

	accepted, err := trigger.Handle(context.Background(), Notification{Bucket: "rx", Key: "exports/report.csv"})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Empty(t, deduper.seen)
}

func TestTrigger_ReleasesClaimOnFailure(t *testing.T) {
	trigger, service, deduper, _ := newTrigger(t)
	ctx := context.Background()
	n := Notification{Bucket: "rx", Key: "prescriptions/d9/p1.pdf"}

	_, err := trigger.Handle(ctx, n)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Empty(t, deduper.seen)

	_, err = service.Start(ctx, "d9")
	require.NoError(t, err)
	accepted, err := trigger.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestTrigger_LeftoverClaimDoesNotLoseUpload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	trigger, service, _, _ := newTrigger(t)
	trigger.deduper = NewRedisDeduper(client, time.Hour)
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)
	n := Notification{Bucket: "rx", Key: "prescriptions/d1/p1.pdf"}

	// A worker that died after claiming leaves the claim behind.
	claimed, err := trigger.deduper.Claim(ctx, "rx/prescriptions/d1/p1.pdf")
	require.NoError(t, err)
	require.True(t, claimed)

	report := trigger.HandleBatch(ctx, []stream.Record{UploadRecord(n)})
	assert.Equal(t, 1, report.Count(pipeline.OutcomeSucceeded))

	d, err := service.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusAnalyzing, d.Status)
	require.NotNil(t, d.Prescription)
	assert.Equal(t, n.Key, d.Prescription.Key)
	assert.True(t, mr.Exists("dispensary:upload:rx/prescriptions/d1/p1.pdf"))

	accepted, err := trigger.Handle(ctx, n)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestTrigger_ReleaseOutlivesCancelledContext(t *testing.T) {
	trigger, _, _, _ := newTrigger(t)
	deduper := &recordingDeduper{MemoryDeduper: NewMemoryDeduper()}
	trigger.deduper = deduper
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := trigger.Handle(ctx, Notification{Bucket: "rx", Key: "prescriptions/d1/p1.pdf"})
	require.Error(t, err)
	require.Equal(t, 1, deduper.releases)
	assert.NoError(t, deduper.releaseCtxErr)
	assert.Empty(t, deduper.seen)
}

func TestTrigger_HandleBatchDeadLettersUnknownDispense(t *testing.T) {
	trigger, service, _, sink := newTrigger(t)
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)

	records := []stream.Record{
		UploadRecord(Notification{Bucket: "rx", Key: "prescriptions/d1/p1.pdf"}),
		UploadRecord(Notification{Bucket: "rx", Key: "prescriptions/missing/p1.pdf"}),
	}
	report := trigger.HandleBatch(ctx, records)

	assert.Equal(t, 1, report.Count(pipeline.OutcomeSucceeded))
	assert.Equal(t, 1, report.Count(pipeline.OutcomeDeadLettered))
	entries := sink.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "not_found", entries[0].ErrorClass)
}

func TestDecodeUploadMessage(t *testing.T) {
	rec, err := DecodeUploadMessage([]byte(`{"bucket":"rx","key":"prescriptions/d1/p1.pdf"}`))
	require.NoError(t, err)
	assert.Equal(t, EventObjectCreated, rec.EventType)
	assert.Equal(t, "prescriptions/d1/p1.pdf", rec.PartitionKey)

	_, err = DecodeUploadMessage([]byte(`{"bucket":"rx"}`))
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = DecodeUploadMessage([]byte(`not json`))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestNotificationsFromS3Event(t *testing.T) {
	ev := events.S3Event{Records: []events.S3EventRecord{
		{S3: events.S3Entity{
			Bucket: events.S3Bucket{Name: "rx"},
			Object: events.S3Object{Key: "prescriptions/d1/scan%201.pdf"},
		}},
	}}

	got := NotificationsFromS3Event(ev)
	assert.Equal(t, []Notification{{Bucket: "rx", Key: "prescriptions/d1/scan 1.pdf"}}, got)
}

// recordingDeduper claims regardless of ctx and records the release context.
type recordingDeduper struct {
	*MemoryDeduper
	releases      int
	releaseCtxErr error
}

func (r *recordingDeduper) Claim(_ context.Context, key string) (bool, error) {
	return r.MemoryDeduper.Claim(context.Background(), key)
}

func (r *recordingDeduper) Release(ctx context.Context, key string) error {
	r.releases++
	r.releaseCtxErr = ctx.Err()
	return r.MemoryDeduper.Release(ctx, key)
}

// ============================================
// Deduper Tests
// ============================================

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	deduper := NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	claimed, err := deduper.Claim(ctx, "rx/prescriptions/d1/p1.pdf")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, time.Hour, mr.TTL("dispensary:upload:rx/prescriptions/d1/p1.pdf"))

	claimed, err = deduper.Claim(ctx, "rx/prescriptions/d1/p1.pdf")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, deduper.Release(ctx, "rx/prescriptions/d1/p1.pdf"))
	claimed, err = deduper.Claim(ctx, "rx/prescriptions/d1/p1.pdf")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRedisDeduper_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	_, err := deduper.Claim(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	claimed, err := deduper.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryDeduper(t *testing.T) {
	deduper := NewMemoryDeduper()
	ctx := context.Background()

	claimed, err := deduper.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = deduper.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NoError(t, deduper.Release(ctx, "k"))
	claimed, err = deduper.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
}
