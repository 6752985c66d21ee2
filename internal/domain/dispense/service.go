package dispense

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/aggregate"
	"github.com/example/dispensary/internal/infrastructure/store"
)

// Upload describes a prescription artifact in object storage.
type Upload struct {
	PrescriptionID string
	Bucket         string
	Key            string
}

// Service handles dispense commands. Every command replays the dispense,
// validates locally and appends with the replayed version as the expected
// version. Concurrency conflicts are returned to the caller unchanged.
type Service struct {
	eventStore    store.EventStore
	snapshotEvery int
	now           func() time.Time
}

func NewService(es store.EventStore, snapshotEvery int) *Service {
	return &Service{eventStore: es, snapshotEvery: snapshotEvery, now: time.Now}
}

// Get replays a dispense.
func (s *Service) Get(ctx context.Context, id string) (*Dispense, error) {
	d, found, err := aggregate.LoadAggregate(ctx, s.eventStore, AggregateType, id, func() *Dispense {
		return &Dispense{}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &apperror.Error{Kind: apperror.KindNotFound, Message: "dispense " + id, Err: ErrDispenseNotFound}
	}
	return d, nil
}

// Start opens a new dispense. An empty id gets a generated one.
func (s *Service) Start(ctx context.Context, id string) (*Dispense, error) {
	if id == "" {
		id = uuid.New().String()
	}
	d, err := s.Get(ctx, id)
	switch {
	case err == nil:
	case apperror.KindOf(err) == apperror.KindNotFound:
		d = &Dispense{ID: id}
	default:
		return nil, err
	}
	return s.execute(ctx, d, &Started{DispenseID: id, StartedAt: s.now().UTC()})
}

// UploadPrescription records the uploaded artifact and moves the dispense to
// analyzing. Uploading the key that is already recorded is a no-op.
func (s *Service) UploadPrescription(ctx context.Context, id string, upload Upload) (*Dispense, error) {
	if strings.TrimSpace(upload.Key) == "" {
		return nil, apperror.Validation("prescription key is required")
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Prescription != nil && d.Prescription.Key == upload.Key {
		return d, nil
	}
	if upload.PrescriptionID == "" {
		upload.PrescriptionID = uuid.New().String()
	}
	return s.execute(ctx, d, &PrescriptionUploaded{
		PrescriptionID: upload.PrescriptionID,
		Bucket:         upload.Bucket,
		Key:            upload.Key,
		UploadedAt:     s.now().UTC(),
	})
}

// RecordAnalysis appends the analysis of the upload committed at uploadSeq.
// It is a no-op when that upload already has an analysis.
func (s *Service) RecordAnalysis(ctx context.Context, id string, uploadSeq int, result AnalysisResult) (*Dispense, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Analyzed(uploadSeq) {
		return d, nil
	}
	prescriptionID := ""
	if d.Prescription != nil {
		prescriptionID = d.Prescription.PrescriptionID
	}
	return s.execute(ctx, d, &PrescriptionAnalyzed{
		PrescriptionID: prescriptionID,
		UploadSequence: uploadSeq,
		Result:         result,
	})
}

func (s *Service) AddPatient(ctx context.Context, id string, patient Patient) (*Dispense, error) {
	if strings.TrimSpace(patient.PatientID) == "" || strings.TrimSpace(patient.Name) == "" {
		return nil, apperror.Validation("patient id and name are required")
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, d, &PatientAdded{Patient: patient})
}

func (s *Service) AddDrugs(ctx context.Context, id string, drugs []Drug) (*Dispense, error) {
	if len(drugs) == 0 {
		return nil, apperror.Validation("at least one drug is required")
	}
	for i, drug := range drugs {
		if strings.TrimSpace(drug.DrugID) == "" {
			return nil, apperror.Validation("drug %d: id is required", i)
		}
		if drug.Quantity <= 0 {
			return nil, apperror.Validation("drug %s: quantity must be positive, got %d", drug.DrugID, drug.Quantity)
		}
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, d, &DrugsAdded{Drugs: drugs})
}

func (s *Service) Complete(ctx context.Context, id string) (*Dispense, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, d, &Completed{CompletedAt: s.now().UTC()})
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (*Dispense, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, d, &Cancelled{Reason: reason, CancelledAt: s.now().UTC()})
}

type commandIDKey struct{}

// WithCommandID runs the commands issued with ctx under id. A command whose
// id is already in the dispense's log is not appended again, so a caller can
// retry an append whose outcome it never saw.
func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

// CommandIDFrom returns the id set by WithCommandID.
func CommandIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(commandIDKey{}).(string)
	return id, ok && id != ""
}

// applied reports whether an event of the dispense log carries commandID.
func (s *Service) applied(ctx context.Context, id, commandID string) (bool, error) {
	for event, err := range s.eventStore.ReadEvents(ctx, AggregateType, id, 0) {
		if err != nil {
			return false, err
		}
		if event.Metadata[MetadataCommandID] == commandID {
			return true, nil
		}
	}
	return false, nil
}

// execute validates p against d, appends it at d.Version and applies it to d.
func (s *Service) execute(ctx context.Context, d *Dispense, p Payload) (*Dispense, error) {
	commandID, given := CommandIDFrom(ctx)
	if given {
		done, err := s.applied(ctx, d.ID, commandID)
		if err != nil {
			return nil, err
		}
		if done {
			log.WithFields(log.Fields{
				"dispense_id": d.ID,
				"event_type":  p.EventType(),
				"command_id":  commandID,
			}).Info("[Dispense] Command already applied")
			return d, nil
		}
	} else {
		commandID = uuid.New().String()
	}
	if err := d.Check(p); err != nil {
		return nil, err
	}
	event, err := encode(p, commandID)
	if err != nil {
		return nil, err
	}

	version, err := s.eventStore.Append(ctx, AggregateType, d.ID, d.Version, []store.NewEvent{event})
	if err != nil {
		return nil, err
	}
	d.apply(p, version, s.now().UTC())

	log.WithFields(log.Fields{
		"dispense_id": d.ID,
		"event_type":  p.EventType(),
		"version":     version,
		"command_id":  commandID,
	}).Debug("[Dispense] event appended")

	// Check if we need to create a snapshot
	if err := aggregate.MaybeCreateSnapshot(ctx, s.eventStore, d, AggregateType, s.snapshotEvery); err != nil {
		log.WithError(err).WithField("dispense_id", d.ID).Warn("[Dispense] Failed to create snapshot")
	}
	return d, nil
}
