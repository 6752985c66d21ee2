package dispense

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/infrastructure/store/mocks"
)

func newTestDispenseService() (*Service, *mocks.MockEventStore) {
	eventStore := mocks.NewMockEventStore()
	service := NewService(eventStore, store.DefaultSnapshotEvery)
	return service, eventStore
}

func startUploaded(t *testing.T, service *Service) *Dispense {
	t.Helper()
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)
	d, err := service.UploadPrescription(ctx, "d1", Upload{PrescriptionID: "p1", Key: "prescriptions/d1/p1.pdf"})
	require.NoError(t, err)
	return d
}

var testResult = AnalysisResult{FileKey: "prescriptions/d1/p1.pdf", FileSize: 42, ContentType: "application/pdf", SHA256: "abc"}

// ============================================
// Start Tests
// ============================================

func TestService_Start_Success(t *testing.T) {
	service, eventStore := newTestDispenseService()

	d, err := service.Start(context.Background(), "d1")

	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, 1, d.Version)

	calls := eventStore.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, AggregateType, calls[0].AggregateType)
	assert.Equal(t, 0, calls[0].ExpectedVersion)
	assert.Equal(t, []string{EventStarted}, calls[0].EventTypes())
	assert.NotEmpty(t, calls[0].Events[0].Metadata[MetadataCommandID])
	assert.Equal(t, SchemaVersion, calls[0].Events[0].EventVersion)
}

func TestService_Start_GeneratesID(t *testing.T) {
	service, _ := newTestDispenseService()

	d, err := service.Start(context.Background(), "")

	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
}

func TestService_Start_Twice(t *testing.T) {
	service, eventStore := newTestDispenseService()
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)

	_, err = service.Start(ctx, "d1")

	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Len(t, eventStore.Calls(), 1)
}

func TestService_CommandOnUnknownDispense(t *testing.T) {
	service, eventStore := newTestDispenseService()

	_, err := service.Cancel(context.Background(), "missing", "")

	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, err, ErrDispenseNotFound)
	assert.Empty(t, eventStore.Calls())
}

// ============================================
// Upload / Analysis Tests
// ============================================

func TestService_UploadPrescription_MovesToAnalyzing(t *testing.T) {
	service, _ := newTestDispenseService()

	d := startUploaded(t, service)

	assert.Equal(t, StatusAnalyzing, d.Status)
	assert.Equal(t, 2, d.UploadedSeq)
	require.NotNil(t, d.Prescription)
	assert.Equal(t, "p1", d.Prescription.PrescriptionID)
}

func TestService_UploadPrescription_SameKeyIsNoop(t *testing.T) {
	service, eventStore := newTestDispenseService()
	startUploaded(t, service)

	d, err := service.UploadPrescription(context.Background(), "d1", Upload{Key: "prescriptions/d1/p1.pdf"})

	require.NoError(t, err)
	assert.Equal(t, 2, d.Version)
	assert.Len(t, eventStore.Calls(), 2)
}

func TestService_UploadPrescription_SecondKeyRejected(t *testing.T) {
	service, _ := newTestDispenseService()
	startUploaded(t, service)

	_, err := service.UploadPrescription(context.Background(), "d1", Upload{Key: "prescriptions/d1/other.png"})

	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestService_UploadPrescription_EmptyKey(t *testing.T) {
	service, eventStore := newTestDispenseService()
	_, err := service.Start(context.Background(), "d1")
	require.NoError(t, err)

	_, err = service.UploadPrescription(context.Background(), "d1", Upload{Key: " "})

	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Len(t, eventStore.Calls(), 1)
}

func TestService_RecordAnalysis_MovesToReady(t *testing.T) {
	service, _ := newTestDispenseService()
	startUploaded(t, service)

	d, err := service.RecordAnalysis(context.Background(), "d1", 2, testResult)

	require.NoError(t, err)
	assert.Equal(t, StatusReady, d.Status)
	assert.Equal(t, 3, d.AnalyzedSeq)
	require.NotNil(t, d.Prescription.Analysis)
	assert.Equal(t, "abc", d.Prescription.Analysis.SHA256)
}

func TestService_RecordAnalysis_Idempotent(t *testing.T) {
	service, eventStore := newTestDispenseService()
	startUploaded(t, service)
	ctx := context.Background()

	_, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)
	d, err := service.RecordAnalysis(ctx, "d1", 2, testResult)

	require.NoError(t, err)
	assert.Equal(t, 3, d.Version)
	assert.Len(t, eventStore.Calls(), 3)
}

func TestService_RecordAnalysis_StaleUpload(t *testing.T) {
	service, _ := newTestDispenseService()
	startUploaded(t, service)

	_, err := service.RecordAnalysis(context.Background(), "d1", 1, testResult)

	assert.ErrorIs(t, err, ErrStaleAnalysis)
}

func TestService_RecordAnalysis_AfterCancel(t *testing.T) {
	service, _ := newTestDispenseService()
	startUploaded(t, service)
	_, err := service.Cancel(context.Background(), "d1", "patient left")
	require.NoError(t, err)

	_, err = service.RecordAnalysis(context.Background(), "d1", 2, testResult)

	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrTerminal)
}

// ============================================
// Patient / Drugs Tests
// ============================================

func TestService_AddPatientAndDrugs_AllowedWhileAnalyzing(t *testing.T) {
	service, _ := newTestDispenseService()
	startUploaded(t, service)
	ctx := context.Background()

	d, err := service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, d.Status)

	d, err = service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Name: "Ibuprofen", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, d.Status)
	assert.Len(t, d.Drugs, 1)
}

func TestService_AddDrugs_Validation(t *testing.T) {
	tests := map[string][]Drug{
		"empty list":    nil,
		"missing id":    {{Name: "x", Quantity: 1}},
		"zero quantity": {{DrugID: "drug-1", Quantity: 0}},
		"negative":      {{DrugID: "drug-1", Quantity: -3}},
	}
	for name, drugs := range tests {
		t.Run(name, func(t *testing.T) {
			service, _ := newTestDispenseService()
			_, err := service.Start(context.Background(), "d1")
			require.NoError(t, err)

			_, err = service.AddDrugs(context.Background(), "d1", drugs)

			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}
}

func TestService_AddPatient_Validation(t *testing.T) {
	service, _ := newTestDispenseService()
	_, err := service.Start(context.Background(), "d1")
	require.NoError(t, err)

	_, err = service.AddPatient(context.Background(), "d1", Patient{PatientID: "pat-1"})

	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestService_AddPatient_AfterComplete(t *testing.T) {
	service, _ := newTestDispenseService()
	completeDispense(t, service)

	_, err := service.AddPatient(context.Background(), "d1", Patient{PatientID: "pat-2", Name: "Bob"})

	assert.ErrorIs(t, err, ErrTerminal)
}

// ============================================
// Complete / Cancel Tests
// ============================================

func completeDispense(t *testing.T, service *Service) *Dispense {
	t.Helper()
	ctx := context.Background()
	startUploaded(t, service)
	_, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)
	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Name: "Ibuprofen", Quantity: 2}})
	require.NoError(t, err)
	d, err := service.Complete(ctx, "d1")
	require.NoError(t, err)
	return d
}

func TestService_Complete_RequiresPatientAndDrugs(t *testing.T) {
	service, eventStore := newTestDispenseService()
	startUploaded(t, service)
	ctx := context.Background()
	_, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)

	_, err = service.Complete(ctx, "d1")
	assert.ErrorIs(t, err, ErrMissingPatientOrDrugs)

	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = service.Complete(ctx, "d1")
	assert.ErrorIs(t, err, ErrMissingPatientOrDrugs)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	for _, c := range eventStore.Calls() {
		assert.NotContains(t, c.EventTypes(), EventCompleted)
	}
}

func TestService_Complete_OnlyFromReady(t *testing.T) {
	service, _ := newTestDispenseService()
	ctx := context.Background()
	_, err := service.Start(ctx, "d1")
	require.NoError(t, err)
	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Quantity: 1}})
	require.NoError(t, err)

	_, err = service.Complete(ctx, "d1")

	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestService_Complete_Success(t *testing.T) {
	service, _ := newTestDispenseService()

	d := completeDispense(t, service)

	assert.Equal(t, StatusComplete, d.Status)
	assert.Equal(t, 6, d.Version)
}

func TestService_Cancel_FromEveryNonTerminalState(t *testing.T) {
	setups := map[Status]func(t *testing.T, s *Service){
		StatusPending: func(t *testing.T, s *Service) {
			_, err := s.Start(context.Background(), "d1")
			require.NoError(t, err)
		},
		StatusAnalyzing: func(t *testing.T, s *Service) { startUploaded(t, s) },
		StatusReady: func(t *testing.T, s *Service) {
			startUploaded(t, s)
			_, err := s.RecordAnalysis(context.Background(), "d1", 2, testResult)
			require.NoError(t, err)
		},
	}
	for status, setup := range setups {
		t.Run(string(status), func(t *testing.T) {
			service, _ := newTestDispenseService()
			setup(t, service)

			d, err := service.Cancel(context.Background(), "d1", "changed mind")

			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, d.Status)
			assert.Equal(t, "changed mind", d.CancelReason)
		})
	}
}

func TestService_Cancel_Terminal(t *testing.T) {
	service, _ := newTestDispenseService()
	completeDispense(t, service)

	_, err := service.Cancel(context.Background(), "d1", "")

	assert.ErrorIs(t, err, ErrTerminal)
}

// ============================================
// Concurrency / Replay Tests
// ============================================

func TestService_ConflictSurfacesToCaller(t *testing.T) {
	service, eventStore := newTestDispenseService()
	_, err := service.Start(context.Background(), "d1")
	require.NoError(t, err)

	// Another writer advances the dispense between replay and append.
	eventStore.AppendCallback = func(ctx context.Context, call mocks.AppendCall) error {
		eventStore.AppendCallback = nil
		_, err := eventStore.MemoryEventStore.Append(ctx, call.AggregateType, call.AggregateID, call.ExpectedVersion,
			[]store.NewEvent{{EventType: EventCancelled, Payload: []byte(`{"reason":"other"}`)}})
		return err
	}

	_, err = service.UploadPrescription(context.Background(), "d1", Upload{Key: "prescriptions/d1/p1.pdf"})

	assert.ErrorIs(t, err, apperror.ErrConcurrencyConflict)
	d, err := service.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, d.Status)
}

func TestService_SnapshotEveryFiveVersions(t *testing.T) {
	service, eventStore := newTestDispenseService()
	ctx := context.Background()
	startUploaded(t, service)
	_, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)
	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)

	h, err := eventStore.Load(ctx, AggregateType, "d1")
	require.NoError(t, err)
	assert.Nil(t, h.Snapshot)

	_, err = service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Quantity: 1}})
	require.NoError(t, err)

	h, err = eventStore.Load(ctx, AggregateType, "d1")
	require.NoError(t, err)
	require.NotNil(t, h.Snapshot)
	assert.Equal(t, 5, h.Snapshot.Version)

	// Replay from the snapshot matches a full replay.
	fromSnapshot, err := service.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, fromSnapshot.Status)
	assert.Equal(t, 5, fromSnapshot.Version)
	require.NotNil(t, fromSnapshot.Patient)
	assert.Equal(t, "Ada", fromSnapshot.Patient.Name)
	assert.Equal(t, 2, fromSnapshot.UploadedSeq)
	assert.Equal(t, 3, fromSnapshot.AnalyzedSeq)
}

func TestService_SnapshotFailureDoesNotFailCommand(t *testing.T) {
	service, eventStore := newTestDispenseService()
	eventStore.SnapshotErr = errors.New("snapshot table unavailable")
	ctx := context.Background()

	startUploaded(t, service)
	_, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)
	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	d, err := service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Quantity: 1}})

	require.NoError(t, err)
	assert.Equal(t, 5, d.Version)
}

// TestScenario_DispenseLifecycle walks the documented example end to end on
// the raw store: optimistic concurrency, analysis and the completion guard.
func TestScenario_DispenseLifecycle(t *testing.T) {
	es := store.NewMemoryEventStore()
	service := NewService(es, 0)
	ctx := context.Background()
	appendRaw := func(expected int, p Payload) (int, error) {
		ev, err := encode(p, "cmd")
		require.NoError(t, err)
		return es.Append(ctx, AggregateType, "d1", expected, []store.NewEvent{ev})
	}

	v, err := appendRaw(0, &Started{DispenseID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = appendRaw(1, &PrescriptionUploaded{PrescriptionID: "p1", Key: "prescriptions/d1/p1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = appendRaw(1, &Cancelled{})
	assert.ErrorIs(t, err, apperror.ErrConcurrencyConflict)

	d, err := service.RecordAnalysis(ctx, "d1", 2, testResult)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Version)
	assert.Equal(t, StatusReady, d.Status)

	_, err = service.Complete(ctx, "d1")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = service.AddPatient(ctx, "d1", Patient{PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = service.AddDrugs(ctx, "d1", []Drug{{DrugID: "drug-1", Quantity: 1}})
	require.NoError(t, err)
	d, err = service.Complete(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 6, d.Version)
	assert.Equal(t, StatusComplete, d.Status)
}

func TestDispense_CheckDoesNotMutate(t *testing.T) {
	d := &Dispense{ID: "d1", Status: StatusReady, Version: 3, UpdatedAt: time.Unix(0, 0)}
	before := *d

	assert.Error(t, d.Check(&Completed{}))
	assert.NoError(t, d.Check(&Cancelled{}))

	assert.Equal(t, before, *d)
}
