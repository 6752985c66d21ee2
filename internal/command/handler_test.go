package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/store/mocks"
	"github.com/example/dispensary/internal/pipeline"
)

func newTestHandler() (*Handler, *mocks.MockEventStore) {
	eventStore := mocks.NewMockEventStore()
	handler := NewHandler(dispense.NewService(eventStore, 0), pipeline.Policy{MaxAttempts: 3})
	handler.sleep = func(context.Context, time.Duration) error { return nil }
	return handler, eventStore
}

// ============================================
// Lifecycle Tests
// ============================================

func TestHandler_FullLifecycle(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := context.Background()

	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)
	_, err = handler.AddPatient(ctx, AddPatient{DispenseID: "d1", PatientID: "pat-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = handler.AddDrugs(ctx, AddDrugs{DispenseID: "d1", Drugs: []dispense.Drug{{DrugID: "drug-1", Name: "Ibuprofen", Quantity: 2}}})
	require.NoError(t, err)
	d, err := handler.UploadPrescription(ctx, UploadPrescription{DispenseID: "d1", PrescriptionID: "p1", Bucket: "rx", Key: "prescriptions/d1/p1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusAnalyzing, d.Status)

	_, err = handler.CompleteDispense(ctx, CompleteDispense{DispenseID: "d1"})
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	d, err = handler.CancelDispense(ctx, CancelDispense{DispenseID: "d1", Reason: "patient left"})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusCancelled, d.Status)
	assert.Equal(t, "patient left", d.CancelReason)

	assert.Len(t, eventStore.Calls(), 5)
}

func TestHandler_StartGeneratesID(t *testing.T) {
	handler, _ := newTestHandler()

	d, err := handler.StartDispense(context.Background(), StartDispense{})

	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, dispense.StatusPending, d.Status)
}

// ============================================
// Retry Tests
// ============================================

func TestHandler_RetriesConcurrencyConflict(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := context.Background()
	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)

	conflicts := 1
	eventStore.AppendCallback = func(ctx context.Context, call mocks.AppendCall) error {
		if conflicts > 0 {
			conflicts--
			return apperror.ConcurrencyConflict("dispense %s moved", call.AggregateID)
		}
		return nil
	}

	d, err := handler.AddPatient(ctx, AddPatient{DispenseID: "d1", PatientID: "pat-1", Name: "Ada"})

	require.NoError(t, err)
	require.NotNil(t, d.Patient)
	assert.Equal(t, "pat-1", d.Patient.PatientID)
	assert.Len(t, eventStore.Calls(), 3)
}

func TestHandler_RetryAfterLostReplyAppendsOnce(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := context.Background()
	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)

	lost := true
	eventStore.AppendCallback = func(ctx context.Context, call mocks.AppendCall) error {
		if !lost {
			return nil
		}
		lost = false
		_, err := eventStore.MemoryEventStore.Append(ctx, call.AggregateType, call.AggregateID, call.ExpectedVersion, call.Events)
		require.NoError(t, err)
		return apperror.Transient(nil, "write timed out after commit")
	}

	d, err := handler.AddDrugs(ctx, AddDrugs{DispenseID: "d1", Drugs: []dispense.Drug{{DrugID: "drug-1", Name: "Ibuprofen", Quantity: 2}}})

	require.NoError(t, err)
	assert.Len(t, d.Drugs, 1)
	assert.Equal(t, 2, d.Version)
	calls := eventStore.Calls()
	require.Len(t, calls, 2)
	commandID := calls[1].Events[0].Metadata[dispense.MetadataCommandID]
	assert.NotEmpty(t, commandID)

	var added int
	for event, err := range eventStore.ReadEvents(ctx, dispense.AggregateType, "d1", 0) {
		require.NoError(t, err)
		if event.EventType == calls[1].Events[0].EventType {
			added++
			assert.Equal(t, commandID, event.Metadata[dispense.MetadataCommandID])
		}
	}
	assert.Equal(t, 1, added)
}

func TestHandler_CallerCommandIDIsKept(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := dispense.WithCommandID(context.Background(), "cmd-42")

	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)
	d, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})

	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)
	calls := eventStore.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "cmd-42", calls[0].Events[0].Metadata[dispense.MetadataCommandID])
}

func TestHandler_GivesUpAfterPolicyAttempts(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := context.Background()
	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)
	eventStore.AppendCallback = func(ctx context.Context, call mocks.AppendCall) error {
		return apperror.ConcurrencyConflict("dispense %s moved", call.AggregateID)
	}

	_, err = handler.CancelDispense(ctx, CancelDispense{DispenseID: "d1"})

	assert.ErrorIs(t, err, apperror.ErrConcurrencyConflict)
	assert.Len(t, eventStore.Calls(), 4)
}

func TestHandler_ValidationIsNotRetried(t *testing.T) {
	handler, eventStore := newTestHandler()
	ctx := context.Background()
	_, err := handler.StartDispense(ctx, StartDispense{DispenseID: "d1"})
	require.NoError(t, err)

	_, err = handler.UploadPrescription(ctx, UploadPrescription{DispenseID: "d1"})

	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Len(t, eventStore.Calls(), 1)
}

func TestHandler_UnknownDispense(t *testing.T) {
	handler, _ := newTestHandler()

	_, err := handler.CompleteDispense(context.Background(), CompleteDispense{DispenseID: "missing"})

	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// ============================================
// Execute Tests
// ============================================

func TestHandler_Execute(t *testing.T) {
	handler, _ := newTestHandler()
	ctx := context.Background()

	d, err := handler.Execute(ctx, NameStart, json.RawMessage(`{"dispense_id":"d1"}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)

	d, err = handler.Execute(ctx, NameAddDrugs, json.RawMessage(`{"dispense_id":"d1","drugs":[{"drug_id":"drug-1","name":"Ibuprofen","quantity":2}]}`))
	require.NoError(t, err)
	require.Len(t, d.Drugs, 1)
	assert.Equal(t, 2, d.Drugs[0].Quantity)
}

func TestHandler_Execute_Errors(t *testing.T) {
	handler, _ := newTestHandler()
	ctx := context.Background()

	_, err := handler.Execute(ctx, "refill", nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = handler.Execute(ctx, NameCancel, json.RawMessage(`{"dispense_id":`))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
