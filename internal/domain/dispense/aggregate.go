package dispense

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
)

const AggregateType = "Dispense"

type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusReady     Status = "ready"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

var (
	ErrDispenseNotFound      = errors.New("dispense not found")
	ErrAlreadyStarted        = errors.New("dispense already started")
	ErrInvalidStatus         = errors.New("invalid dispense status transition")
	ErrTerminal              = errors.New("dispense is complete or cancelled")
	ErrMissingPatientOrDrugs = errors.New("patient and drugs must be recorded before completion")
	ErrStaleAnalysis         = errors.New("analysis does not match the current upload")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusNone:      {StatusPending},
	StatusPending:   {StatusAnalyzing, StatusCancelled},
	StatusAnalyzing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusComplete, StatusCancelled},
	StatusComplete:  {}, // terminal state
	StatusCancelled: {}, // terminal state
}

// Patient and drug details may be recorded in any of these states.
var editable = map[Status]bool{
	StatusPending:   true,
	StatusAnalyzing: true,
	StatusReady:     true,
}

// Prescription is the uploaded artifact and, once analysed, its result.
type Prescription struct {
	PrescriptionID string          `json:"prescription_id"`
	Bucket         string          `json:"bucket,omitempty"`
	Key            string          `json:"key"`
	UploadedAt     time.Time       `json:"uploaded_at"`
	Analysis       *AnalysisResult `json:"analysis,omitempty"`
}

type Dispense struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	Patient      *Patient      `json:"patient,omitempty"`
	Drugs        []Drug        `json:"drugs,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	UploadedSeq  int           `json:"uploaded_seq"` // sequence of the upload event
	AnalyzedSeq  int           `json:"analyzed_seq"` // sequence of the analysis event
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int           `json:"version"` // Current event version
}

// Aggregate interface implementation
func (d *Dispense) GetID() string    { return d.ID }
func (d *Dispense) GetVersion() int  { return d.Version }
func (d *Dispense) SetVersion(v int) { d.Version = v }

// CanTransitionTo checks if the dispense can transition to the target status
func (d *Dispense) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[d.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// transitionError returns an appropriate error for an invalid transition
func (d *Dispense) transitionError(target Status) error {
	var cause error
	switch {
	case d.Status == StatusComplete || d.Status == StatusCancelled:
		cause = ErrTerminal
	case d.Status != StatusNone && target == StatusPending:
		cause = ErrAlreadyStarted
	default:
		cause = ErrInvalidStatus
	}
	return invalid(cause, "cannot move dispense %s from %q to %q", d.ID, d.Status, target)
}

func invalid(cause error, format string, args ...any) error {
	return &apperror.Error{Kind: apperror.KindInvalidTransition, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Check validates that the payload may be appended to the current state.
// It never mutates the dispense.
func (d *Dispense) Check(p Payload) error {
	switch e := p.(type) {
	case *Started:
		if d.Version != 0 || d.Status != StatusNone {
			return d.transitionError(StatusPending)
		}
	case *PrescriptionUploaded:
		if !d.CanTransitionTo(StatusAnalyzing) {
			return d.transitionError(StatusAnalyzing)
		}
	case *PrescriptionAnalyzed:
		if !d.CanTransitionTo(StatusReady) {
			return d.transitionError(StatusReady)
		}
		if e.UploadSequence != d.UploadedSeq {
			return invalid(ErrStaleAnalysis, "dispense %s: analysis of upload %d, current upload is %d",
				d.ID, e.UploadSequence, d.UploadedSeq)
		}
	case *PatientAdded, *DrugsAdded:
		if !editable[d.Status] {
			if d.Status == StatusNone {
				return invalid(ErrInvalidStatus, "dispense %s is not started", d.ID)
			}
			return invalid(ErrTerminal, "cannot record %s on %s dispense %s", p.EventType(), d.Status, d.ID)
		}
	case *Completed:
		if !d.CanTransitionTo(StatusComplete) {
			return d.transitionError(StatusComplete)
		}
		if d.Patient == nil || len(d.Drugs) == 0 {
			return invalid(ErrMissingPatientOrDrugs, "dispense %s", d.ID)
		}
	case *Cancelled:
		if !d.CanTransitionTo(StatusCancelled) {
			return d.transitionError(StatusCancelled)
		}
	default:
		return apperror.Validation("unsupported payload %T", p)
	}
	return nil
}

// ApplyEvent applies a single event to the dispense state (implements aggregate.Aggregate)
func (d *Dispense) ApplyEvent(event store.Event) error {
	p, err := DecodePayload(event.EventType, event.EventVersion, event.Payload)
	if err != nil {
		return err
	}
	d.apply(p, event.Sequence, event.OccurredAt)
	return nil
}

func (d *Dispense) apply(p Payload, sequence int, at time.Time) {
	switch e := p.(type) {
	case *Started:
		d.ID = e.DispenseID
		d.Status = StatusPending
		d.StartedAt = e.StartedAt
	case *PrescriptionUploaded:
		d.Status = StatusAnalyzing
		d.Prescription = &Prescription{
			PrescriptionID: e.PrescriptionID,
			Bucket:         e.Bucket,
			Key:            e.Key,
			UploadedAt:     e.UploadedAt,
		}
		d.UploadedSeq = sequence
	case *PrescriptionAnalyzed:
		d.Status = StatusReady
		if d.Prescription != nil {
			result := e.Result
			d.Prescription.Analysis = &result
		}
		d.AnalyzedSeq = sequence
	case *PatientAdded:
		patient := e.Patient
		d.Patient = &patient
	case *DrugsAdded:
		d.Drugs = append(d.Drugs, e.Drugs...)
	case *Completed:
		d.Status = StatusComplete
	case *Cancelled:
		d.Status = StatusCancelled
		d.CancelReason = e.Reason
	}
	d.Version = sequence
	d.UpdatedAt = at
}

// Analyzed reports whether the upload at uploadSeq already has an analysis.
func (d *Dispense) Analyzed(uploadSeq int) bool {
	return d.UploadedSeq == uploadSeq && d.AnalyzedSeq > uploadSeq
}
