package dispense

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
)

const (
	EventStarted              = "Dispense:Started"
	EventPrescriptionUploaded = "Dispense:PrescriptionUploaded"
	EventPrescriptionAnalyzed = "Dispense:PrescriptionAnalyzed"
	EventPatientAdded         = "Dispense:PatientAdded"
	EventDrugsAdded           = "Dispense:DrugsAdded"
	EventCompleted            = "Dispense:Completed"
	EventCancelled            = "Dispense:Cancelled"
)

// SchemaVersion is the payload schema version of every event type.
const SchemaVersion = "1.0"

// MetadataCommandID is the metadata key carrying the id of the command that
// produced an event.
const MetadataCommandID = "command_id"

// Payload is the tagged variant of dispense event payloads.
type Payload interface {
	EventType() string
}

type Patient struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

type Drug struct {
	DrugID   string `json:"drug_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// AnalysisResult is the document produced by prescription analysis.
type AnalysisResult struct {
	FileKey     string    `json:"file_key"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

type Started struct {
	DispenseID string    `json:"dispense_id"`
	StartedAt  time.Time `json:"started_at"`
}

type PrescriptionUploaded struct {
	PrescriptionID string    `json:"prescription_id"`
	Bucket         string    `json:"bucket,omitempty"`
	Key            string    `json:"key"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

// PrescriptionAnalyzed references the upload it analysed by sequence.
type PrescriptionAnalyzed struct {
	PrescriptionID string         `json:"prescription_id"`
	UploadSequence int            `json:"upload_sequence"`
	Result         AnalysisResult `json:"result"`
}

type PatientAdded struct {
	Patient Patient `json:"patient"`
}

type DrugsAdded struct {
	Drugs []Drug `json:"drugs"`
}

type Completed struct {
	CompletedAt time.Time `json:"completed_at"`
}

type Cancelled struct {
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (Started) EventType() string              { return EventStarted }
func (PrescriptionUploaded) EventType() string { return EventPrescriptionUploaded }
func (PrescriptionAnalyzed) EventType() string { return EventPrescriptionAnalyzed }
func (PatientAdded) EventType() string         { return EventPatientAdded }
func (DrugsAdded) EventType() string           { return EventDrugsAdded }
func (Completed) EventType() string            { return EventCompleted }
func (Cancelled) EventType() string            { return EventCancelled }

// DecodePayload turns a stored payload back into its variant. Unknown event
// types and schema versions are validation errors.
func DecodePayload(eventType, schemaVersion string, raw json.RawMessage) (Payload, error) {
	if schemaVersion != "" && schemaVersion != SchemaVersion {
		return nil, apperror.Validation("%s: unsupported schema version %q", eventType, schemaVersion)
	}

	var p Payload
	switch eventType {
	case EventStarted:
		p = &Started{}
	case EventPrescriptionUploaded:
		p = &PrescriptionUploaded{}
	case EventPrescriptionAnalyzed:
		p = &PrescriptionAnalyzed{}
	case EventPatientAdded:
		p = &PatientAdded{}
	case EventDrugsAdded:
		p = &DrugsAdded{}
	case EventCompleted:
		p = &Completed{}
	case EventCancelled:
		p = &Cancelled{}
	default:
		return nil, apperror.Validation("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &apperror.Error{
			Kind:    apperror.KindValidation,
			Message: fmt.Sprintf("decode %s payload", eventType),
			Err:     err,
		}
	}
	return p, nil
}

// IsKnownEventType reports whether the event type belongs to this aggregate.
func IsKnownEventType(eventType string) bool {
	switch eventType {
	case EventStarted, EventPrescriptionUploaded, EventPrescriptionAnalyzed,
		EventPatientAdded, EventDrugsAdded, EventCompleted, EventCancelled:
		return true
	}
	return false
}

func encode(p Payload, commandID string) (store.NewEvent, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return store.NewEvent{}, fmt.Errorf("marshal %s: %w", p.EventType(), err)
	}
	return store.NewEvent{
		EventType:    p.EventType(),
		EventVersion: SchemaVersion,
		Payload:      data,
		Metadata:     map[string]string{MetadataCommandID: commandID},
	}, nil
}
