package readmodel

import "time"

// PatientView is the patient recorded on a dispense.
type PatientView struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

// DrugView is one line of the drug list.
type DrugView struct {
	DrugID   string `json:"drug_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// AnalysisView is the summary of a prescription analysis.
type AnalysisView struct {
	FileKey     string    `json:"file_key"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// PrescriptionView describes the uploaded prescription and, once available,
// its analysis.
type PrescriptionView struct {
	PrescriptionID string        `json:"prescription_id"`
	Bucket         string        `json:"bucket,omitempty"`
	Key            string        `json:"key"`
	UploadedAt     time.Time     `json:"uploaded_at"`
	Analysis       *AnalysisView `json:"analysis,omitempty"`
}

// DispenseView is the read model for dispenses, keyed by dispense id.
// LastSequence is the sequence of the last event folded into the view.
type DispenseView struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Patient       *PatientView      `json:"patient,omitempty"`
	Drugs         []DrugView        `json:"drugs"`
	Prescription  *PrescriptionView `json:"prescription,omitempty"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	LastSequence  int               `json:"last_sequence"`
	LastCommandID string            `json:"last_command_id,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy so folds never mutate a stored view.
func (v *DispenseView) Clone() *DispenseView {
	if v == nil {
		return nil
	}
	out := *v
	if v.Patient != nil {
		p := *v.Patient
		out.Patient = &p
	}
	if v.Drugs != nil {
		out.Drugs = make([]DrugView, len(v.Drugs))
		copy(out.Drugs, v.Drugs)
	}
	if v.Prescription != nil {
		p := *v.Prescription
		if v.Prescription.Analysis != nil {
			a := *v.Prescription.Analysis
			p.Analysis = &a
		}
		out.Prescription = &p
	}
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		out.CompletedAt = &t
	}
	if v.CancelledAt != nil {
		t := *v.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}
