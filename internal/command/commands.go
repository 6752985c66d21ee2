package command

import "github.com/example/dispensary/internal/domain/dispense"

// Dispense Commands
type StartDispense struct {
	DispenseID string `json:"dispense_id"`
}

type UploadPrescription struct {
	DispenseID     string `json:"dispense_id"`
	PrescriptionID string `json:"prescription_id"`
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
}

type AddPatient struct {
	DispenseID string `json:"dispense_id"`
	PatientID  string `json:"patient_id"`
	Name       string `json:"name"`
}

type AddDrugs struct {
	DispenseID string          `json:"dispense_id"`
	Drugs      []dispense.Drug `json:"drugs"`
}

type CompleteDispense struct {
	DispenseID string `json:"dispense_id"`
}

type CancelDispense struct {
	DispenseID string `json:"dispense_id"`
	Reason     string `json:"reason"`
}

// Names accepted by Handler.Execute.
const (
	NameStart              = "start"
	NameUploadPrescription = "upload-prescription"
	NameAddPatient         = "add-patient"
	NameAddDrugs           = "add-drugs"
	NameComplete           = "complete"
	NameCancel             = "cancel"
)
