// Package command is the operator-facing entry point for dispense commands.
package command

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/pipeline"
)

// Handler runs dispense commands. A command that loses an append race is
// replayed and retried under the handler's policy; validation and transition
// errors are returned at once. Every attempt of one command carries the same
// command id, so an append that committed but reported an error is not
// repeated.
type Handler struct {
	dispenses *dispense.Service
	policy    pipeline.Policy
	sleep     pipeline.Sleeper
}

func NewHandler(dispenses *dispense.Service, policy pipeline.Policy) *Handler {
	return &Handler{dispenses: dispenses, policy: policy}
}

func (h *Handler) run(ctx context.Context, name, id string, fn func(ctx context.Context) (*dispense.Dispense, error)) (*dispense.Dispense, error) {
	commandID, ok := dispense.CommandIDFrom(ctx)
	if !ok {
		commandID = uuid.New().String()
		ctx = dispense.WithCommandID(ctx, commandID)
	}
	var d *dispense.Dispense
	attempts, err := pipeline.Retry(ctx, h.policy, h.sleep, func(ctx context.Context) error {
		var err error
		d, err = fn(ctx)
		return err
	})
	logger := log.WithFields(log.Fields{"command": name, "command_id": commandID, "dispense_id": id, "attempts": attempts})
	if err != nil {
		logger.WithError(err).Warn("[Command] Rejected")
		return nil, err
	}
	logger.WithField("version", d.Version).Info("[Command] Accepted")
	return d, nil
}

// StartDispense opens a dispense; an empty id gets a generated one.
func (h *Handler) StartDispense(ctx context.Context, cmd StartDispense) (*dispense.Dispense, error) {
	if cmd.DispenseID == "" {
		cmd.DispenseID = uuid.New().String()
	}
	return h.run(ctx, NameStart, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.Start(ctx, cmd.DispenseID)
	})
}

func (h *Handler) UploadPrescription(ctx context.Context, cmd UploadPrescription) (*dispense.Dispense, error) {
	return h.run(ctx, NameUploadPrescription, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.UploadPrescription(ctx, cmd.DispenseID, dispense.Upload{
			PrescriptionID: cmd.PrescriptionID,
			Bucket:         cmd.Bucket,
			Key:            cmd.Key,
		})
	})
}

func (h *Handler) AddPatient(ctx context.Context, cmd AddPatient) (*dispense.Dispense, error) {
	return h.run(ctx, NameAddPatient, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.AddPatient(ctx, cmd.DispenseID, dispense.Patient{PatientID: cmd.PatientID, Name: cmd.Name})
	})
}

func (h *Handler) AddDrugs(ctx context.Context, cmd AddDrugs) (*dispense.Dispense, error) {
	return h.run(ctx, NameAddDrugs, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.AddDrugs(ctx, cmd.DispenseID, cmd.Drugs)
	})
}

func (h *Handler) CompleteDispense(ctx context.Context, cmd CompleteDispense) (*dispense.Dispense, error) {
	return h.run(ctx, NameComplete, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.Complete(ctx, cmd.DispenseID)
	})
}

func (h *Handler) CancelDispense(ctx context.Context, cmd CancelDispense) (*dispense.Dispense, error) {
	return h.run(ctx, NameCancel, cmd.DispenseID, func(ctx context.Context) (*dispense.Dispense, error) {
		return h.dispenses.Cancel(ctx, cmd.DispenseID, cmd.Reason)
	})
}

// Execute decodes the JSON body of the named command and runs it.
func (h *Handler) Execute(ctx context.Context, name string, body json.RawMessage) (*dispense.Dispense, error) {
	switch name {
	case NameStart:
		var cmd StartDispense
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.StartDispense(ctx, cmd)
	case NameUploadPrescription:
		var cmd UploadPrescription
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.UploadPrescription(ctx, cmd)
	case NameAddPatient:
		var cmd AddPatient
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.AddPatient(ctx, cmd)
	case NameAddDrugs:
		var cmd AddDrugs
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.AddDrugs(ctx, cmd)
	case NameComplete:
		var cmd CompleteDispense
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.CompleteDispense(ctx, cmd)
	case NameCancel:
		var cmd CancelDispense
		if err := decode(body, &cmd); err != nil {
			return nil, err
		}
		return h.CancelDispense(ctx, cmd)
	default:
		return nil, apperror.Validation("unknown command %q", name)
	}
}

func decode(body json.RawMessage, v any) error {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperror.Validation("decode command: %v", err)
	}
	return nil
}
