package projection

import (
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/readmodel"
	"github.com/example/dispensary/internal/stream"
)

// Fold applies one stream record to the current view, which is nil when the
// dispense has no view yet. It never modifies view. Records of other
// aggregate types, unknown event types and records already reflected in the
// view return the view unchanged.
func Fold(view *readmodel.DispenseView, rec stream.Record) (*readmodel.DispenseView, bool, error) {
	if rec.AggregateType != dispense.AggregateType || !dispense.IsKnownEventType(rec.EventType) {
		return view, false, nil
	}
	if view != nil && rec.Sequence <= view.LastSequence {
		return view, false, nil
	}

	payload, err := dispense.DecodePayload(rec.EventType, rec.EventVersion, rec.Payload)
	if err != nil {
		return view, false, err
	}

	next := view.Clone()
	if next == nil {
		next = &readmodel.DispenseView{ID: rec.PartitionKey, Drugs: []readmodel.DrugView{}}
	}

	switch p := payload.(type) {
	case *dispense.Started:
		next.Status = string(dispense.StatusPending)
		next.StartedAt = p.StartedAt

	case *dispense.PrescriptionUploaded:
		next.Status = string(dispense.StatusAnalyzing)
		next.Prescription = &readmodel.PrescriptionView{
			PrescriptionID: p.PrescriptionID,
			Bucket:         p.Bucket,
			Key:            p.Key,
			UploadedAt:     p.UploadedAt,
		}

	case *dispense.PrescriptionAnalyzed:
		next.Status = string(dispense.StatusReady)
		if next.Prescription == nil {
			next.Prescription = &readmodel.PrescriptionView{PrescriptionID: p.PrescriptionID, Key: p.Result.FileKey}
		}
		next.Prescription.Analysis = &readmodel.AnalysisView{
			FileKey:     p.Result.FileKey,
			FileSize:    p.Result.FileSize,
			ContentType: p.Result.ContentType,
			SHA256:      p.Result.SHA256,
			AnalyzedAt:  p.Result.AnalyzedAt,
		}

	case *dispense.PatientAdded:
		next.Patient = &readmodel.PatientView{PatientID: p.Patient.PatientID, Name: p.Patient.Name}

	case *dispense.DrugsAdded:
		for _, d := range p.Drugs {
			next.Drugs = append(next.Drugs, readmodel.DrugView{DrugID: d.DrugID, Name: d.Name, Quantity: d.Quantity})
		}

	case *dispense.Completed:
		next.Status = string(dispense.StatusComplete)
		at := p.CompletedAt
		next.CompletedAt = &at

	case *dispense.Cancelled:
		next.Status = string(dispense.StatusCancelled)
		next.CancelReason = p.Reason
		at := p.CancelledAt
		next.CancelledAt = &at
	}

	next.LastSequence = rec.Sequence
	if id := rec.Metadata[dispense.MetadataCommandID]; id != "" {
		next.LastCommandID = id
	}
	if !rec.OccurredAt.IsZero() {
		next.UpdatedAt = rec.OccurredAt
	}
	return next, true, nil
}
