package projection

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/readmodel"
	"github.com/example/dispensary/internal/stream"
)

const Component = "views"

// Projector keeps dispense views up to date from the stream.
type Projector struct {
	views  store.ViewStore
	events store.EventStore
	runner *pipeline.Runner
}

// NewProjector wires the projector. events is only used by Rebuild and may
// be nil.
func NewProjector(views store.ViewStore, events store.EventStore, runner *pipeline.Runner) *Projector {
	return &Projector{views: views, events: events, runner: runner}
}

// HandleBatch folds a batch and reports per-record outcomes. Partitions are
// independent; a failing record only holds back later records of its own
// dispense.
func (p *Projector) HandleBatch(ctx context.Context, records []stream.Record) pipeline.Report {
	return p.runner.Process(ctx, records, p.HandleRecord)
}

// HandleRecord folds a single record into its view.
func (p *Projector) HandleRecord(ctx context.Context, rec stream.Record) error {
	if rec.AggregateType != dispense.AggregateType {
		return nil
	}

	current, err := p.views.Get(ctx, rec.PartitionKey)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	logger := log.WithFields(log.Fields{
		"dispense_id": rec.PartitionKey,
		"sequence":    rec.Sequence,
		"event_type":  rec.EventType,
	})
	if current != nil && rec.Sequence > current.LastSequence+1 {
		logger.WithField("last_sequence", current.LastSequence).Warn("[Projector] Sequence gap; applying anyway")
	}

	next, changed, err := Fold(current, rec)
	if err != nil {
		return err
	}
	if !changed {
		logger.Debug("[Projector] Record already applied or not relevant")
		return nil
	}
	if err := p.views.Upsert(ctx, next); err != nil {
		return err
	}
	logger.WithField("status", next.Status).Debug("[Projector] View updated")
	return nil
}

// Rebuild recomputes a view from the event log and overwrites the stored one.
func (p *Projector) Rebuild(ctx context.Context, dispenseID string) (*readmodel.DispenseView, error) {
	if p.events == nil {
		return nil, apperror.Permanent(nil, "rebuild needs an event store")
	}
	var view *readmodel.DispenseView
	for e, err := range p.events.ReadEvents(ctx, dispense.AggregateType, dispenseID, 0) {
		if err != nil {
			return nil, err
		}
		next, _, err := Fold(view, e.Record())
		if err != nil {
			return nil, err
		}
		view = next
	}
	if view == nil {
		return nil, apperror.NotFound("dispense %s has no events", dispenseID)
	}
	if err := p.views.Replace(ctx, view); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"dispense_id":   dispenseID,
		"last_sequence": view.LastSequence,
	}).Info("[Projector] View rebuilt")
	return view, nil
}
