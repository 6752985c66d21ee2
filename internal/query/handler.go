package query

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/infrastructure/store"
)

// Handler serves the read side. Views are only ever written by the projector.
type Handler struct {
	views store.ViewStore
}

func NewHandler(views store.ViewStore) *Handler {
	return &Handler{views: views}
}

// GetView returns the materialised view of a dispense, or an
// apperror.ErrNotFound error when no view has been projected yet.
func (h *Handler) GetView(ctx context.Context, viewID string) (*DispenseView, error) {
	if viewID == "" {
		return nil, apperror.Validation("view id is required")
	}
	view, err := h.views.Get(ctx, viewID)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			log.WithField("view_id", viewID).WithError(err).Error("[Query] Error getting view")
		}
		return nil, err
	}
	return view, nil
}
