package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/readmodel"
)

// SQLViewStore keeps dispense views as JSON documents in dispense_views.
type SQLViewStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLViewStore(db *sql.DB, dialect Dialect) *SQLViewStore {
	return &SQLViewStore{db: db, dialect: dialect, now: time.Now}
}

func (rs *SQLViewStore) Get(ctx context.Context, id string) (*readmodel.DispenseView, error) {
	var doc string
	err := rs.db.QueryRowContext(ctx,
		rebind(rs.dialect, "SELECT document FROM dispense_views WHERE view_id = ?"), id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("dispense view %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s: %w", id, err)
	}
	var v readmodel.DispenseView
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("decode view %s: %w", id, err)
	}
	return &v, nil
}

func (rs *SQLViewStore) Upsert(ctx context.Context, view *readmodel.DispenseView) error {
	return rs.write(ctx, view, `
		ON CONFLICT (view_id) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			document = excluded.document,
			updated_at = excluded.updated_at
		WHERE excluded.last_sequence > dispense_views.last_sequence`)
}

func (rs *SQLViewStore) Replace(ctx context.Context, view *readmodel.DispenseView) error {
	return rs.write(ctx, view, `
		ON CONFLICT (view_id) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			document = excluded.document,
			updated_at = excluded.updated_at`)
}

func (rs *SQLViewStore) write(ctx context.Context, view *readmodel.DispenseView, onConflict string) error {
	doc, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view %s: %w", view.ID, err)
	}
	res, err := rs.db.ExecContext(ctx,
		rebind(rs.dialect, `INSERT INTO dispense_views (view_id, last_sequence, document, updated_at)
		VALUES (?, ?, ?, ?)`+onConflict),
		view.ID, view.LastSequence, string(doc), toMillis(rs.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert view %s: %w", view.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.WithFields(log.Fields{"view_id": view.ID, "last_sequence": view.LastSequence}).
			Debug("[SQLViewStore] stored view is already newer")
	}
	return nil
}
