package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultPageSize = 100

// SQLEventStore stores events in PostgreSQL or SQLite. Every Append also
// writes one event_outbox row in the same transaction; the relay drains the
// outbox through the ChangeFeed methods.
type SQLEventStore struct {
	db       *sql.DB
	dialect  Dialect
	pageSize int
	now      func() time.Time
}

func NewSQLEventStore(db *sql.DB, dialect Dialect) *SQLEventStore {
	return &SQLEventStore{db: db, dialect: dialect, pageSize: defaultPageSize, now: time.Now}
}

func (es *SQLEventStore) q(query string) string { return rebind(es.dialect, query) }

func (es *SQLEventStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []NewEvent) (int, error) {
	if err := ValidateAppend(aggregateType, aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		es.q("SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?"),
		aggregateType, aggregateID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	if current != expectedVersion {
		return 0, conflict(aggregateType, aggregateID, expectedVersion, current)
	}

	now := es.now()
	committed := materialize(aggregateType, aggregateID, expectedVersion, events, now)
	insert := es.q(`INSERT INTO events
		(aggregate_type, aggregate_id, sequence, id, event_type, event_version, payload, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, e := range committed {
		metadata, err := json.Marshal(metadataOrEmpty(e.Metadata))
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, insert,
			e.AggregateType, e.AggregateID, e.Sequence, e.ID, e.EventType, e.EventVersion,
			string(e.Payload), string(metadata), toMillis(e.OccurredAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Another writer committed the same sequence between our read and insert.
				return 0, raced(aggregateType, aggregateID, e.Sequence)
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		es.q(`INSERT INTO event_outbox (aggregate_type, aggregate_id, first_sequence, last_sequence, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		aggregateType, aggregateID, expectedVersion+1, expectedVersion+len(committed), toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, raced(aggregateType, aggregateID, expectedVersion+1)
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return expectedVersion + len(committed), nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (es *SQLEventStore) Load(ctx context.Context, aggregateType, aggregateID string) (History, error) {
	snap, err := es.latestSnapshot(ctx, aggregateType, aggregateID)
	if err != nil {
		return History{}, err
	}
	after := 0
	if snap != nil {
		after = snap.Version
	}
	return History{Snapshot: snap, Events: es.ReadEvents(ctx, aggregateType, aggregateID, after)}, nil
}

func (es *SQLEventStore) latestSnapshot(ctx context.Context, aggregateType, aggregateID string) (*Snapshot, error) {
	var (
		s         Snapshot
		state     string
		createdAt int64
	)
	err := es.db.QueryRowContext(ctx,
		es.q("SELECT version, state, created_at FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ?"),
		aggregateType, aggregateID,
	).Scan(&s.Version, &state, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	s.AggregateType = aggregateType
	s.AggregateID = aggregateID
	s.State = json.RawMessage(state)
	s.CreatedAt = fromMillis(createdAt)
	return &s, nil
}

// ReadEvents pages through the log. Each page is fully read and its rows
// closed before any event is yielded, so a caller may issue queries from
// inside the loop even on a single-connection pool.
func (es *SQLEventStore) ReadEvents(ctx context.Context, aggregateType, aggregateID string, afterSequence int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		last := afterSequence
		for {
			page, err := es.readPage(ctx, aggregateType, aggregateID, last, es.pageSize)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				last = e.Sequence
			}
			if len(page) < es.pageSize {
				return
			}
		}
	}
}

func (es *SQLEventStore) readPage(ctx context.Context, aggregateType, aggregateID string, after, limit int) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx,
		es.q(`SELECT sequence, id, event_type, event_version, payload, metadata, occurred_at
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`),
		aggregateType, aggregateID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var page []Event
	for rows.Next() {
		var (
			e                 Event
			payload, metadata string
			occurredAt        int64
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.EventType, &e.EventVersion, &payload, &metadata, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.AggregateType = aggregateType
		e.AggregateID = aggregateID
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = fromMillis(occurredAt)
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s/%s#%d: %w", aggregateType, aggregateID, e.Sequence, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return page, nil
}

func (es *SQLEventStore) Version(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	var v int
	err := es.db.QueryRowContext(ctx,
		es.q("SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?"),
		aggregateType, aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// SaveSnapshot upserts; an older or equal version never replaces a newer one.
func (es *SQLEventStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = es.now()
	}
	_, err := es.db.ExecContext(ctx,
		es.q(`INSERT INTO snapshots (aggregate_type, aggregate_id, version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			created_at = excluded.created_at
		WHERE excluded.version > snapshots.version`),
		snapshot.AggregateType, snapshot.AggregateID, snapshot.Version, string(snapshot.State), toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// PendingChanges returns up to limit outbox entries in commit order, each
// with the events it covers.
func (es *SQLEventStore) PendingChanges(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	type outboxRow struct {
		id          int64
		aggType     string
		aggID       string
		first, last int
	}

	rows, err := es.db.QueryContext(ctx,
		es.q(`SELECT id, aggregate_type, aggregate_id, first_sequence, last_sequence
		FROM event_outbox ORDER BY id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	var pending []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.aggType, &r.aggID, &r.first, &r.last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}

	changes := make([]Change, 0, len(pending))
	for _, r := range pending {
		evts, err := es.readPage(ctx, r.aggType, r.aggID, r.first-1, r.last-r.first+1)
		if err != nil {
			return nil, err
		}
		if len(evts) != r.last-r.first+1 {
			log.WithFields(log.Fields{
				"outbox_id": r.id, "aggregate_id": r.aggID,
				"want": r.last - r.first + 1, "got": len(evts),
			}).Warn("[SQLEventStore] outbox entry does not match the event log")
		}
		changes = append(changes, Change{ID: r.id, AggregateType: r.aggType, AggregateID: r.aggID, Events: evts})
	}
	return changes, nil
}

func (es *SQLEventStore) AckChanges(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback()
	del := es.q("DELETE FROM event_outbox WHERE id = ?")
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, del, id); err != nil {
			return fmt.Errorf("ack outbox %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}
	return nil
}
