package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour the SQL stores speak.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Open establishes a connection pool for the given driver and verifies it.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One writer; an in-memory database also lives on a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}

// Migrate creates the event log, snapshot, outbox, view and dead-letter
// tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schema(dialect Dialect) []string {
	jsonType, serial := "TEXT", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		jsonType, serial = "JSONB", "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_version TEXT NOT NULL,
			payload ` + jsonType + ` NOT NULL,
			metadata ` + jsonType + ` NOT NULL,
			occurred_at BIGINT NOT NULL,
			PRIMARY KEY (aggregate_type, aggregate_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			state ` + jsonType + ` NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (aggregate_type, aggregate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id ` + serial + `,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			first_sequence INTEGER NOT NULL,
			last_sequence INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dispense_views (
			view_id TEXT PRIMARY KEY,
			last_sequence INTEGER NOT NULL,
			document ` + jsonType + ` NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id ` + serial + `,
			component TEXT NOT NULL,
			record_key TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			record ` + jsonType + ` NOT NULL,
			error_class TEXT NOT NULL,
			message TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			first_failed_at BIGINT NOT NULL,
			UNIQUE (component, record_key)
		)`,
	}
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
