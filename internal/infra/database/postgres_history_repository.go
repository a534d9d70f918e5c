// internal/infra/database/postgres_history_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"invoice_dispatch_bot/internal/domain/dispatch"

	"github.com/lib/pq" // For pq.Array and driver registration
)

// PostgresHistoryRepository stores dispatch records in Postgres for
// deployments where several hosts share one history. Schema:
//
//	CREATE TABLE dispatch_records (
//	    id            BIGSERIAL PRIMARY KEY,
//	    organization  TEXT        NOT NULL,
//	    week_start    DATE        NOT NULL,
//	    week_end      DATE        NOT NULL,
//	    source_file   TEXT        NOT NULL,
//	    dispatched_at TIMESTAMPTZ NOT NULL,
//	    recipients    TEXT[]      NOT NULL,
//	    message_id    TEXT        NOT NULL DEFAULT ''
//	);
//	CREATE INDEX dispatch_records_key_idx
//	    ON dispatch_records (organization, week_start, week_end, source_file);
//
// There is deliberately no unique constraint: the table is append-only and
// dedup is enforced at the membership test, not at write time. Concurrent
// runs on the same key are serialized by the advisory lock in WithKeyLock.
type PostgresHistoryRepository struct {
	db *sql.DB
}

func NewPostgresHistoryRepository(db *sql.DB) *PostgresHistoryRepository {
	return &PostgresHistoryRepository{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx, so the same statements
// serve the plain methods and the in-transaction guard.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Exists reports whether any record matches the full key tuple.
func (r *PostgresHistoryRepository) Exists(ctx context.Context, key dispatch.Key) (bool, error) {
	return existsIn(ctx, r.db, key)
}

// Append inserts one record. Inserts are row-atomic, so concurrent readers
// never observe a partial record.
func (r *PostgresHistoryRepository) Append(ctx context.Context, rec *dispatch.Record) error {
	return appendIn(ctx, r.db, rec)
}

// WithKeyLock runs fn inside a transaction holding a transaction-scoped
// advisory lock derived from the key tuple. Another run hitting
// WithKeyLock for the same key blocks until this transaction commits or
// rolls back, so the membership test and the append inside fn cannot
// interleave with a concurrent run's.
func (r *PostgresHistoryRepository) WithKeyLock(ctx context.Context, key dispatch.Key, fn func(g dispatch.Guard) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting dispatch transaction: %w", err)
	}
	defer tx.Rollback()

	lockText := fmt.Sprintf("%s|%s|%s|%s",
		key.Organization, key.WeekStart, key.WeekEnd, key.SourceFile)
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockText); err != nil {
		return fmt.Errorf("error locking dispatch key: %w", err)
	}

	if err := fn(txGuard{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing dispatch record: %w", err)
	}
	return nil
}

// txGuard is the in-transaction view handed to WithKeyLock callbacks.
type txGuard struct {
	tx *sql.Tx
}

func (g txGuard) Exists(ctx context.Context, key dispatch.Key) (bool, error) {
	return existsIn(ctx, g.tx, key)
}

func (g txGuard) Append(ctx context.Context, rec *dispatch.Record) error {
	return appendIn(ctx, g.tx, rec)
}

func existsIn(ctx context.Context, q querier, key dispatch.Key) (bool, error) {
	query := `SELECT EXISTS(
                SELECT 1 FROM dispatch_records
                WHERE organization = $1 AND week_start = $2 AND week_end = $3 AND source_file = $4)`
	var exists bool
	err := q.QueryRowContext(ctx, query,
		key.Organization, key.WeekStart.String(), key.WeekEnd.String(), key.SourceFile,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking dispatch record existence: %w", err)
	}
	return exists, nil
}

func appendIn(ctx context.Context, q querier, rec *dispatch.Record) error {
	query := `INSERT INTO dispatch_records
                (organization, week_start, week_end, source_file, dispatched_at, recipients, message_id)
              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.ExecContext(ctx, query,
		rec.Organization, rec.WeekStart.String(), rec.WeekEnd.String(), rec.SourceFile,
		rec.DispatchedAt, pq.Array(rec.Recipients), rec.MessageID,
	)
	if err != nil {
		return fmt.Errorf("error appending dispatch record: %w", err)
	}
	return nil
}

// List returns records in append order, filtered by organization when org
// is non-empty.
func (r *PostgresHistoryRepository) List(ctx context.Context, org string) ([]*dispatch.Record, error) {
	query := `SELECT organization, week_start, week_end, source_file, dispatched_at, recipients, message_id
              FROM dispatch_records`
	args := []any{}
	if org != "" {
		query += ` WHERE organization = $1`
		args = append(args, org)
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing dispatch records: %w", err)
	}
	defer rows.Close()

	var records []*dispatch.Record
	for rows.Next() {
		rec := &dispatch.Record{}
		var weekStart, weekEnd sql.NullTime
		if err := rows.Scan(
			&rec.Organization, &weekStart, &weekEnd, &rec.SourceFile,
			&rec.DispatchedAt, pq.Array(&rec.Recipients), &rec.MessageID,
		); err != nil {
			return nil, fmt.Errorf("error scanning dispatch record: %w", err)
		}
		// DATE columns scan as midnight in the driver's location; read the
		// civil date components directly rather than converting zones.
		if weekStart.Valid {
			y, m, d := weekStart.Time.Date()
			rec.WeekStart = dispatch.Date{Year: y, Month: m, Day: d}
		}
		if weekEnd.Valid {
			y, m, d := weekEnd.Time.Date()
			rec.WeekEnd = dispatch.Date{Year: y, Month: m, Day: d}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatch records: %w", err)
	}
	return records, nil
}
