package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_sync/internal/db"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore keeps jobs in a SQLite table. Times are stored as Unix
// nanoseconds. The single connection serializes writers, which makes the
// claim in DequeueBatch atomic.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(ctx, path, sqliteSchema)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	return &SQLiteStore{db: conn, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const jobColumns = `id, entity_id, target_id, attempt_count, last_attempt_at, next_attempt_at, leased_until, dirty, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (Job, error) {
	var (
		j             Job
		last, lease   sql.NullInt64
		next, created int64
		dirty         int
	)
	if err := row.Scan(&j.ID, &j.EntityID, &j.TargetID, &j.AttemptCount, &last, &next, &lease, &dirty, &created); err != nil {
		return Job{}, err
	}
	j.NextAttemptAt = time.Unix(0, next).UTC()
	j.CreatedAt = time.Unix(0, created).UTC()
	if last.Valid {
		t := time.Unix(0, last.Int64).UTC()
		j.LastAttemptAt = &t
	}
	if lease.Valid {
		t := time.Unix(0, lease.Int64).UTC()
		j.LeasedUntil = &t
	}
	j.Dirty = dirty != 0
	return j, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *SQLiteStore) Enqueue(ctx context.Context, entityID int64, targetID string, now time.Time) (Job, bool, error) {
	id := uuid.NewString()
	nanos := now.UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_jobs (id, entity_id, target_id, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, target_id) DO UPDATE SET
			dirty = CASE WHEN sync_jobs.leased_until > ? THEN 1 ELSE sync_jobs.dirty END
		RETURNING `+jobColumns,
		id, entityID, targetID, nanos, nanos, nanos)
	j, err := scanSQLiteJob(row)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue entity %d for %s: %w", entityID, targetID, err)
	}
	return j, j.ID == id, nil
}

func (s *SQLiteStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	nanos := now.UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_jobs SET leased_until = ?
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE next_attempt_at <= ? AND (leased_until IS NULL OR leased_until <= ?)
			ORDER BY next_attempt_at, created_at
			LIMIT ?
		)
		RETURNING `+jobColumns,
		now.Add(s.opts.Lease).UnixNano(), nanos, nanos, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortDue(jobs)
	return jobs, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_jobs SET dirty = 0, attempt_count = 0, last_attempt_at = NULL,
			leased_until = NULL, next_attempt_at = ?
		WHERE id = ? AND dirty = 1`, now.UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, jobID); err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Fail(ctx context.Context, jobID string, now time.Time) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, syncerr.New(syncerr.ErrNotFound, "fail job", jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	j = applyFailure(j, now, s.opts.BaseDelay)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_jobs SET attempt_count = ?, last_attempt_at = ?, next_attempt_at = ?,
			leased_until = NULL, dirty = 0
		WHERE id = ?`,
		j.AttemptCount, nullNanos(j.LastAttemptAt), j.NextAttemptAt.UnixNano(), jobID); err != nil {
		return Job{}, fmt.Errorf("reschedule job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *SQLiteStore) ListExhausted(ctx context.Context, maxAttempts int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs WHERE attempt_count >= ?
		ORDER BY next_attempt_at, created_at`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs`).Scan(&n)
	return n, err
}
