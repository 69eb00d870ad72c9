package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_sync/internal/db"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore keeps jobs in Postgres. Claims use FOR UPDATE SKIP LOCKED so
// any number of dispatchers can share the table.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// OpenPostgres connects to dsn and applies the queue schema.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	if err := db.Migrate(ctx, pool, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue store: %w", err)
	}
	return NewPostgres(pool, opts), nil
}

// NewPostgres wraps an existing pool; the schema must already exist.
func NewPostgres(pool *pgxpool.Pool, opts Options) *PostgresStore {
	return &PostgresStore{pool: pool, opts: opts.withDefaults()}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const pgJobColumns = `id::text, entity_id, target_id, attempt_count, last_attempt_at, next_attempt_at, leased_until, dirty, created_at`

func scanPostgresJob(row pgx.Row) (Job, error) {
	var j Job
	if err := row.Scan(&j.ID, &j.EntityID, &j.TargetID, &j.AttemptCount, &j.LastAttemptAt,
		&j.NextAttemptAt, &j.LeasedUntil, &j.Dirty, &j.CreatedAt); err != nil {
		return Job{}, err
	}
	j.NextAttemptAt = j.NextAttemptAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return j, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, entityID int64, targetID string, now time.Time) (Job, bool, error) {
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (id, entity_id, target_id, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (entity_id, target_id) DO UPDATE SET
			dirty = sync_jobs.dirty OR COALESCE(sync_jobs.leased_until > $4, FALSE)
		RETURNING `+pgJobColumns,
		id, entityID, targetID, now)
	j, err := scanPostgresJob(row)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue entity %d for %s: %w", entityID, targetID, err)
	}
	return j, j.ID == id, nil
}

func (s *PostgresStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE sync_jobs j SET leased_until = $1
		FROM (
			SELECT id FROM sync_jobs
			WHERE next_attempt_at <= $2 AND (leased_until IS NULL OR leased_until <= $2)
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE j.id = due.id
		RETURNING j.id::text, j.entity_id, j.target_id, j.attempt_count, j.last_attempt_at,
			j.next_attempt_at, j.leased_until, j.dirty, j.created_at`,
		now.Add(s.opts.Lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
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

// Complete locks the row so a concurrent Enqueue either marks it dirty
// before the decision or inserts a fresh job after the delete.
func (s *PostgresStore) Complete(ctx context.Context, jobID string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var dirty bool
	err = tx.QueryRow(ctx, `SELECT dirty FROM sync_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}

	if dirty {
		_, err = tx.Exec(ctx, `
			UPDATE sync_jobs SET dirty = FALSE, attempt_count = 0, last_attempt_at = NULL,
				leased_until = NULL, next_attempt_at = $2
			WHERE id = $1`, jobID, now)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM sync_jobs WHERE id = $1`, jobID)
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID string, now time.Time) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback(ctx)

	j, err := scanPostgresJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM sync_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, syncerr.New(syncerr.ErrNotFound, "fail job", jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	j = applyFailure(j, now, s.opts.BaseDelay)
	if _, err := tx.Exec(ctx, `
		UPDATE sync_jobs SET attempt_count = $2, last_attempt_at = $3, next_attempt_at = $4,
			leased_until = NULL, dirty = FALSE
		WHERE id = $1`, jobID, j.AttemptCount, j.LastAttemptAt, j.NextAttemptAt); err != nil {
		return Job{}, fmt.Errorf("reschedule job %s: %w", jobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *PostgresStore) ListExhausted(ctx context.Context, maxAttempts int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM sync_jobs WHERE attempt_count >= $1
		ORDER BY next_attempt_at, created_at`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_jobs`).Scan(&n)
	return n, err
}
