// Package queue is the durable store of pending replication jobs.
//
// A job is keyed by (entity, target); enqueueing the same pair twice before
// it is dispatched leaves a single job. Claimed jobs carry a lease so that
// several dispatchers can drain the same queue without processing a job
// twice.
package queue

import (
	"context"
	"sort"
	"time"
)

const (
	DefaultBaseDelay = 300 * time.Second
	DefaultLease     = 2 * time.Minute

	// maxBackoffShift bounds the exponent so the delay cannot overflow.
	maxBackoffShift = 20
)

type Job struct {
	ID            string     `json:"id"`
	EntityID      int64      `json:"entity_id"`
	TargetID      string     `json:"target_id"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LeasedUntil   *time.Time `json:"leased_until,omitempty"`
	// Dirty is set when the entity changed again while the job was leased,
	// so Complete re-arms the job instead of deleting it.
	Dirty     bool      `json:"dirty,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is implemented by every queue backend.
type Store interface {
	// Enqueue adds a job due now unless one already exists for the pair.
	// The bool reports whether a new job was created.
	Enqueue(ctx context.Context, entityID int64, targetID string, now time.Time) (Job, bool, error)
	// DequeueBatch claims up to limit due jobs, oldest next_attempt_at first.
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Job, error)
	// Complete removes the job, or re-arms it if it was marked dirty.
	Complete(ctx context.Context, jobID string, now time.Time) error
	// Fail records a failed attempt and reschedules the job with backoff.
	Fail(ctx context.Context, jobID string, now time.Time) (Job, error)
	// ListExhausted returns jobs whose attempt count reached maxAttempts.
	ListExhausted(ctx context.Context, maxAttempts int) ([]Job, error)
	Depth(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type Options struct {
	BaseDelay time.Duration
	Lease     time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	return o
}

// Backoff returns base * 2^attempts.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	return base * time.Duration(1<<uint(attempts))
}

// applyFailure is the state transition shared by the SQL backends.
// next_attempt_at never moves backwards.
func applyFailure(j Job, now time.Time, base time.Duration) Job {
	j.AttemptCount++
	last := now
	j.LastAttemptAt = &last
	next := now.Add(Backoff(base, j.AttemptCount))
	if next.Before(j.NextAttemptAt) {
		next = j.NextAttemptAt
	}
	j.NextAttemptAt = next
	j.LeasedUntil = nil
	j.Dirty = false
	return j
}

func sortDue(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].NextAttemptAt.Equal(jobs[b].NextAttemptAt) {
			return jobs[a].NextAttemptAt.Before(jobs[b].NextAttemptAt)
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
