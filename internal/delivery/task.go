package delivery

import (
	"time"

	"github.com/austindbirch/harbor_sync/internal/queue"
)

// Task is the snapshot of a replication job carried in a dead letter.
type Task struct {
	JobID         string            `json:"job_id"`
	EntityID      int64             `json:"entity_id"`
	TargetID      string            `json:"target_id"`
	TargetURL     string            `json:"target_url,omitempty"`
	Attempt       int               `json:"attempt"`
	LastAttemptAt string            `json:"last_attempt_at,omitempty"` // RFC3339
	CreatedAt     string            `json:"created_at"`                // RFC3339
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`   // OTel trace propagation headers
}

// TaskFromJob copies the fields of j that matter after it is gone.
func TaskFromJob(j queue.Job, targetURL string, traceHeaders map[string]string) Task {
	t := Task{
		JobID:        j.ID,
		EntityID:     j.EntityID,
		TargetID:     j.TargetID,
		TargetURL:    targetURL,
		Attempt:      j.AttemptCount,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		TraceHeaders: traceHeaders,
	}
	if j.LastAttemptAt != nil {
		t.LastAttemptAt = j.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	return t
}
