// Package jobqueue is the durable job scheduler: delayed, de-duplicated,
// cancellable, priority-ordered jobs with at-least-once delivery and
// stalled-job redelivery. A DynamoDB ledger tracks each job's full
// lifecycle, a Redis sorted set holds not-yet-due jobs, and SQS carries
// due jobs to worker pools, whose native visibility timeout doubles as
// the scheduler's lease.
package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's place in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Job is one unit of scheduled work.
type Job struct {
	ID             string         `json:"job_id"`
	Queue          string         `json:"queue"`
	Payload        map[string]any `json:"payload"`
	RunAt          time.Time      `json:"run_at"`
	Priority       int            `json:"priority"`
	EscalationEpoch int           `json:"escalation_epoch"`
	Status         Status         `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewJob builds a Job with a fresh ID and sane defaults, mirroring the
// auto-generated-UUID envelope idiom used for every other queued payload
// in this codebase.
func NewJob(queue string, payload map[string]any, runAt time.Time, priority, maxAttempts int) Job {
	now := time.Now()
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     payload,
		RunAt:       runAt,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
