package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

const delayIndexPrefix = "jobqueue:delay:"

// Dispatcher is the sqs-shaped sink the delay index hands due jobs to.
// queue.go's SQSQueue implements this.
type Dispatcher interface {
	Send(ctx context.Context, queueName string, job Job) error
}

// Scheduler is the Durable Job Scheduler's public entry point:
// Enqueue/Cancel/Process.
type Scheduler struct {
	redis      *redis.Client
	ledger     *Ledger
	dispatcher Dispatcher
	logger     *logging.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(redisClient *redis.Client, ledger *Ledger, dispatcher Dispatcher, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{redis: redisClient, ledger: ledger, dispatcher: dispatcher, logger: logger}
}

func delayIndexKey(queue string) string {
	return delayIndexPrefix + queue
}

// score is simply run_at: the delay index's only job is to hold jobs
// until they're due. Priority ordering among due jobs is applied after
// the due slice is read back, in dispatchDue, since Redis sorted-set
// ties on score are broken lexicographically by member, not by our
// payload's priority field.
func score(runAt time.Time) float64 {
	return float64(runAt.Unix())
}

// Enqueue schedules job for delivery at job.RunAt. If job.ID has already
// been enqueued and is non-terminal, Enqueue is a no-op and returns the
// existing ID — this is the spec's required de-duplication behavior.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) (string, error) {
	created, err := s.ledger.PutPending(ctx, job)
	if err != nil {
		return "", err
	}
	if !created {
		return job.ID, nil
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}
	member := redis.Z{Score: score(job.RunAt), Member: raw}
	if err := s.redis.ZAdd(ctx, delayIndexKey(job.Queue), member).Err(); err != nil {
		return "", fmt.Errorf("jobqueue: index job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Cancel best-effort removes a not-yet-dispatched job from the delay
// index and marks the ledger record cancelled. A job already handed to
// SQS cannot be recalled here; handlers must re-check the occurrence's
// escalation epoch before any externally-visible side effect.
func (s *Scheduler) Cancel(ctx context.Context, queue, jobID string) error {
	members, err := s.redis.ZRange(ctx, delayIndexKey(queue), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: scan delay index for %s: %w", queue, err)
	}
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ID == jobID {
			if err := s.redis.ZRem(ctx, delayIndexKey(queue), raw).Err(); err != nil {
				return fmt.Errorf("jobqueue: remove job %s: %w", jobID, err)
			}
			break
		}
	}
	return s.ledger.MarkCancelled(ctx, jobID)
}

// RunDispatcher polls the delay index of the given queue and pushes due
// jobs onto the Dispatcher, until ctx is cancelled. It is
// meant to run as a single long-lived goroutine per queue in
// cmd/worker.
func (s *Scheduler) RunDispatcher(ctx context.Context, queue string, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx, queue)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context, queue string) {
	key := delayIndexKey(queue)
	max := fmt.Sprintf("%f", score(time.Now()))
	raws, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		s.logger.Error("jobqueue: scan due jobs failed", "error", err, "queue", queue)
		return
	}

	jobs := make([]struct {
		raw string
		job Job
	}, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.redis.ZRem(ctx, key, raw)
			continue
		}
		jobs = append(jobs, struct {
			raw string
			job Job
		}{raw, job})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].job.Priority > jobs[j].job.Priority })

	for _, entry := range jobs {
		if err := s.dispatcher.Send(ctx, queue, entry.job); err != nil {
			s.logger.Error("jobqueue: dispatch job failed, will retry next tick", "error", err, "job_id", entry.job.ID)
			continue
		}
		if err := s.ledger.MarkDispatched(ctx, entry.job.ID); err != nil {
			s.logger.Error("jobqueue: mark dispatched failed", "error", err, "job_id", entry.job.ID)
		}
		s.redis.ZRem(ctx, key, entry.raw)
	}
}
