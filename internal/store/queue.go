package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for job queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics and guard
// every state change with the current status in the write predicate.
type Queue interface {
	// Enqueue inserts a pending job. If a non-terminal job already owns the
	// idempotency key it returns that job and ErrDuplicateJob.
	Enqueue(ctx context.Context, tx DBTransaction, job *Job) (*Job, error)

	// ClaimBatch claims up to 'limit' eligible jobs for workerID atomically.
	// Claims older than lease are eligible again. Returns nil slice if none match.
	ClaimBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]Claim, error)

	// FailExpired permanently fails claims whose lease expired on their final attempt.
	FailExpired(ctx context.Context, lease time.Duration, reason string) (int64, error)

	// Complete marks a claimed job completed. Completing a completed job is a no-op.
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error

	// Fail records a failed attempt. The job returns to pending after backoff
	// while attempts remain, otherwise it becomes failed. The resulting status is returned.
	Fail(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, backoff Backoff) (JobStatus, error)

	// Heartbeat refreshes the lock of a claim still held by workerID.
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error

	// Count returns the number of non-terminal jobs.
	Count(ctx context.Context) (int64, error)
}

// Backoff delays re-eligibility of a failed job by Base * 2^(attempts-1), capped at Max.
// A zero Base makes the job claimable again immediately.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff after the given attempt number.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit < b.Base {
		limit = b.Base
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
