package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"extractplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts, last_error,
	locked_by, locked_at, idempotency_key, visible_after, created_at, claimed_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*store.Job, error) {
	var job store.Job
	var payload []byte
	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.LockedBy, &job.LockedAt, &job.IdempotencyKey, &job.VisibleAfter,
		&job.CreatedAt, &job.ClaimedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}

// Enqueue inserts a pending job. The partial unique index on idempotency_key
// turns a second live job for the same key into ErrDuplicateJob.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, job *store.Job) (*store.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.VisibleAfter.IsZero() {
		job.VisibleAfter = job.CreatedAt
	}

	executor := s.getExecutor(tx)

	query := `
		INSERT INTO jobs (id, type, payload, status, priority, max_attempts, idempotency_key, visible_after, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'claimed') DO NOTHING
		RETURNING ` + jobColumns

	created, err := scanJob(executor.QueryRowContext(ctx, query,
		job.ID, job.Type, []byte(job.Payload), job.Priority, job.MaxAttempts,
		job.IdempotencyKey, job.VisibleAfter, job.CreatedAt,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	existing, err := scanJob(executor.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE idempotency_key = $1 AND status IN ('pending', 'claimed')
	`, job.IdempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the live job finished between the insert and this read
			return nil, store.ErrDuplicateJob
		}
		return nil, fmt.Errorf("failed to load duplicate job: %w", err)
	}
	return existing, store.ErrDuplicateJob
}

// ClaimBatch claims up to 'limit' eligible jobs atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// A job is eligible when it is pending and visible, or claimed with a lock older than lease
// and attempts left. Returns nil slice if no jobs are available.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]store.Claim, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, locked_by
		FROM jobs
		WHERE (status = 'pending' AND visible_after <= NOW())
		   OR (status = 'claimed' AND locked_at < NOW() - ($1 * INTERVAL '1 second') AND attempts < max_attempts)
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}

	var ids []uuid.UUID
	previous := make(map[uuid.UUID]string)
	for rows.Next() {
		var id uuid.UUID
		var status store.JobStatus
		var lockedBy sql.NullString
		if err := rows.Scan(&id, &status, &lockedBy); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim scan failed: %w", err)
		}
		ids = append(ids, id)
		if status == store.JobStatusClaimed {
			previous[id] = lockedBy.String
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim rows error: %w", err)
	}
	rows.Close()

	// Empty queue
	if len(ids) == 0 {
		return nil, nil
	}

	updated, err := tx.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'claimed',
		    locked_by = $1,
		    locked_at = NOW(),
		    attempts = attempts + 1,
		    claimed_at = COALESCE(claimed_at, NOW())
		WHERE id = ANY($2)
		RETURNING `+jobColumns, workerID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}

	byID := make(map[uuid.UUID]*store.Job, len(ids))
	for updated.Next() {
		job, err := scanJob(updated)
		if err != nil {
			updated.Close()
			return nil, fmt.Errorf("claim update scan failed: %w", err)
		}
		byID[job.ID] = job
	}
	if err := updated.Err(); err != nil {
		updated.Close()
		return nil, fmt.Errorf("claim update rows error: %w", err)
	}
	updated.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// RETURNING has no defined order; keep the priority order of the SELECT.
	claims := make([]store.Claim, 0, len(ids))
	for _, id := range ids {
		job, ok := byID[id]
		if !ok {
			continue
		}
		owner, reclaimed := previous[id]
		claims = append(claims, store.Claim{Job: *job, Reclaimed: reclaimed, PreviousOwner: owner})
	}
	return claims, nil
}

// FailExpired permanently fails claims whose lease ran out on the final attempt,
// so stale reclaim never pushes attempts past max_attempts.
func (s *Store) FailExpired(ctx context.Context, lease time.Duration, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    completed_at = NOW()
		WHERE status = 'claimed'
		  AND locked_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts >= max_attempts
	`, lease.Seconds(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale claims: %w", err)
	}
	return res.RowsAffected()
}

// Complete handles a successful job execution.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'claimed' AND locked_by = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	status, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status == store.JobStatusCompleted {
		return nil
	}
	return store.ErrLockLost
}

// Fail handles a failed job execution with retries.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, backoff store.Backoff) (store.JobStatus, error) {
	maxDelay := backoff.Max
	if maxDelay < backoff.Base {
		maxDelay = backoff.Base
	}

	var status store.JobStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = $3,
		    locked_by = NULL,
		    locked_at = NULL,
		    visible_after = CASE WHEN attempts >= max_attempts THEN visible_after
		                         ELSE NOW() + LEAST($4 * POWER(2, GREATEST(attempts - 1, 0)), $5) * INTERVAL '1 second' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = 'claimed' AND locked_by = $2
		RETURNING status
	`, jobID, workerID, errMsg, backoff.Base.Seconds(), maxDelay.Seconds()).Scan(&status)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}

	current, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	return current, store.ErrLockLost
}

// Heartbeat extends the lease of a claim still held by workerID.
func (s *Store) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET locked_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND locked_by = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat failed for %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLockLost
	}
	return nil
}

// Count tracks count of non-terminal jobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'claimed')`).Scan(&count)
	return count, err
}

func (s *Store) jobStatus(ctx context.Context, jobID uuid.UUID) (store.JobStatus, error) {
	var status store.JobStatus
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = $1", jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrJobNotFound
	}
	return status, err
}
