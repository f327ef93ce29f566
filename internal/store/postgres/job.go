package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"extractplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns a page of jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status store.JobStatus, limit, offset int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	args := []interface{}{limit, offset}
	if status != "" {
		query += " WHERE status = $3"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT $1 OFFSET $2"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]store.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// RetryJob moves a permanently failed job back to pending with its attempts reset.
// If another live job has taken the idempotency key meanwhile, ErrDuplicateJob is returned.
func (s *Store) RetryJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    attempts = 0,
		    locked_by = NULL,
		    locked_at = NULL,
		    visible_after = NOW(),
		    completed_at = NULL
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id))
	if err == nil {
		return job, nil
	}
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateJob
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to retry job %s: %w", id, err)
	}

	status, err := s.jobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("job %s is %s: %w", id, status, store.ErrNotRetryable)
}
