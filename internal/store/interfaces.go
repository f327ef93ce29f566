package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// JobStore handles reading and administering jobs outside the claim path.
type JobStore interface {
	// GetJobByID returns a job by its ID or ErrJobNotFound.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns jobs in the given status (all statuses when empty), newest first.
	ListJobs(ctx context.Context, status JobStatus, limit, offset int) ([]Job, error)

	// RetryJob resets a failed job to pending with a fresh attempt budget.
	RetryJob(ctx context.Context, id uuid.UUID) (*Job, error)
}

// CodeExampleStore persists code examples and their review state.
type CodeExampleStore interface {
	// CreateCodeExample inserts a new code example.
	CreateCodeExample(ctx context.Context, example *CodeExample) error

	// GetCodeExample returns a code example by ID or ErrNotFound.
	GetCodeExample(ctx context.Context, id uuid.UUID) (*CodeExample, error)

	// ListCodeExamplesByStatus returns code examples in the given review status, oldest first.
	ListCodeExamplesByStatus(ctx context.Context, status ReviewStatus) ([]CodeExample, error)

	// UpdateReviewStatus moves a pending code example to a terminal review status.
	// Returns ErrReviewFinalized if it is no longer pending.
	UpdateReviewStatus(ctx context.Context, id uuid.UUID, status ReviewStatus, reason *RejectionReason, notes *string) (*CodeExample, error)
}
