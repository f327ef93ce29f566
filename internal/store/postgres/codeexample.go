package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"extractplane/internal/store"

	"github.com/google/uuid"
)

const codeExampleColumns = `id, requirement_id, job_id, path, port, review_status,
	rejection_reason, rejection_notes, created_at, reviewed_at`

// CreateCodeExample inserts a new code example in pending review.
func (s *Store) CreateCodeExample(ctx context.Context, example *store.CodeExample) error {
	if example.ID == uuid.Nil {
		example.ID = uuid.New()
	}
	if example.CreatedAt.IsZero() {
		example.CreatedAt = time.Now().UTC()
	}
	example.ReviewStatus = store.ReviewStatusPending
	example.RejectionReason = nil
	example.RejectionNotes = nil
	example.ReviewedAt = nil

	_, err := s.dbx.NamedExecContext(ctx, `
		INSERT INTO code_examples (id, requirement_id, job_id, path, port, review_status, created_at)
		VALUES (:id, :requirement_id, :job_id, :path, :port, :review_status, :created_at)
	`, example)
	if err != nil {
		return fmt.Errorf("failed to create code example: %w", err)
	}
	return nil
}

func (s *Store) GetCodeExample(ctx context.Context, id uuid.UUID) (*store.CodeExample, error) {
	var example store.CodeExample
	err := s.dbx.GetContext(ctx, &example, "SELECT "+codeExampleColumns+" FROM code_examples WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code example %s: %w", id, err)
	}
	return &example, nil
}

func (s *Store) ListCodeExamplesByStatus(ctx context.Context, status store.ReviewStatus) ([]store.CodeExample, error) {
	examples := make([]store.CodeExample, 0)
	err := s.dbx.SelectContext(ctx, &examples, `
		SELECT `+codeExampleColumns+`
		FROM code_examples
		WHERE review_status = $1
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list code examples: %w", err)
	}
	return examples, nil
}

// UpdateReviewStatus writes a terminal review verdict. The status predicate makes
// concurrent reviews race safely: only the first one matches a pending row.
func (s *Store) UpdateReviewStatus(ctx context.Context, id uuid.UUID, status store.ReviewStatus, reason *store.RejectionReason, notes *string) (*store.CodeExample, error) {
	var example store.CodeExample
	err := s.dbx.QueryRowxContext(ctx, `
		UPDATE code_examples
		SET review_status = $2,
		    rejection_reason = $3,
		    rejection_notes = $4,
		    reviewed_at = NOW()
		WHERE id = $1 AND review_status = 'pending'
		RETURNING `+codeExampleColumns, id, status, reason, notes).StructScan(&example)
	if err == nil {
		return &example, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update review for %s: %w", id, err)
	}

	if _, err := s.GetCodeExample(ctx, id); err != nil {
		return nil, err
	}
	return nil, store.ErrReviewFinalized
}
