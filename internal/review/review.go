// Package review enforces the review lifecycle of code examples.
//
// A code example starts pending and moves exactly once, to approved or to
// rejected with a reason. Both outcomes are final.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"extractplane/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned for any review change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid review transition")

// Decision is a reviewer's verdict.
type Decision struct {
	Status store.ReviewStatus
	Reason *store.RejectionReason
	Notes  *string
}

// ValidateTransition checks that d may be applied to an example in status from.
func ValidateTransition(from store.ReviewStatus, d Decision) error {
	if from != store.ReviewStatusPending {
		return fmt.Errorf("%w: %s is final", ErrInvalidTransition, from)
	}

	switch d.Status {
	case store.ReviewStatusApproved:
		if d.Reason != nil || d.Notes != nil {
			return fmt.Errorf("%w: approval takes no reason or notes", ErrInvalidTransition)
		}
	case store.ReviewStatusRejected:
		if d.Reason == nil {
			return fmt.Errorf("%w: rejection requires a reason", ErrInvalidTransition)
		}
		if !d.Reason.Valid() {
			return fmt.Errorf("%w: unknown rejection reason %q", ErrInvalidTransition, *d.Reason)
		}
	default:
		return fmt.Errorf("%w: pending -> %q", ErrInvalidTransition, d.Status)
	}
	return nil
}

// Service applies review decisions.
type Service struct {
	store  store.CodeExampleStore
	logger *slog.Logger
}

// NewService creates a review service over s.
func NewService(s store.CodeExampleStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger.With("component", "review")}
}

// SetReviewStatus applies d to the code example id. The write is conditional
// on the example still being pending, so of two concurrent reviewers only one wins;
// the other gets ErrInvalidTransition.
func (s *Service) SetReviewStatus(ctx context.Context, id uuid.UUID, d Decision) (*store.CodeExample, error) {
	d.Notes = normalizeNotes(d.Notes)

	current, err := s.store.GetCodeExample(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(current.ReviewStatus, d); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateReviewStatus(ctx, id, d.Status, d.Reason, d.Notes)
	if errors.Is(err, store.ErrReviewFinalized) {
		return nil, fmt.Errorf("%w: reviewed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	attrs := []any{"example_id", id, "status", updated.ReviewStatus}
	if updated.RejectionReason != nil {
		attrs = append(attrs, "reason", *updated.RejectionReason)
	}
	s.logger.Info("code example reviewed", attrs...)
	return updated, nil
}

func normalizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
