// Package registry records the code examples produced by extraction jobs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"extractplane/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidExample is returned when a code example fails validation.
var ErrInvalidExample = errors.New("invalid code example")

// RecordRequest describes a produced code example.
type RecordRequest struct {
	RequirementID string
	Path          string
	// Port is the fixed preview port, or 0 when the example is served by path routing.
	Port  int
	JobID *uuid.UUID
}

// Registry is the catalogue of code examples awaiting or past review.
// Path and port are set once by Record and never change.
type Registry struct {
	store  store.CodeExampleStore
	logger *slog.Logger
}

// New creates a registry over s.
func New(s store.CodeExampleStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger.With("component", "registry")}
}

// Record creates a code example in pending review.
func (r *Registry) Record(ctx context.Context, req RecordRequest) (*store.CodeExample, error) {
	if strings.TrimSpace(req.RequirementID) == "" {
		return nil, fmt.Errorf("%w: requirement id is required", ErrInvalidExample)
	}
	clean, err := CleanPath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Port < 0 || req.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidExample, req.Port)
	}

	example := &store.CodeExample{
		RequirementID: req.RequirementID,
		JobID:         req.JobID,
		Path:          clean,
		Port:          req.Port,
	}
	if err := r.store.CreateCodeExample(ctx, example); err != nil {
		return nil, err
	}

	r.logger.Info("code example recorded",
		"example_id", example.ID,
		"requirement_id", example.RequirementID,
		"path", example.Path,
		"port", example.Port,
	)
	return example, nil
}

// Get returns a code example or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*store.CodeExample, error) {
	return r.store.GetCodeExample(ctx, id)
}

// ListByStatus returns the code examples in a review status, oldest first.
func (r *Registry) ListByStatus(ctx context.Context, status store.ReviewStatus) ([]store.CodeExample, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown review status %q", ErrInvalidExample, status)
	}
	return r.store.ListCodeExamplesByStatus(ctx, status)
}

// CleanPath normalizes an artifact path relative to the artifact root.
// Absolute paths and paths that leave the root are rejected.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidExample)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: path %q must be relative", ErrInvalidExample, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path %q escapes the artifact root", ErrInvalidExample, p)
	}
	return clean, nil
}
