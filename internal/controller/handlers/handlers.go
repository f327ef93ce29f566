// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"extractplane/internal/logger"
	"extractplane/internal/preview"
	"extractplane/internal/queue"
	"extractplane/internal/registry"
	"extractplane/internal/review"
	"extractplane/internal/store"
	"extractplane/pkg/api"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobService is the queue surface used by the jobs endpoints.
type JobService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*store.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Job, error)
	List(ctx context.Context, status store.JobStatus, limit, offset int) ([]store.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*store.Job, error)
}

// ExampleService is the code example registry.
type ExampleService interface {
	Record(ctx context.Context, req registry.RecordRequest) (*store.CodeExample, error)
	Get(ctx context.Context, id uuid.UUID) (*store.CodeExample, error)
	ListByStatus(ctx context.Context, status store.ReviewStatus) ([]store.CodeExample, error)
}

// ReviewService applies review decisions.
type ReviewService interface {
	SetReviewStatus(ctx context.Context, id uuid.UUID, d review.Decision) (*store.CodeExample, error)
}

// PreviewService manages preview servers.
type PreviewService interface {
	Start(ctx context.Context, componentID string) (preview.Snapshot, error)
	Stop(ctx context.Context, componentID string) error
	Status(componentID string) preview.Snapshot
	ListRunning() []preview.Snapshot
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Jobs     JobService
	Examples ExampleService
	Reviews  ReviewService
	Previews PreviewService
	DB       Pinger
	Logger   *slog.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	jobs     JobService
	examples ExampleService
	reviews  ReviewService
	previews PreviewService
	db       Pinger
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names in validation errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handlers{
		jobs:     d.Jobs,
		examples: d.Examples,
		reviews:  d.Reviews,
		previews: d.Previews,
		db:       d.DB,
		logger:   d.Logger.With("component", "api"),
		validate: v,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) httpErrorDetails(w http.ResponseWriter, message, details string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error:   message,
		Code:    strconv.Itoa(code),
		Details: details,
	})
}

// decode reads a JSON body into dst and validates it.
// It writes the 400 response itself and reports whether to continue.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.httpErrorDetails(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.httpErrorDetails(w, "Validation failed",
				fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()), http.StatusBadRequest)
			return false
		}
		h.httpErrorDetails(w, "Validation failed", err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// respondErr maps domain errors onto HTTP statuses.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, queue.ErrUnknownJobType),
		errors.Is(err, registry.ErrInvalidExample):
		h.httpErrorDetails(w, "Invalid request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, preview.ErrArtifactNotFound):
		h.httpErrorDetails(w, "Not found", err.Error(), http.StatusNotFound)
	case errors.Is(err, review.ErrInvalidTransition):
		h.httpErrorDetails(w, "Invalid review transition", err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrDuplicateJob),
		errors.Is(err, store.ErrNotRetryable),
		errors.Is(err, store.ErrLockLost):
		h.httpErrorDetails(w, "Conflict", err.Error(), http.StatusConflict)
	case errors.Is(err, preview.ErrResourceExhausted):
		w.Header().Set("Retry-After", "5")
		h.httpErrorDetails(w, "No preview capacity", err.Error(), http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}
