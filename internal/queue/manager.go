// Package queue implements the extraction job queue on top of a store.Queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"extractplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

var (
	// ErrRetryExhausted is returned by Fail when the job used its last attempt.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrUnknownJobType is returned when no payload schema is registered for a job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a payload does not match its schema.
	ErrInvalidPayload = errors.New("invalid payload")

	ErrDuplicateJob   = store.ErrDuplicateJob
	ErrNoJobAvailable = store.ErrNoJobAvailable
	ErrJobNotFound    = store.ErrJobNotFound
	ErrLockLost       = store.ErrLockLost
	ErrNotRetryable   = store.ErrNotRetryable
)

const leaseExpiredReason = "lease expired on final attempt"

// Backend is the storage the manager drives.
type Backend interface {
	store.Queue
	store.JobStore
}

// Config controls claim leases and retry policy.
type Config struct {
	Lease              time.Duration
	DefaultMaxAttempts int
	RetryBackoff       time.Duration
	MaxRetryBackoff    time.Duration
}

// EnqueueRequest describes a job to schedule.
type EnqueueRequest struct {
	Type    string
	Payload json.RawMessage
	// IdempotencyKey is derived from the payload when empty.
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
}

// Manager is the job queue used by the API and by workers.
type Manager struct {
	backend Backend
	schemas *SchemaRegistry
	config  Config
	logger  *slog.Logger

	enqueued  metric.Int64Counter
	claimed   metric.Int64Counter
	reclaimed metric.Int64Counter
	retried   metric.Int64Counter
	exhausted metric.Int64Counter
}

// New creates a queue manager.
func New(backend Backend, schemas *SchemaRegistry, config Config, logger *slog.Logger) *Manager {
	if config.Lease <= 0 {
		config.Lease = 5 * time.Minute
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.MaxRetryBackoff <= 0 {
		config.MaxRetryBackoff = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		backend: backend,
		schemas: schemas,
		config:  config,
		logger:  logger.With("component", "queue"),
	}

	meter := otel.Meter("extractplane/queue")
	m.enqueued = m.counter(meter, "extractplane.jobs.enqueued", "Jobs accepted by enqueue")
	m.claimed = m.counter(meter, "extractplane.jobs.claimed", "Jobs handed to workers")
	m.reclaimed = m.counter(meter, "extractplane.jobs.reclaimed", "Claims taken over from workers whose lease expired")
	m.retried = m.counter(meter, "extractplane.jobs.retried", "Failed attempts returned to pending")
	m.exhausted = m.counter(meter, "extractplane.jobs.exhausted", "Jobs that failed permanently")
	return m
}

func (m *Manager) counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		m.logger.Warn("failed to create counter", "name", name, "error", err)
	}
	return c
}

func (m *Manager) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Lease returns the claim lease the manager enforces.
func (m *Manager) Lease() time.Duration {
	return m.config.Lease
}

// Enqueue validates and schedules a job. If a non-terminal job already owns the
// idempotency key, the existing job is returned together with ErrDuplicateJob.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Job, error) {
	if m.schemas != nil {
		if err := m.schemas.Validate(req.Type, req.Payload); err != nil {
			return nil, err
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		derived, err := IdempotencyKey(req.Type, req.Payload)
		if err != nil {
			return nil, err
		}
		key = derived
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.config.DefaultMaxAttempts
	}

	job := &store.Job{
		Type:           req.Type,
		Payload:        withTrace(ctx, req.Payload),
		Priority:       req.Priority,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: key,
	}

	created, err := m.backend.Enqueue(ctx, nil, job)
	if errors.Is(err, store.ErrDuplicateJob) {
		attrs := []any{"idempotency_key", key}
		if created != nil {
			attrs = append(attrs, "job_id", created.ID, "status", created.Status)
		}
		m.logger.Info("duplicate job not enqueued", attrs...)
		return created, err
	}
	if err != nil {
		return nil, err
	}

	m.add(ctx, m.enqueued, 1, attribute.String("type", created.Type))
	m.logger.Info("job enqueued", "job_id", created.ID, "type", created.Type, "priority", created.Priority)
	return created, nil
}

// ClaimNext claims the highest-priority eligible job for workerID.
// Returns ErrNoJobAvailable when nothing is eligible.
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (*store.Claim, error) {
	claims, err := m.ClaimBatch(ctx, workerID, 1)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, ErrNoJobAvailable
	}
	return &claims[0], nil
}

// ClaimBatch claims up to limit eligible jobs in priority order. An empty result is not an error.
func (m *Manager) ClaimBatch(ctx context.Context, workerID string, limit int) ([]store.Claim, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}

	expired, err := m.backend.FailExpired(ctx, m.config.Lease, leaseExpiredReason)
	if err != nil {
		// reclaim stays safe without this; exhausted claims are simply not eligible
		m.logger.Warn("failed to expire stale claims", "error", err)
	} else if expired > 0 {
		m.add(ctx, m.exhausted, expired)
		m.logger.Warn("stale claims failed on final attempt", "count", expired)
	}

	claims, err := m.backend.ClaimBatch(ctx, workerID, m.config.Lease, limit)
	if err != nil {
		return nil, err
	}

	for _, c := range claims {
		if c.Reclaimed {
			m.add(ctx, m.reclaimed, 1)
			m.logger.Warn("stale lock reclaimed",
				"job_id", c.Job.ID,
				"previous_owner", c.PreviousOwner,
				"worker_id", workerID,
				"attempt", c.Job.Attempts,
			)
		}
	}
	m.add(ctx, m.claimed, int64(len(claims)))
	return claims, nil
}

// Complete marks a claimed job completed. Completing twice is a no-op.
func (m *Manager) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	if err := m.backend.Complete(ctx, jobID, workerID); err != nil {
		return err
	}
	m.logger.Info("job completed", "job_id", jobID, "worker_id", workerID)
	return nil
}

// Fail records a failed attempt. While attempts remain the job goes back to pending
// after backoff; otherwise it fails permanently and ErrRetryExhausted is returned.
func (m *Manager) Fail(ctx context.Context, jobID uuid.UUID, workerID, reason string) error {
	backoff := store.Backoff{Base: m.config.RetryBackoff, Max: m.config.MaxRetryBackoff}

	status, err := m.backend.Fail(ctx, jobID, workerID, reason, backoff)
	if err != nil {
		return err
	}

	if status == store.JobStatusFailed {
		m.add(ctx, m.exhausted, 1)
		m.logger.Error("job failed permanently", "job_id", jobID, "error", reason)
		return fmt.Errorf("job %s: %w", jobID, ErrRetryExhausted)
	}

	m.add(ctx, m.retried, 1)
	m.logger.Warn("job attempt failed, will retry", "job_id", jobID, "error", reason)
	return nil
}

// Heartbeat extends the lease of a claim. Returns ErrLockLost once another worker owns it.
func (m *Manager) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	return m.backend.Heartbeat(ctx, jobID, workerID)
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return m.backend.GetJobByID(ctx, id)
}

// List returns jobs, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status store.JobStatus, limit, offset int) ([]store.Job, error) {
	return m.backend.ListJobs(ctx, status, limit, offset)
}

// Retry resets a permanently failed job to pending with a fresh attempt budget.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	job, err := m.backend.RetryJob(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Info("failed job retried", "job_id", id)
	return job, nil
}

// Depth returns the number of pending and claimed jobs.
func (m *Manager) Depth(ctx context.Context) (int64, error) {
	return m.backend.Count(ctx)
}

// withTrace adds the caller's trace context to an object payload so the worker
// can continue the trace. Payloads without a valid span are returned unchanged.
func withTrace(ctx context.Context, payload json.RawMessage) json.RawMessage {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return payload
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}
	if _, ok := obj["trace"]; ok {
		return payload
	}
	encoded, err := json.Marshal(carrier)
	if err != nil {
		return payload
	}
	obj["trace"] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}
