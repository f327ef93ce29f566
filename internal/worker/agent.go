// Package worker contains the reference worker agent that executes extraction jobs.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"extractplane/internal/queue"
	"extractplane/internal/registry"
	"extractplane/internal/store"
	"extractplane/internal/worker/runtime"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// JobQueue is the part of the queue manager the agent drives.
type JobQueue interface {
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]store.Claim, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID, reason string) error
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error
}

// ExampleRecorder stores the code example an extraction produced.
type ExampleRecorder interface {
	Record(ctx context.Context, req registry.RecordRequest) (*store.CodeExample, error)
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval time.Duration // Interval between heartbeat calls (default: 1m)
	JobTimeout        time.Duration // Upper bound for one extractor run (default: 30m)
	// ExtractorCommand is run once per job with the payload on stdin.
	ExtractorCommand []string
	// ArtifactRoot is the extractor's working directory; target paths are relative to it.
	ArtifactRoot string
}

// Agent is the main worker agent that runs the pull-loop for job execution.
type Agent struct {
	queue    JobQueue
	runtime  runtime.Runtime
	examples ExampleRecorder
	config   AgentConfig
	logger   *slog.Logger
	done     chan struct{}
}

// New creates a new worker agent.
func New(q JobQueue, rt runtime.Runtime, examples ExampleRecorder, config AgentConfig, logger *slog.Logger) *Agent {
	if config.ID == "" {
		config.ID = "worker-" + uuid.NewString()[:8]
	}

	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 1 * time.Minute
	}

	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		queue:    q,
		runtime:  rt,
		examples: examples,
		config:   config,
		logger:   logger.With("component", "worker", "worker_id", config.ID),
		done:     make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops claiming new work and allows in-flight jobs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency)

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// signalled when a slot frees up
	pollNow := make(chan struct{}, 1)

	// grows while the queue is empty, resets when work is found
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			claims, err := a.queue.ClaimBatch(ctx, a.config.ID, availableSlots)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("claim failed", "error", err)
				}
				continue
			}

			if len(claims) == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval

			a.logger.Debug("claimed jobs", "count", len(claims))

			for _, claim := range claims {
				sem <- struct{}{}

				wg.Add(1)
				go func(job store.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processJob(ctx, job)
				}(claim.Job)
			}

			if len(claims) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processJob runs the extractor for one claimed job and settles it.
// The run is detached from the poll context so in-flight jobs drain on shutdown.
func (a *Agent) processJob(ctx context.Context, job store.Job) {
	logger := a.logger.With("job_id", job.ID, "attempt", job.Attempts)

	if job.Type != store.JobTypeExtraction {
		a.fail(job, logger, fmt.Sprintf("unsupported job type %q", job.Type))
		return
	}

	payload, err := queue.DecodeExtraction(job.Payload)
	if err != nil {
		a.fail(job, logger, err.Error())
		return
	}

	traceCtx := context.WithoutCancel(ctx)
	if len(payload.Trace) > 0 {
		traceCtx = otel.GetTextMapPropagator().Extract(traceCtx, propagation.MapCarrier(payload.Trace))
	}

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(traceCtx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.type", job.Type),
			attribute.Int("job.attempt", job.Attempts),
			attribute.String("extraction.target_path", payload.TargetPath),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(spanCtx, a.config.JobTimeout)
	defer cancel()

	handle, err := a.runtime.Start(execCtx, runtime.StartOptions{
		Name:    fmt.Sprintf("job-%s-%d", job.ID, job.Attempts),
		Command: a.config.ExtractorCommand,
		Dir:     a.config.ArtifactRoot,
		Stdin:   bytes.NewReader(job.Payload),
		Env: map[string]string{
			"EXTRACT_JOB_ID":         job.ID.String(),
			"EXTRACT_TARGET_PATH":    payload.TargetPath,
			"EXTRACT_PROMPT_HASH":    payload.PromptHash,
			"EXTRACT_REQUIREMENT_ID": payload.RequirementID,
			"EXTRACT_ATTEMPT":        strconv.Itoa(job.Attempts),
		},
	})
	if err != nil {
		span.RecordError(err)
		a.fail(job, logger, fmt.Sprintf("start extractor: %v", err))
		return
	}

	logger.Info("extraction started", "pid", handle.PID(), "target_path", payload.TargetPath)

	// heartbeat cancels the run when another worker has taken the claim
	lost := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go a.runHeartbeat(hbCtx, job.ID, logger, func() {
		close(lost)
		cancel()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.streamLogs(execCtx, handle, logger)
	}()

	result, err := handle.Wait(execCtx)
	stopHeartbeat()

	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = handle.Stop(stopCtx)
		stopCancel()
	}
	wg.Wait()

	select {
	case <-lost:
		span.SetStatus(codes.Error, "lock lost")
		logger.Warn("claim lost, abandoning job")
		return
	default:
	}

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			a.fail(job, logger, fmt.Sprintf("extractor timed out after %v\n%s", a.config.JobTimeout, runtime.TailLog(handle.LogPath())))
			return
		}
		a.fail(job, logger, fmt.Sprintf("wait for extractor: %v", err))
		return
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))

	if result.ExitCode != 0 || result.Error != nil {
		reason := fmt.Sprintf("extractor exited with code %d", result.ExitCode)
		if result.Error != nil {
			reason = result.Error.Error()
			span.RecordError(result.Error)
		}
		if tail := runtime.TailLog(handle.LogPath()); tail != "" {
			reason += "\n" + tail
		}
		a.fail(job, logger, reason)
		return
	}

	requirementID := payload.RequirementID
	if requirementID == "" {
		requirementID = payload.PromptHash
	}
	jobID := job.ID
	example, err := a.examples.Record(spanCtx, registry.RecordRequest{
		RequirementID: requirementID,
		Path:          payload.TargetPath,
		Port:          payload.PreviewPort,
		JobID:         &jobID,
	})
	if err != nil {
		span.RecordError(err)
		a.fail(job, logger, fmt.Sprintf("record code example: %v", err))
		return
	}

	if err := a.queue.Complete(context.Background(), job.ID, a.config.ID); err != nil {
		logger.Error("complete failed", "example_id", example.ID, "error", err)
		return
	}
	logger.Info("extraction completed", "example_id", example.ID)
}

func (a *Agent) fail(job store.Job, logger *slog.Logger, reason string) {
	err := a.queue.Fail(context.Background(), job.ID, a.config.ID, reason)
	switch {
	case err == nil:
		logger.Warn("job failed, will retry", "reason", reason)
	case errors.Is(err, queue.ErrRetryExhausted):
		logger.Error("job failed permanently", "reason", reason)
	default:
		logger.Error("fail job", "reason", reason, "error", err)
	}
}

// runHeartbeat extends the claim periodically while a job is executing.
func (a *Agent) runHeartbeat(ctx context.Context, jobID uuid.UUID, logger *slog.Logger, onLost func()) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.queue.Heartbeat(ctx, jobID, a.config.ID)
			if errors.Is(err, queue.ErrLockLost) || errors.Is(err, queue.ErrJobNotFound) {
				onLost()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) streamLogs(ctx context.Context, handle runtime.Handle, logger *slog.Logger) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		logger.Warn("log stream unavailable", "error", err)
		return
	}
	if rc == nil {
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), "\x00", "")
		logger.Info("extractor output", "line", line)
	}
}
