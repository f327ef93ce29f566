// Package preview starts and stops the dev servers that serve code examples for review.
//
// Each component has at most one live server. Start returns as soon as a port is
// reserved; dependency install, spawn and readiness happen in a supervisor
// goroutine that also reaps the process when it exits.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"extractplane/internal/store"
	"extractplane/internal/worker/runtime"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrArtifactNotFound is returned when a component has no runnable artifact.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrResourceExhausted is returned when no preview port is free.
	ErrResourceExhausted = errors.New("no preview port available")

	// ErrSpawnFailed marks a preview whose install or start command failed.
	ErrSpawnFailed = errors.New("preview failed to start")
)

// Status is the lifecycle state of a preview server.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// Snapshot is a point-in-time view of a preview server.
type Snapshot struct {
	ComponentID string    `json:"componentId"`
	Port        int       `json:"port,omitempty"`
	URL         string    `json:"url,omitempty"`
	Status      Status    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ExampleSource looks up code examples by id.
type ExampleSource interface {
	Get(ctx context.Context, id uuid.UUID) (*store.CodeExample, error)
}

// Config configures the orchestrator.
type Config struct {
	// ArtifactRoot is the directory code example paths are relative to.
	ArtifactRoot string
	// Host is used in preview URLs.
	Host string
	// PathBaseURL serves examples without a port of their own.
	PathBaseURL string

	PortBase  int
	PortCount int

	Launch LaunchSpec

	ReadyTimeout   time.Duration
	ProbeInterval  time.Duration
	InstallTimeout time.Duration
	GracePeriod    time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.PortBase <= 0 {
		c.PortBase = 3200
	}
	if c.PortCount <= 0 {
		c.PortCount = 100
	}
	if len(c.Launch.Install) == 0 {
		c.Launch.Install = []string{"npm", "install"}
	}
	if len(c.Launch.Start) == 0 {
		c.Launch.Start = []string{"npm", "run", "dev", "--", "--port", "{port}"}
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

type handle struct {
	componentID string
	port        int
	url         string
	status      Status
	pid         int
	startedAt   time.Time
	errText     string

	proc   runtime.Handle
	cancel context.CancelFunc
	// exited is closed once the supervisor has reaped the process and released the port.
	exited chan struct{}
}

func (h *handle) live() bool {
	return h.status == StatusStarting || h.status == StatusRunning
}

func (h *handle) snapshot() Snapshot {
	s := Snapshot{
		ComponentID: h.componentID,
		Status:      h.status,
		PID:         h.pid,
		StartedAt:   h.startedAt,
		Error:       h.errText,
	}
	if h.live() {
		s.Port = h.port
		s.URL = h.url
	}
	return s
}

// Orchestrator owns the live preview servers and their ports.
type Orchestrator struct {
	cfg      Config
	examples ExampleSource
	runtime  runtime.Runtime
	ports    *PortAllocator
	ledger   *Ledger
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup

	starts metric.Int64Counter
	errors metric.Int64Counter
}

// New creates an orchestrator. ledger may be nil.
func New(cfg Config, examples ExampleSource, rt runtime.Runtime, ledger *Ledger, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:      cfg,
		examples: examples,
		runtime:  rt,
		ports:    NewPortAllocator(cfg.PortBase, cfg.PortCount),
		ledger:   ledger,
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logger.With("component", "preview"),
		handles:  make(map[string]*handle),
	}

	meter := otel.Meter("extractplane/preview")
	var err error
	if o.starts, err = meter.Int64Counter("extractplane.preview.starts",
		metric.WithDescription("Preview servers spawned")); err != nil {
		o.logger.Warn("failed to create counter", "error", err)
	}
	if o.errors, err = meter.Int64Counter("extractplane.preview.errors",
		metric.WithDescription("Preview servers that failed to install, spawn or keep running")); err != nil {
		o.logger.Warn("failed to create counter", "error", err)
	}
	if _, err = meter.Int64ObservableGauge("extractplane.preview.live",
		metric.WithDescription("Preview servers starting or running"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.LiveCount()))
			return nil
		}),
	); err != nil {
		o.logger.Warn("failed to create gauge", "error", err)
	}
	return o
}

// Start launches the preview server for componentID, or returns the live one.
// It returns once a port is reserved; the server reports running when ready.
func (o *Orchestrator) Start(ctx context.Context, componentID string) (Snapshot, error) {
	id, err := uuid.Parse(componentID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: invalid component id %q", ErrArtifactNotFound, componentID)
	}
	componentID = id.String()

	if snap, ok := o.liveSnapshot(componentID); ok {
		return snap, nil
	}

	example, err := o.examples.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: no code example %s", ErrArtifactNotFound, componentID)
	}
	if err != nil {
		return Snapshot{}, err
	}

	art, err := ResolveArtifact(o.cfg.ArtifactRoot, example, o.cfg.Launch)
	if err != nil {
		return Snapshot{}, err
	}

	if example.Port == 0 {
		return Snapshot{
			ComponentID: componentID,
			Status:      StatusRunning,
			URL:         strings.TrimRight(o.cfg.PathBaseURL, "/") + "/" + example.Path,
		}, nil
	}

	o.mu.Lock()
	if h, ok := o.handles[componentID]; ok && h.live() {
		snap := h.snapshot()
		o.mu.Unlock()
		return snap, nil
	}

	port, err := o.ports.Allocate(componentID, example.Port)
	if err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}

	superCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		componentID: componentID,
		port:        port,
		url:         "http://" + o.cfg.Host + ":" + strconv.Itoa(port),
		status:      StatusStarting,
		startedAt:   time.Now().UTC(),
		cancel:      cancel,
		exited:      make(chan struct{}),
	}
	o.handles[componentID] = h
	snap := h.snapshot()
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("preview starting", "component_id", componentID, "port", port)
	go o.supervise(superCtx, h, art)
	return snap, nil
}

// Stop terminates the preview server for componentID. Stopping an absent server succeeds.
func (o *Orchestrator) Stop(ctx context.Context, componentID string) error {
	if id, err := uuid.Parse(componentID); err == nil {
		componentID = id.String()
	}

	o.mu.Lock()
	h, ok := o.handles[componentID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	delete(o.handles, componentID)
	proc := h.proc
	h.cancel()
	o.mu.Unlock()

	if proc != nil {
		stopCtx, cancel := context.WithTimeout(ctx, o.cfg.GracePeriod)
		err := proc.Stop(stopCtx)
		cancel()
		if err != nil {
			o.logger.Error("failed to stop preview", "component_id", componentID, "error", err)
		}
	}

	select {
	case <-h.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.logger.Info("preview stopped", "component_id", componentID)
	return nil
}

// Status returns the state of componentID's preview, stopped when there is none.
func (o *Orchestrator) Status(componentID string) Snapshot {
	if id, err := uuid.Parse(componentID); err == nil {
		componentID = id.String()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handles[componentID]; ok {
		return h.snapshot()
	}
	return Snapshot{ComponentID: componentID, Status: StatusStopped}
}

// ListRunning returns the starting and running previews ordered by port.
func (o *Orchestrator) ListRunning() []Snapshot {
	o.mu.Lock()
	out := make([]Snapshot, 0, len(o.handles))
	for _, h := range o.handles {
		if h.live() {
			out = append(out, h.snapshot())
		}
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// LiveCount returns the number of starting and running previews.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.handles {
		if h.live() {
			n++
		}
	}
	return n
}

// Shutdown stops every preview and waits for the supervisors to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.Stop(ctx, id); err != nil {
				o.logger.Error("failed to stop preview on shutdown", "component_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOrphans terminates preview processes recorded by a previous instance
// that are still alive, then clears the ledger.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	if o.ledger == nil {
		return nil
	}

	entries, err := o.ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read preview ledger: %w", err)
	}
	for _, e := range entries {
		if !runtime.ProcessAlive(e.PID) {
			continue
		}
		o.logger.Warn("terminating orphaned preview", "component_id", e.ComponentID, "pid", e.PID, "port", e.Port)
		termCtx, cancel := context.WithTimeout(ctx, o.cfg.GracePeriod)
		if err := runtime.TerminateGroup(termCtx, e.PID); err != nil {
			o.logger.Error("failed to terminate orphaned preview", "pid", e.PID, "error", err)
		}
		cancel()
	}
	return o.ledger.Clear(ctx)
}

func (o *Orchestrator) liveSnapshot(componentID string) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handles[componentID]; ok && h.live() {
		return h.snapshot(), true
	}
	return Snapshot{}, false
}

// current reports whether h is still the registered handle for its component.
// Callers hold o.mu.
func (o *Orchestrator) current(h *handle) bool {
	return o.handles[h.componentID] == h
}

// supervise installs, spawns and watches one preview process.
func (o *Orchestrator) supervise(ctx context.Context, h *handle, art *Artifact) {
	defer o.wg.Done()
	defer close(h.exited)
	defer o.ports.Release(h.port)

	logger := o.logger.With("component_id", h.componentID, "port", h.port)

	if art.NeedsInstall() {
		if err := o.install(ctx, h, art, logger); err != nil {
			if ctx.Err() == nil {
				o.markErrored(ctx, h, err)
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	env := map[string]string{"PORT": strconv.Itoa(h.port)}
	for k, v := range art.Launch.Env {
		env[k] = v
	}
	proc, err := o.runtime.Start(ctx, runtime.StartOptions{
		Name:    "preview-" + h.componentID,
		Command: art.StartCommand(h.port),
		Env:     env,
		Dir:     art.Dir,
	})
	if err != nil {
		o.markErrored(ctx, h, fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		return
	}
	o.add(ctx, o.starts)

	o.mu.Lock()
	stopped := !o.current(h)
	if !stopped {
		h.proc = proc
		h.pid = proc.PID()
	}
	o.mu.Unlock()
	if stopped {
		// Stop ran while we were spawning and could not see the process
		stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.GracePeriod)
		proc.Stop(stopCtx)
		cancel()
		return
	}

	if o.ledger != nil {
		entry := LedgerEntry{ComponentID: h.componentID, PID: proc.PID(), Port: h.port, StartedAt: h.startedAt}
		if err := o.ledger.Record(context.Background(), entry); err != nil {
			logger.Warn("failed to record preview in ledger", "error", err)
		}
	}

	pumpDone := make(chan struct{})
	if rc, err := proc.StreamLogs(context.Background()); err == nil {
		go func() {
			defer close(pumpDone)
			pumpLogs(rc, logger)
		}()
	} else {
		close(pumpDone)
		logger.Warn("failed to stream preview output", "error", err)
	}

	readyCtx, cancelReady := context.WithCancel(ctx)
	go o.awaitReady(readyCtx, h, art, logger)

	result, _ := proc.Wait(context.Background())
	cancelReady()
	<-pumpDone

	if o.ledger != nil {
		if err := o.ledger.Remove(context.Background(), h.componentID, proc.PID()); err != nil {
			logger.Warn("failed to remove preview from ledger", "error", err)
		}
	}
	o.handleExit(h, result, proc.LogPath(), logger)
}

func (o *Orchestrator) install(ctx context.Context, h *handle, art *Artifact, logger *slog.Logger) error {
	logger.Info("installing preview dependencies", "command", strings.Join(art.Launch.Install, " "))

	proc, err := o.runtime.Start(ctx, runtime.StartOptions{
		Name:    "install-" + h.componentID,
		Command: art.Launch.Install,
		Dir:     art.Dir,
	})
	if err != nil {
		return fmt.Errorf("%w: install: %v", ErrSpawnFailed, err)
	}

	installCtx, cancel := context.WithTimeout(ctx, o.cfg.InstallTimeout)
	defer cancel()

	result, err := proc.Wait(installCtx)
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), o.cfg.GracePeriod)
		proc.Stop(stopCtx)
		stopCancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: install timed out after %v", ErrSpawnFailed, o.cfg.InstallTimeout)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%w: install exited with code %d\n%s", ErrSpawnFailed, result.ExitCode, runtime.TailLog(proc.LogPath()))
	}
	return nil
}

func (o *Orchestrator) awaitReady(ctx context.Context, h *handle, art *Artifact, logger *slog.Logger) {
	url := "http://127.0.0.1:" + strconv.Itoa(h.port) + art.Launch.ReadyPath
	ready := waitReady(ctx, o.client, url, o.cfg.ReadyTimeout, o.cfg.ProbeInterval)
	if !ready && ctx.Err() != nil {
		// stopped or exited before the timeout
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(h) || h.status != StatusStarting {
		return
	}
	h.status = StatusRunning
	if ready {
		logger.Info("preview ready", "url", h.url)
	} else {
		logger.Warn("preview readiness timed out, assuming ready", "timeout", o.cfg.ReadyTimeout)
	}
}

func (o *Orchestrator) handleExit(h *handle, result runtime.ExitResult, logPath string, logger *slog.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.current(h) {
		return
	}
	h.proc = nil
	if result.ExitCode == 0 && result.Error == nil {
		delete(o.handles, h.componentID)
		logger.Info("preview exited")
		return
	}

	reason := fmt.Sprintf("exited with code %d", result.ExitCode)
	if result.Error != nil {
		reason = result.Error.Error()
	}
	h.status = StatusErrored
	h.errText = strings.TrimSpace(reason + "\n" + runtime.TailLog(logPath))
	o.add(context.Background(), o.errors)
	logger.Error("preview exited unexpectedly", "exit_code", result.ExitCode, "error", reason)
}

func (o *Orchestrator) markErrored(ctx context.Context, h *handle, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(h) {
		return
	}
	h.status = StatusErrored
	h.errText = err.Error()
	o.add(ctx, o.errors)
	o.logger.Error("preview failed", "component_id", h.componentID, "error", err)
}

func (o *Orchestrator) add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}
