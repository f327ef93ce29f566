package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"extractplane/internal/preview"
	"extractplane/internal/queue"
	"extractplane/internal/registry"
	"extractplane/internal/review"
	"extractplane/internal/store"
	"extractplane/pkg/api"

	"github.com/google/uuid"
)

// Mock job service
type mockJobs struct {
	enqueueResp *store.Job
	enqueueErr  error
	getResp     *store.Job
	getErr      error
	listResp    []store.Job
	listErr     error
	retryResp   *store.Job
	retryErr    error

	// Spies
	capturedEnqueue queue.EnqueueRequest
	capturedStatus  store.JobStatus
	capturedLimit   int
	capturedOffset  int
}

func (m *mockJobs) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*store.Job, error) {
	m.capturedEnqueue = req
	return m.enqueueResp, m.enqueueErr
}

func (m *mockJobs) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return m.getResp, m.getErr
}

func (m *mockJobs) List(ctx context.Context, status store.JobStatus, limit, offset int) ([]store.Job, error) {
	m.capturedStatus, m.capturedLimit, m.capturedOffset = status, limit, offset
	return m.listResp, m.listErr
}

func (m *mockJobs) Retry(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return m.retryResp, m.retryErr
}

// Mock registry
type mockExamples struct {
	recordErr error
	getResp   *store.CodeExample
	getErr    error
	listResp  []store.CodeExample
	listErr   error

	capturedRecord registry.RecordRequest
	capturedStatus store.ReviewStatus
}

func (m *mockExamples) Record(ctx context.Context, req registry.RecordRequest) (*store.CodeExample, error) {
	m.capturedRecord = req
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	return &store.CodeExample{
		ID:            uuid.New(),
		RequirementID: req.RequirementID,
		JobID:         req.JobID,
		Path:          req.Path,
		Port:          req.Port,
		ReviewStatus:  store.ReviewStatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (m *mockExamples) Get(ctx context.Context, id uuid.UUID) (*store.CodeExample, error) {
	return m.getResp, m.getErr
}

func (m *mockExamples) ListByStatus(ctx context.Context, status store.ReviewStatus) ([]store.CodeExample, error) {
	m.capturedStatus = status
	return m.listResp, m.listErr
}

// Mock review service
type mockReviews struct {
	resp *store.CodeExample
	err  error

	capturedID       uuid.UUID
	capturedDecision review.Decision
}

func (m *mockReviews) SetReviewStatus(ctx context.Context, id uuid.UUID, d review.Decision) (*store.CodeExample, error) {
	m.capturedID, m.capturedDecision = id, d
	return m.resp, m.err
}

// Mock orchestrator
type mockPreviews struct {
	startResp  preview.Snapshot
	startErr   error
	stopErr    error
	statusResp preview.Snapshot
	running    []preview.Snapshot

	startCalls []string
	stopCalls  []string
}

func (m *mockPreviews) Start(ctx context.Context, componentID string) (preview.Snapshot, error) {
	m.startCalls = append(m.startCalls, componentID)
	return m.startResp, m.startErr
}

func (m *mockPreviews) Stop(ctx context.Context, componentID string) error {
	m.stopCalls = append(m.stopCalls, componentID)
	return m.stopErr
}

func (m *mockPreviews) Status(componentID string) preview.Snapshot {
	return m.statusResp
}

func (m *mockPreviews) ListRunning() []preview.Snapshot {
	return m.running
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

type fixture struct {
	jobs     *mockJobs
	examples *mockExamples
	reviews  *mockReviews
	previews *mockPreviews
	db       *mockPinger
}

func newFixture() *fixture {
	return &fixture{
		jobs:     &mockJobs{},
		examples: &mockExamples{},
		reviews:  &mockReviews{},
		previews: &mockPreviews{},
		db:       &mockPinger{},
	}
}

// mux routes like the controller so PathValue works.
func (f *fixture) mux() http.Handler {
	h := New(Deps{
		Jobs:     f.jobs,
		Examples: f.examples,
		Reviews:  f.reviews,
		Previews: f.previews,
		DB:       f.db,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /preview", h.Preview)
	mux.HandleFunc("GET /preview", h.ListPreviews)
	mux.HandleFunc("POST /review", h.SetReview)
	mux.HandleFunc("POST /jobs", h.EnqueueJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.RetryJob)
	mux.HandleFunc("POST /examples", h.CreateExample)
	mux.HandleFunc("GET /examples", h.ListExamples)
	mux.HandleFunc("GET /examples/{id}", h.GetExample)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	return mux
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	f.mux().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var body api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
