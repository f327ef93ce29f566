package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"extractplane/internal/queue"
	"extractplane/internal/store"
	"extractplane/pkg/api"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EnqueueJob handles POST /jobs.
// A duplicate idempotency key returns the live job with 200 instead of 201.
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
	})
	if errors.Is(err, queue.ErrDuplicateJob) && job != nil {
		h.respondJson(w, http.StatusOK, api.EnqueueJobResponse{
			JobID:     job.ID.String(),
			Status:    string(job.Status),
			Duplicate: true,
		})
		return
	}
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.EnqueueJobResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	})
}

// ListJobs handles GET /jobs?status=&limit=&offset=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := store.JobStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		h.httpError(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	limit, offset := defaultListLimit, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}

	jobs, err := h.jobs.List(r.Context(), status, limit, offset)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job))
}

// RetryJob handles POST /jobs/{id}/retry.
// Only failed jobs can be retried; the attempt budget starts over.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.Retry(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job))
}

func toJobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		ID:             j.ID.String(),
		Type:           j.Type,
		Payload:        j.Payload,
		Status:         string(j.Status),
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		LockedBy:       j.LockedBy,
		IdempotencyKey: j.IdempotencyKey,
		VisibleAfter:   j.VisibleAfter,
		CreatedAt:      j.CreatedAt,
		ClaimedAt:      j.ClaimedAt,
		CompletedAt:    j.CompletedAt,
	}
}
