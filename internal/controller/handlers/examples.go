package handlers

import (
	"net/http"

	"extractplane/internal/registry"
	"extractplane/internal/review"
	"extractplane/internal/store"
	"extractplane/pkg/api"

	"github.com/google/uuid"
)

// CreateExample handles POST /examples.
func (h *Handlers) CreateExample(w http.ResponseWriter, r *http.Request) {
	var req api.CreateExampleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec := registry.RecordRequest{
		RequirementID: req.RequirementID,
		Path:          req.Path,
		Port:          req.Port,
	}
	if req.JobID != "" {
		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			h.httpError(w, "Invalid job id", http.StatusBadRequest)
			return
		}
		rec.JobID = &jobID
	}

	example, err := h.examples.Record(r.Context(), rec)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toExampleResponse(example))
}

// ListExamples handles GET /examples?status=. The status defaults to pending.
func (h *Handlers) ListExamples(w http.ResponseWriter, r *http.Request) {
	status := store.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ReviewStatusPending
	}
	if !status.Valid() {
		h.httpError(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	examples, err := h.examples.ListByStatus(r.Context(), status)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	resp := api.ListExamplesResponse{Examples: make([]api.CodeExampleResponse, 0, len(examples))}
	for i := range examples {
		resp.Examples = append(resp.Examples, toExampleResponse(&examples[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetExample handles GET /examples/{id}.
func (h *Handlers) GetExample(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.httpError(w, "Invalid example id", http.StatusBadRequest)
		return
	}

	example, err := h.examples.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExampleResponse(example))
}

// SetReview handles POST /review.
func (h *Handlers) SetReview(w http.ResponseWriter, r *http.Request) {
	var req api.ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	// validated as a uuid above
	id := uuid.MustParse(req.ID)

	d := review.Decision{
		Status: store.ReviewStatus(req.Status),
		Notes:  req.Notes,
	}
	if req.Reason != nil {
		reason := store.RejectionReason(*req.Reason)
		d.Reason = &reason
	}

	example, err := h.reviews.SetReviewStatus(r.Context(), id, d)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExampleResponse(example))
}

func toExampleResponse(e *store.CodeExample) api.CodeExampleResponse {
	resp := api.CodeExampleResponse{
		ID:             e.ID.String(),
		RequirementID:  e.RequirementID,
		Path:           e.Path,
		Port:           e.Port,
		ReviewStatus:   string(e.ReviewStatus),
		RejectionNotes: e.RejectionNotes,
		CreatedAt:      e.CreatedAt,
		ReviewedAt:     e.ReviewedAt,
	}
	if e.JobID != nil {
		s := e.JobID.String()
		resp.JobID = &s
	}
	if e.RejectionReason != nil {
		s := string(*e.RejectionReason)
		resp.RejectionReason = &s
	}
	return resp
}
