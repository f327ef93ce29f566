package handlers

import (
	"net/http"

	"extractplane/internal/preview"
	"extractplane/pkg/api"
)

// Preview handles POST /preview with action start, stop or status.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req api.PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	switch req.Action {
	case api.PreviewActionStart:
		snap, err := h.previews.Start(r.Context(), req.ComponentID)
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		h.respondJson(w, http.StatusOK, toPreviewResponse(snap))

	case api.PreviewActionStop:
		if err := h.previews.Stop(r.Context(), req.ComponentID); err != nil {
			h.respondErr(w, r, err)
			return
		}
		h.respondJson(w, http.StatusOK, api.PreviewResponse{
			Success:     true,
			ComponentID: req.ComponentID,
			Status:      string(preview.StatusStopped),
		})

	case api.PreviewActionStatus:
		h.respondJson(w, http.StatusOK, toPreviewResponse(h.previews.Status(req.ComponentID)))
	}
}

// ListPreviews handles GET /preview.
func (h *Handlers) ListPreviews(w http.ResponseWriter, r *http.Request) {
	running := h.previews.ListRunning()

	resp := api.ListPreviewsResponse{Previews: make([]api.PreviewInfo, 0, len(running))}
	for _, s := range running {
		resp.Previews = append(resp.Previews, api.PreviewInfo{
			ComponentID: s.ComponentID,
			Port:        s.Port,
			URL:         s.URL,
			Status:      string(s.Status),
			PID:         s.PID,
			StartedAt:   s.StartedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// toPreviewResponse reports an errored preview as unsuccessful with its output tail.
func toPreviewResponse(s preview.Snapshot) api.PreviewResponse {
	return api.PreviewResponse{
		Success:     s.Status != preview.StatusErrored,
		ComponentID: s.ComponentID,
		Port:        s.Port,
		URL:         s.URL,
		Status:      string(s.Status),
		Error:       s.Error,
	}
}
