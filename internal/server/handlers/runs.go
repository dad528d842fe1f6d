package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/history"
	"github.com/freema/regforge/internal/run"
	"github.com/freema/regforge/internal/workflow"
)

// Canceller stops queued or running runs.
type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

// RunHandler handles run-related HTTP endpoints.
type RunHandler struct {
	service   *run.Service
	workflows *workflow.Registry
	canceller Canceller
	history   *history.Archive
}

// NewRunHandler creates a new run handler. history may be nil.
func NewRunHandler(service *run.Service, workflows *workflow.Registry, canceller Canceller, history *history.Archive) *RunHandler {
	return &RunHandler{service: service, workflows: workflows, canceller: canceller, history: history}
}

// Create handles POST /api/v1/runs.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req run.CreateRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wf, err := h.workflows.Get(req.Workflow)
	if err != nil {
		writeAppError(w, err)
		return
	}
	req.Workflow = wf.Name

	created, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         created.ID,
		"workflow":   created.Workflow,
		"status":     created.Status,
		"created_at": created.CreatedAt,
	})
}

// Get handles GET /api/v1/runs/{runID}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	got, err := h.service.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// List handles GET /api/v1/runs from the history archive.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "run history is disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.Recent(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": entries})
}

// Cancel handles POST /api/v1/runs/{runID}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.canceller.Cancel(r.Context(), runID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":      runID,
		"message": "cancellation requested",
	})
}

// Credentials handles GET /api/v1/runs/{runID}/credentials.
func (h *RunHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	creds, err := h.service.Credentials(r.Context(), runID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if len(creds) == 0 {
		writeAppError(w, apperror.NotFound("run %s has no extracted credentials", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          runID,
		"credentials": creds,
	})
}
