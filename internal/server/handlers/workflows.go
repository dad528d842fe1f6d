package handlers

import (
	"net/http"

	"github.com/freema/regforge/internal/workflow"
)

// WorkflowHandler lists the registered workflows.
type WorkflowHandler struct {
	registry *workflow.Registry
}

func NewWorkflowHandler(registry *workflow.Registry) *WorkflowHandler {
	return &WorkflowHandler{registry: registry}
}

type workflowInfo struct {
	workflow.Workflow
	Default          bool `json:"default"`
	InterpreterFound bool `json:"interpreter_found"`
}

// List handles GET /api/v1/workflows.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	var out []workflowInfo
	for _, wf := range h.registry.Available() {
		out = append(out, workflowInfo{
			Workflow:         wf,
			Default:          wf.Name == h.registry.Default(),
			InterpreterFound: workflow.CheckBinary(wf.Interpreter),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}
