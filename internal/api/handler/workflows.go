package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

// WorkflowLibrary exposes the workflow templates.
type WorkflowLibrary interface {
	List() ([]string, error)
	Raw(name string) ([]byte, error)
}

// NewListWorkflowsHandler returns an http.HandlerFunc for GET /api/v1/workflows.
func NewListWorkflowsHandler(lib WorkflowLibrary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := lib.List()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list workflows", nil)
			return
		}
		response.JSON(w, map[string]any{"workflows": names})
	}
}

// NewGetWorkflowHandler returns an http.HandlerFunc for GET /api/v1/workflows/{name}.
func NewGetWorkflowHandler(lib WorkflowLibrary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		raw, err := lib.Raw(name)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			response.Error(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "Workflow file not found", nil)
			return
		case errors.Is(err, errs.ErrValidation):
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_WORKFLOW", "Invalid JSON in workflow file", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read workflow", nil)
			return
		}

		response.JSON(w, map[string]any{
			"name":  name,
			"graph": json.RawMessage(raw),
		})
	}
}
