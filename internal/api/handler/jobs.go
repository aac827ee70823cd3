package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// JobReader reads render job records.
type JobReader interface {
	GetRenderJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.RenderJob, error)
	ListRenderJobs(ctx context.Context, filter store.JobFilter) ([]*models.RenderJob, int, error)
}

// StatusReader reads the cached job status.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

type jobResponse struct {
	ID           string     `json:"id"`
	Workflow     string     `json:"workflow"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	SessionID    string     `json:"session_id"`
	PromptID     *string    `json:"prompt_id,omitempty"`
	Seed         *int64     `json:"seed,omitempty"`
	OutputURL    *string    `json:"output_url,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toJobResponse(j *models.RenderJob) jobResponse {
	return jobResponse{
		ID:           j.ID.String(),
		Workflow:     j.Workflow,
		Mode:         j.Mode,
		Status:       j.Status,
		SessionID:    j.SessionID,
		PromptID:     j.PromptID,
		Seed:         j.Seed,
		OutputURL:    j.OutputURL,
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// A cached status, when present, overrides the stored one.
func NewGetJobHandler(jobs JobReader, statuses StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
			return
		}

		job, err := jobs.GetRenderJob(r.Context(), jobID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Render job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		if statuses != nil {
			if status, found, err := statuses.GetJobStatus(r.Context(), jobID); err == nil && found {
				job.Status = status
			}
		}

		response.JSON(w, toJobResponse(job))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		page := queryInt(q.Get("page"), 1)
		limit := queryInt(q.Get("limit"), 20)
		if page < 1 {
			page = 1
		}
		if limit < 1 || limit > 100 {
			limit = 20
		}

		status := q.Get("status")
		if status != "" && !models.ValidRenderStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status filter", nil)
			return
		}

		list, total, err := jobs.ListRenderJobs(r.Context(), store.JobFilter{
			TenantID: tenantID,
			Status:   status,
			Workflow: q.Get("workflow"),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		out := make([]jobResponse, 0, len(list))
		for _, j := range list {
			out = append(out, toJobResponse(j))
		}
		response.Collection(w, out, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
