package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/kiranshivaraju/comfyrun/internal/render"
)

const maxDimension = 8192

// Renderer defines the render operations the generate handlers depend on.
type Renderer interface {
	GenerateFromText(ctx context.Context, req render.TextRequest) (render.Result, error)
	GenerateFromImage(ctx context.Context, req render.ImageRequest) (render.Result, error)
}

type textRequest struct {
	Prompt   string  `json:"prompt"`
	Workflow string  `json:"workflow"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Seed     *uint64 `json:"seed"`
}

type imageRequest struct {
	Prompt   string   `json:"prompt"`
	Workflow string   `json:"workflow"`
	Image    string   `json:"image"`
	Denoise  *float64 `json:"denoise"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Seed     *uint64  `json:"seed"`
}

type generateResponse struct {
	URL       string  `json:"url"`
	PromptID  string  `json:"prompt_id"`
	SessionID string  `json:"session_id"`
	Seed      uint64  `json:"seed"`
	JobID     *string `json:"job_id,omitempty"`
}

// NewGenerateTextHandler returns an http.HandlerFunc for POST /api/v1/generate/text.
// The request blocks until the render finishes.
func NewGenerateTextHandler(svc Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req textRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if msg := validateCommon(req.Prompt, req.Width, req.Height, req.Seed); msg != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
			return
		}

		res, err := svc.GenerateFromText(r.Context(), render.TextRequest{
			Workflow: req.Workflow,
			Prompt:   req.Prompt,
			Width:    req.Width,
			Height:   req.Height,
			Seed:     req.Seed,
			TenantID: tenantID,
		})
		if err != nil {
			writeRenderError(w, err)
			return
		}
		response.JSON(w, toGenerateResponse(res))
	}
}

// NewGenerateImageHandler returns an http.HandlerFunc for POST /api/v1/generate/image.
// The image must be an http(s) URL or a base64 data:image URI; server-side
// paths are not accepted over HTTP.
func NewGenerateImageHandler(svc Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req imageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if msg := validateCommon(req.Prompt, req.Width, req.Height, req.Seed); msg != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
			return
		}
		if strings.TrimSpace(req.Image) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "image is required", nil)
			return
		}
		if req.Denoise != nil && (*req.Denoise < 0 || *req.Denoise > 1) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "denoise must be between 0.0 and 1.0", nil)
			return
		}

		ref, err := asset.ParseRef(req.Image)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if ref.Path != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"image must be an http(s) URL or a data:image URI", nil)
			return
		}

		res, err := svc.GenerateFromImage(r.Context(), render.ImageRequest{
			Workflow: req.Workflow,
			Prompt:   req.Prompt,
			Image:    ref,
			Denoise:  req.Denoise,
			Width:    req.Width,
			Height:   req.Height,
			Seed:     req.Seed,
			TenantID: tenantID,
		})
		if err != nil {
			writeRenderError(w, err)
			return
		}
		response.JSON(w, toGenerateResponse(res))
	}
}

// validateCommon checks the fields both generate routes share. Seeds are
// capped at the signed 64-bit range so the recorded job reports them back
// unchanged.
func validateCommon(prompt string, width, height int, seed *uint64) string {
	if strings.TrimSpace(prompt) == "" {
		return "prompt is required"
	}
	if width < 0 || height < 0 || width > maxDimension || height > maxDimension {
		return "width and height must be between 0 and 8192"
	}
	if seed != nil && *seed > math.MaxInt64 {
		return "seed must be between 0 and 9223372036854775807"
	}
	return ""
}

func toGenerateResponse(res render.Result) generateResponse {
	out := generateResponse{
		URL:       res.URL,
		PromptID:  res.PromptID,
		SessionID: res.SessionID,
		Seed:      res.Seed,
	}
	if res.JobID != uuid.Nil {
		id := res.JobID.String()
		out.JobID = &id
	}
	return out
}

// writeRenderError maps render failures onto the API error envelope.
func writeRenderError(w http.ResponseWriter, err error) {
	var wfErr *render.WorkflowError
	switch {
	case errors.As(err, &wfErr) && errors.Is(err, errs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND",
			"Workflow '"+wfErr.Name+"' not found", nil)
	case errors.Is(err, errs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "IMAGE_NOT_FOUND",
			"Input image not found", nil)
	case errors.Is(err, errs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, errs.ErrConnection):
		response.Error(w, http.StatusBadGateway, "ENGINE_UNAVAILABLE",
			"The render engine is not available", nil)
	case errors.Is(err, errs.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "RENDER_TIMEOUT",
			"The render did not finish in time", nil)
	case errors.Is(err, errs.ErrRuntime):
		response.Error(w, http.StatusUnprocessableEntity, "RENDER_FAILED", err.Error(), nil)
	default:
		slog.Error("unexpected render error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
