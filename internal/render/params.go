package render

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/kiranshivaraju/comfyrun/internal/workflow"
)

// Default request values used when a caller leaves them unset.
const (
	DefaultWidth   = 1024
	DefaultHeight  = 1024
	DefaultDenoise = 1.0
)

// Params describes one render run.
type Params struct {
	// Workflow names the template; empty selects the catalog default.
	Workflow string
	Prompt   string
	Width    int
	Height   int
	// Seed is drawn at random when nil.
	Seed *uint64
	// Image switches the run to image-to-image.
	Image   *asset.Ref
	Denoise float64
	// SessionID correlates the upload, the submission and the event stream.
	// A fresh one is generated when empty.
	SessionID string
	// TenantID scopes the job record. Runs without a tenant are not recorded.
	TenantID uuid.UUID
}

// Validate checks the numeric ranges the mutator relies on.
func (p Params) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive, got %dx%d", errs.ErrValidation, p.Width, p.Height)
	}
	if math.IsNaN(p.Denoise) || p.Denoise < 0 || p.Denoise > 1 {
		return fmt.Errorf("%w: denoise must be between 0.0 and 1.0, got %g", errs.ErrValidation, p.Denoise)
	}
	return nil
}

func (p Params) mutation() workflow.Params {
	return workflow.Params{
		Prompt:  p.Prompt,
		Width:   p.Width,
		Height:  p.Height,
		Seed:    p.Seed,
		Denoise: p.Denoise,
	}
}

// TextRequest is a text-to-image request. Zero dimensions take the defaults.
type TextRequest struct {
	Workflow  string
	Prompt    string
	Width     int
	Height    int
	Seed      *uint64
	SessionID string
	TenantID  uuid.UUID
}

// ImageRequest is an image-to-image request. A nil Denoise means full
// strength.
type ImageRequest struct {
	Workflow  string
	Prompt    string
	Image     *asset.Ref
	Denoise   *float64
	Width     int
	Height    int
	Seed      *uint64
	SessionID string
	TenantID  uuid.UUID
}

// Result is the outcome of a successful run.
type Result struct {
	URL       string
	PromptID  string
	SessionID string
	Seed      uint64
	// JobID is uuid.Nil when the run was not recorded.
	JobID uuid.UUID
}

// WorkflowError reports a template that could not be loaded.
type WorkflowError struct {
	Name string
	Err  error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %q: %v", e.Name, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
