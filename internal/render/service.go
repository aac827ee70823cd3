package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/comfy"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/internal/workflow"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

const jobStatusTTL = 30 * time.Minute

// Templates hands out private copies of workflow templates.
type Templates interface {
	Load(name string) (*workflow.Document, error)
	FileName(name string) string
}

// Waiter blocks until a submitted prompt reaches a terminal or inconclusive
// state, or the timeout passes.
type Waiter interface {
	AwaitCompletion(ctx context.Context, sessionID, promptID string, timeout time.Duration) (comfy.JobHandle, error)
}

// ImageResolver turns an image reference into bytes and a filename hint.
type ImageResolver interface {
	Resolve(ctx context.Context, ref *asset.Ref) ([]byte, string, error)
}

// JobStore persists render job records.
type JobStore interface {
	CreateRenderJob(ctx context.Context, job *models.RenderJob) error
	UpdateRenderJob(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
}

// StatusCache mirrors job status for pollers.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Service runs render jobs end to end: mutate, upload, submit, track and
// resolve. Runs share only the read-only templates and are safe to execute
// concurrently.
type Service struct {
	templates Templates
	mutator   *workflow.Mutator
	engine    comfy.Client
	waiter    Waiter
	images    ImageResolver
	timeout   time.Duration
	logger    *slog.Logger

	jobs  JobStore
	cache StatusCache
}

// Option configures a Service.
type Option func(*Service)

// WithJobTracking records every run that carries a tenant in jobs and mirrors
// its status in cache. Either may be nil.
func WithJobTracking(jobs JobStore, cache StatusCache) Option {
	return func(s *Service) {
		s.jobs = jobs
		s.cache = cache
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a render Service. timeout bounds the tracking phase of
// each run.
func NewService(templates Templates, mutator *workflow.Mutator, engine comfy.Client, waiter Waiter, images ImageResolver, timeout time.Duration, opts ...Option) *Service {
	s := &Service{
		templates: templates,
		mutator:   mutator,
		engine:    engine,
		waiter:    waiter,
		images:    images,
		timeout:   timeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateFromText renders a text-to-image request.
func (s *Service) GenerateFromText(ctx context.Context, req TextRequest) (Result, error) {
	return s.Run(ctx, Params{
		Workflow:  req.Workflow,
		Prompt:    req.Prompt,
		Width:     orDefault(req.Width, DefaultWidth),
		Height:    orDefault(req.Height, DefaultHeight),
		Seed:      req.Seed,
		Denoise:   DefaultDenoise,
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
	})
}

// GenerateFromImage renders an image-to-image request.
func (s *Service) GenerateFromImage(ctx context.Context, req ImageRequest) (Result, error) {
	if req.Image.IsZero() {
		return Result{}, fmt.Errorf("%w: an input image is required", errs.ErrValidation)
	}
	denoise := DefaultDenoise
	if req.Denoise != nil {
		denoise = *req.Denoise
	}
	return s.Run(ctx, Params{
		Workflow:  req.Workflow,
		Prompt:    req.Prompt,
		Width:     orDefault(req.Width, DefaultWidth),
		Height:    orDefault(req.Height, DefaultHeight),
		Seed:      req.Seed,
		Image:     req.Image,
		Denoise:   denoise,
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
	})
}

// Run executes one render job and returns the output image URL.
//
// Errors wrap the errs sentinels: a template that cannot be loaded is a
// *WorkflowError, an engine-reported failure or a finished job without output
// is errs.ErrRuntime, and a job with no terminal signal whose history shows
// neither output nor an execution error is errs.ErrTimeout. Everything else
// propagates unchanged.
func (s *Service) Run(ctx context.Context, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	name := strings.TrimSuffix(s.templates.FileName(p.Workflow), ".json")

	tmpl, err := s.templates.Load(p.Workflow)
	if err != nil {
		return Result{}, &WorkflowError{Name: name, Err: err}
	}

	logger := s.logger.With("session_id", sessionID, "workflow", name)
	jobID := s.createJob(ctx, p, sessionID, name, logger)

	res, err := s.execute(ctx, p, tmpl, sessionID, jobID, logger)
	res.SessionID = sessionID
	res.JobID = jobID

	s.finishJob(context.WithoutCancel(ctx), jobID, res, err, logger)
	if err != nil {
		logger.Error("render failed", "prompt_id", res.PromptID, "error", err)
		return res, err
	}
	logger.Info("render completed", "prompt_id", res.PromptID, "url", res.URL, "seed", res.Seed)
	return res, nil
}

func (s *Service) execute(ctx context.Context, p Params, tmpl *workflow.Document, sessionID string, jobID uuid.UUID, logger *slog.Logger) (Result, error) {
	var res Result
	var doc *workflow.Document

	if p.Image != nil {
		// Reject unusable templates before anything reaches the engine.
		if err := s.mutator.ValidateImage2Image(tmpl); err != nil {
			return res, err
		}
		data, filename, err := s.images.Resolve(ctx, p.Image)
		if err != nil {
			return res, err
		}
		uploaded, err := s.engine.UploadImage(ctx, data, filename, sessionID)
		if err != nil {
			return res, err
		}
		logger.Info("input image uploaded", "name", uploaded, "bytes", len(data))
		doc, res.Seed, err = s.mutator.ApplyImage2Image(tmpl, p.mutation(), uploaded)
		if err != nil {
			return res, err
		}
	} else {
		doc, res.Seed = s.mutator.ApplyText2Image(tmpl, p.mutation())
	}

	promptID, err := s.engine.QueuePrompt(ctx, doc, sessionID)
	if err != nil {
		return res, err
	}
	res.PromptID = promptID
	logger.Info("prompt queued", "prompt_id", promptID, "seed", res.Seed)
	s.updateJob(ctx, jobID, models.RenderStatusSubmitted, logger,
		store.WithPromptID(promptID), store.WithSeed(res.Seed))

	handle, err := s.waiter.AwaitCompletion(ctx, sessionID, promptID, s.timeout)
	if err != nil {
		return res, err
	}

	switch handle.State {
	case comfy.StateFailed:
		if handle.Err != nil {
			return res, handle.Err
		}
		return res, fmt.Errorf("%w: %s", errs.ErrRuntime, handle.Message)

	case comfy.StateTimedOut:
		// The stream may have closed early; history is authoritative.
		rec, err := s.engine.History(ctx, promptID)
		if err != nil {
			logger.Warn("history check after timeout failed", "prompt_id", promptID, "error", err)
			return res, fmt.Errorf("%w: no completion signal for prompt %s within %s", errs.ErrTimeout, promptID, s.timeout)
		}
		out, ok := comfy.ExtractOutput(rec)
		if !ok {
			if msg := rec.ErrorMessage(); msg != "" {
				return res, fmt.Errorf("%w: %s", errs.ErrRuntime, msg)
			}
			return res, fmt.Errorf("%w: no completion signal for prompt %s within %s", errs.ErrTimeout, promptID, s.timeout)
		}
		res.URL = s.engine.ViewURL(out)
		return res, nil
	}

	// Completed, or stopped on an inconclusive queue-empty status.
	rec, err := s.engine.History(ctx, promptID)
	if err != nil {
		return res, err
	}
	out, ok := comfy.ExtractOutput(rec)
	if !ok {
		if msg := rec.ErrorMessage(); msg != "" {
			return res, fmt.Errorf("%w: %s", errs.ErrRuntime, msg)
		}
		return res, fmt.Errorf("%w: no output image found for prompt %s", errs.ErrRuntime, promptID)
	}
	res.URL = s.engine.ViewURL(out)
	return res, nil
}

func (s *Service) tracking(p Params) bool {
	return s.jobs != nil && p.TenantID != uuid.Nil
}

func (s *Service) createJob(ctx context.Context, p Params, sessionID, name string, logger *slog.Logger) uuid.UUID {
	if !s.tracking(p) {
		return uuid.Nil
	}
	mode := models.RenderModeText
	if p.Image != nil {
		mode = models.RenderModeImage
	}
	now := time.Now().UTC()
	job := &models.RenderJob{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		SessionID: sessionID,
		Workflow:  name,
		Mode:      mode,
		Status:    models.RenderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateRenderJob(ctx, job); err != nil {
		logger.Warn("could not record render job", "error", err)
		return uuid.Nil
	}
	s.mirror(ctx, job.ID, models.RenderStatusPending)
	return job.ID
}

func (s *Service) finishJob(ctx context.Context, jobID uuid.UUID, res Result, runErr error, logger *slog.Logger) {
	if jobID == uuid.Nil {
		return
	}
	switch {
	case runErr == nil:
		s.updateJob(ctx, jobID, models.RenderStatusCompleted, logger, store.WithOutputURL(res.URL))
	case errors.Is(runErr, errs.ErrTimeout):
		s.updateJob(ctx, jobID, models.RenderStatusTimedOut, logger, store.WithErrorMessage(runErr.Error()))
	default:
		s.updateJob(ctx, jobID, models.RenderStatusFailed, logger, store.WithErrorMessage(runErr.Error()))
	}
}

func (s *Service) updateJob(ctx context.Context, jobID uuid.UUID, status string, logger *slog.Logger, opts ...store.JobUpdateOption) {
	if jobID == uuid.Nil {
		return
	}
	if err := s.jobs.UpdateRenderJob(ctx, jobID, status, opts...); err != nil {
		logger.Warn("could not update render job", "job_id", jobID, "status", status, "error", err)
		return
	}
	s.mirror(ctx, jobID, status)
}

func (s *Service) mirror(ctx context.Context, jobID uuid.UUID, status string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.SetJobStatus(ctx, jobID, status, jobStatusTTL)
}
