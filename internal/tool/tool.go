// Package tool is the string-returning boundary used by agent hosts and the
// CLI. Every failure is rendered as a human-readable message; nothing panics
// or returns an error across it.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/kiranshivaraju/comfyrun/internal/render"
)

// Generator runs render jobs.
type Generator interface {
	GenerateFromText(ctx context.Context, req render.TextRequest) (render.Result, error)
	GenerateFromImage(ctx context.Context, req render.ImageRequest) (render.Result, error)
}

// Library exposes the workflow templates.
type Library interface {
	List() ([]string, error)
	Raw(name string) ([]byte, error)
}

// Tools binds a Generator and a Library to the host-facing operations.
type Tools struct {
	gen    Generator
	lib    Library
	logger *slog.Logger
}

// New creates Tools. A nil logger uses slog.Default().
func New(gen Generator, lib Library, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{gen: gen, lib: lib, logger: logger}
}

// GenerateFromText renders prompt with the named workflow and returns the
// image URL or an error message. Zero dimensions default to 1024.
func (t *Tools) GenerateFromText(ctx context.Context, prompt, workflow string, width, height int, seed *uint64) (out string) {
	defer t.recoverInto(&out, "generate_image_from_text")

	t.logger.Info("generate_image_from_text called",
		"prompt", prompt, "width", width, "height", height, "workflow", workflow)

	res, err := t.gen.GenerateFromText(ctx, render.TextRequest{
		Workflow: workflow,
		Prompt:   prompt,
		Width:    width,
		Height:   height,
		Seed:     seed,
	})
	if err != nil {
		return t.describe(err, "Error generating image")
	}
	t.logger.Info("image generation successful", "url", res.URL, "prompt_id", res.PromptID)
	return res.URL
}

// GenerateFromImage renders prompt over the referenced image. image may be
// an http(s) URL, a local path or a base64 data:image URI.
func (t *Tools) GenerateFromImage(ctx context.Context, prompt, workflow, image string, denoise float64, seed *uint64) (out string) {
	defer t.recoverInto(&out, "generate_image_from_image")

	ref, err := asset.ParseRef(image)
	if err != nil {
		if strings.HasPrefix(strings.TrimSpace(image), "data:image") {
			t.logger.Error("decoding base64 image data", "error", err)
			return fmt.Sprintf("Error: Could not decode base64 image data: %v", err)
		}
		return t.describe(err, "Error generating image from image")
	}

	t.logger.Info("generate_image_from_image called",
		"prompt", prompt, "image", ref.String(), "denoise", denoise, "workflow", workflow)

	res, err := t.gen.GenerateFromImage(ctx, render.ImageRequest{
		Workflow: workflow,
		Prompt:   prompt,
		Image:    ref,
		Denoise:  &denoise,
		Seed:     seed,
	})
	if err != nil {
		return t.describe(err, "Error generating image from image")
	}
	t.logger.Info("image generation from image successful", "url", res.URL, "prompt_id", res.PromptID)
	return res.URL
}

// Workflows lists the available template names.
func (t *Tools) Workflows() ([]string, error) {
	return t.lib.List()
}

// WorkflowResource returns the named template as indented JSON, or a JSON
// object with an "error" field.
func (t *Tools) WorkflowResource(name string) string {
	raw, err := t.lib.Raw(name)
	if err == nil {
		return string(raw)
	}

	var msg string
	switch {
	case errors.Is(err, errs.ErrNotFound):
		t.logger.Error("workflow resource not found", "workflow", name)
		msg = "Workflow file not found."
	case errors.Is(err, errs.ErrValidation):
		t.logger.Error("invalid JSON in workflow resource", "workflow", name)
		msg = "Invalid JSON in workflow file."
	default:
		t.logger.Error("reading workflow resource", "workflow", name, "error", err)
		msg = fmt.Sprintf("Error reading workflow file: %v", err)
	}
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// PromptSuggestion builds the user message that nudges an agent toward the
// text-to-image tool.
func PromptSuggestion(prompt string, width, height int, workflow string) string {
	if width == 0 {
		width = render.DefaultWidth
	}
	if height == 0 {
		height = render.DefaultHeight
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate an image with the prompt: '%s'", prompt)
	if width != render.DefaultWidth || height != render.DefaultHeight {
		fmt.Fprintf(&b, ", size %dx%d", width, height)
	}
	if workflow != "" {
		fmt.Fprintf(&b, ", using workflow '%s'", workflow)
	}
	b.WriteString(".")
	return b.String()
}

func (t *Tools) describe(err error, prefix string) string {
	var wfErr *render.WorkflowError
	if errors.As(err, &wfErr) && errors.Is(err, errs.ErrNotFound) {
		t.logger.Error("workflow file error", "error", err)
		return fmt.Sprintf("Error: Workflow '%s' not found.", wfErr.Name)
	}
	if isKnown(err) {
		t.logger.Error("image generation failed", "error", err)
		return fmt.Sprintf("%s: %v", prefix, err)
	}
	t.logger.Error("unexpected error during image generation", "error", err)
	return fmt.Sprintf("Error: An unexpected error occurred: %v", err)
}

func isKnown(err error) bool {
	for _, target := range []error{errs.ErrNotFound, errs.ErrValidation, errs.ErrConnection, errs.ErrRuntime, errs.ErrTimeout} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (t *Tools) recoverInto(out *string, op string) {
	if r := recover(); r != nil {
		t.logger.Error("panic in tool", "op", op, "error", r)
		*out = fmt.Sprintf("Error: An unexpected error occurred: %v", r)
	}
}
