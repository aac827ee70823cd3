package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RenderStatusPending   = "pending"
	RenderStatusSubmitted = "submitted"
	RenderStatusCompleted = "completed"
	RenderStatusFailed    = "failed"
	RenderStatusTimedOut  = "timed_out"
)

const (
	RenderModeText  = "text"
	RenderModeImage = "image"
)

// RenderJob records one generation request. The row is created before the
// prompt reaches the engine and closed when the run returns.
type RenderJob struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"     json:"tenant_id"`
	SessionID    string     `db:"session_id"    json:"session_id"`
	PromptID     *string    `db:"prompt_id"     json:"prompt_id,omitempty"`
	Workflow     string     `db:"workflow"      json:"workflow"`
	Mode         string     `db:"mode"          json:"mode"`
	Status       string     `db:"status"        json:"status"`
	Seed         *int64     `db:"seed"          json:"seed,omitempty"`
	OutputURL    *string    `db:"output_url"    json:"output_url,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// ValidRenderStatus reports whether s is a known render job status.
func ValidRenderStatus(s string) bool {
	switch s {
	case RenderStatusPending, RenderStatusSubmitted, RenderStatusCompleted, RenderStatusFailed, RenderStatusTimedOut:
		return true
	}
	return false
}
