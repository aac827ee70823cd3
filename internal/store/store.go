package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateRenderJob(ctx context.Context, job *models.RenderJob) error
	GetRenderJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.RenderJob, error)
	ListRenderJobs(ctx context.Context, filter JobFilter) ([]*models.RenderJob, int, error)
	UpdateRenderJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

type JobFilter struct {
	TenantID uuid.UUID
	Status   string
	Workflow string
	Page     int
	Limit    int
}

type jobUpdateParams struct {
	PromptID     *string
	Seed         *int64
	OutputURL    *string
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithPromptID(id string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.PromptID = &id
	}
}

// WithSeed records the seed the run used. The column is a signed BIGINT;
// the API caps recorded seeds at math.MaxInt64.
func WithSeed(seed uint64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		v := int64(seed)
		p.Seed = &v
	}
}

func WithOutputURL(u string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputURL = &u
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

var validTransitions = map[string][]string{
	models.RenderStatusPending:   {models.RenderStatusSubmitted, models.RenderStatusFailed},
	models.RenderStatusSubmitted: {models.RenderStatusCompleted, models.RenderStatusFailed, models.RenderStatusTimedOut},
}

// CanTransition reports whether a render job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
