package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/api/response"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "cr_"

// minBootstrapKeyLen keeps operator-chosen keys out of guessable range.
const minBootstrapKeyLen = 24

var (
	defaultScopes = []string{"generate", "read"}
	allowedScopes = []string{"generate", "read", "admin"}
)

// KeyAdmin manages API keys for a tenant.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type keyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type createdKeyResponse struct {
	keyResponse
	Key string `json:"key"`
}

func toKeyResponse(k *models.APIKey) keyResponse {
	return keyResponse{
		ID:         k.ID.String(),
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = defaultScopes
		}
		for _, s := range scopes {
			if !slices.Contains(allowedScopes, s) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope: "+s,
					map[string]any{"allowed": allowedScopes})
				return
			}
		}

		raw := keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
		key, err := newAPIKey(tenantID, req.Name, raw, scopes)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "Key already exists, retry", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		response.Created(w, createdKeyResponse{keyResponse: toKeyResponse(key), Key: raw})
	}
}

func newAPIKey(tenantID uuid.UUID, name, raw string, scopes []string) (*models.APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}, nil
}

// KeyBootstrapper is the store surface needed to seed the first admin key.
type KeyBootstrapper interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// BootstrapAdminKey installs raw as an admin key for the default tenant when
// that tenant has no keys yet, so a fresh deployment can reach the admin
// routes. It reports whether a key was created.
func BootstrapAdminKey(ctx context.Context, keys KeyBootstrapper, raw string) (bool, error) {
	if !strings.HasPrefix(raw, keyPrefix) || len(raw) < minBootstrapKeyLen {
		return false, fmt.Errorf("bootstrap key must start with %q and be at least %d characters", keyPrefix, minBootstrapKeyLen)
	}

	tenant, err := keys.GetDefaultTenant(ctx)
	if err != nil {
		return false, fmt.Errorf("get default tenant: %w", err)
	}
	existing, err := keys.ListAPIKeys(ctx, tenant.ID)
	if err != nil {
		return false, fmt.Errorf("list api keys: %w", err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	key, err := newAPIKey(tenant.ID, "bootstrap", raw, allowedScopes)
	if err != nil {
		return false, fmt.Errorf("hash bootstrap key: %w", err)
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return false, fmt.Errorf("create bootstrap key: %w", err)
	}
	return true, nil
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		list, err := keys.ListAPIKeys(r.Context(), tenantID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}
		out := make([]keyResponse, 0, len(list))
		for _, k := range list {
			out = append(out, toKeyResponse(k))
		}
		response.JSON(w, out)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		err = keys.RevokeAPIKey(r.Context(), keyID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		response.NoContent(w)
	}
}
