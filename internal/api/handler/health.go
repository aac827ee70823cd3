package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/comfyrun/internal/api/response"
)

// Pinger is anything whose liveness can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyChecker probes the render engine.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// NewHealthHandler checks database, cache and engine connectivity.
func NewHealthHandler(db, cache Pinger, engine ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"engine":   "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := engine.Ready(r.Context()); err != nil {
			checks["engine"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
