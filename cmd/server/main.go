// Package main is the entrypoint for the comfyrun API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/comfyrun/internal/api"
	"github.com/kiranshivaraju/comfyrun/internal/api/handler"
	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/cache"
	"github.com/kiranshivaraju/comfyrun/internal/comfy"
	"github.com/kiranshivaraju/comfyrun/internal/config"
	"github.com/kiranshivaraju/comfyrun/internal/render"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

// writeSlack is added to the render timeout so a synchronous generate
// request can still write its response.
const writeSlack = 60 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "engine", cfg.Engine.BaseURL, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	if cfg.Server.BootstrapKey != "" {
		created, err := handler.BootstrapAdminKey(ctx, pgStore, cfg.Server.BootstrapKey)
		if err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
		if created {
			slog.Info("bootstrap admin key installed")
		}
	}

	svc, catalog, engine, err := buildRenderer(cfg, pgStore, redisCache)
	if err != nil {
		return err
	}

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:        handler.NewHealthHandler(pgStore, redisCache, engine),
		GenerateTextHandler:  handler.NewGenerateTextHandler(svc),
		GenerateImageHandler: handler.NewGenerateImageHandler(svc),
		GetJobHandler:        handler.NewGetJobHandler(pgStore, redisCache),
		ListJobsHandler:      handler.NewListJobsHandler(pgStore),
		ListWorkflowsHandler: handler.NewListWorkflowsHandler(catalog),
		GetWorkflowHandler:   handler.NewGetWorkflowHandler(catalog),
		CreateKeyHandler:     handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:      handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Render.Timeout + writeSlack,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildRenderer wires the engine client, event listener, template catalog
// and job tracking into a render service.
func buildRenderer(cfg *config.Config, jobs render.JobStore, statuses render.StatusCache) (*render.Service, *workflow.Catalog, *comfy.HTTPClient, error) {
	roles := workflow.DefaultRoles()
	if cfg.Workflows.RolesFile != "" {
		var err error
		roles, err = workflow.LoadRoles(roles, cfg.Workflows.RolesFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load roles: %w", err)
		}
		slog.Info("role table extended", "file", cfg.Workflows.RolesFile)
	}

	engine := comfy.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.HTTPTimeout, nil)
	listener, err := comfy.NewListener(cfg.Engine.BaseURL, comfy.WSDialer{}, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create event listener: %w", err)
	}

	catalog := workflow.NewCatalog(cfg.Workflows.Dir, cfg.Workflows.Default)
	svc := render.NewService(
		catalog,
		workflow.NewMutator(roles, cfg.Workflows.OutputPrefix, nil),
		engine,
		listener,
		asset.NewResolver(cfg.Engine.HTTPTimeout, nil),
		cfg.Render.Timeout,
		render.WithJobTracking(jobs, statuses),
	)
	return svc, catalog, engine, nil
}
