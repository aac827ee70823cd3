package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for comfyrun.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Workflows WorkflowConfig
	Render    RenderConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	// BootstrapKey seeds an admin key for the default tenant while it has none.
	BootstrapKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig points at the ComfyUI-compatible engine.
type EngineConfig struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

// WorkflowConfig locates the job templates.
type WorkflowConfig struct {
	Dir          string
	Default      string
	RolesFile    string
	OutputPrefix string
}

type RenderConfig struct {
	// Timeout bounds the wait for a terminal event on the event stream.
	Timeout time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Only the engine and workflow settings are required; the API server
// additionally calls ValidateServer.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("COMFYRUN_PORT", 8080),
			Env:                envString("COMFYRUN_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
			BootstrapKey:       os.Getenv("COMFYRUN_BOOTSTRAP_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			BaseURL:     strings.TrimRight(envString("COMFYUI_API_BASE", "http://127.0.0.1:8188"), "/"),
			HTTPTimeout: envDuration("COMFYUI_HTTP_TIMEOUT", 60*time.Second),
		},
		Workflows: WorkflowConfig{
			Dir:          envString("COMFYUI_WORKFLOWS_DIR", "workflows"),
			Default:      envString("COMFYUI_DEFAULT_WORKFLOW", "t2image_bizyair_flux"),
			RolesFile:    os.Getenv("COMFYUI_ROLES_FILE"),
			OutputPrefix: envString("COMFYUI_OUTPUT_PREFIX", "ComfyUI"),
		},
		Render: RenderConfig{
			Timeout: envDurationSecs("RENDER_TIMEOUT_SECS", 300*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Engine.BaseURL, "http://") && !strings.HasPrefix(c.Engine.BaseURL, "https://") {
		return fmt.Errorf("COMFYUI_API_BASE must start with http:// or https://, got %q", c.Engine.BaseURL)
	}
	if c.Engine.HTTPTimeout <= 0 {
		return fmt.Errorf("COMFYUI_HTTP_TIMEOUT must be positive, got %s", c.Engine.HTTPTimeout)
	}

	if c.Workflows.Dir == "" {
		return fmt.Errorf("COMFYUI_WORKFLOWS_DIR must not be empty")
	}

	if c.Render.Timeout <= 0 {
		return fmt.Errorf("RENDER_TIMEOUT_SECS must be positive, got %s", c.Render.Timeout)
	}

	return nil
}

// ValidateServer checks the settings only the API server needs.
func (c *Config) ValidateServer() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("COMFYRUN_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.Server.RateLimitPerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
