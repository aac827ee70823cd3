// Package comfy talks to a ComfyUI-compatible engine: job submission, image
// upload, history lookup and the per-session event stream.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/kiranshivaraju/comfyrun/internal/workflow"
	"github.com/tidwall/gjson"
)

// maxResponseBytes caps how much of an engine response is read into memory.
const maxResponseBytes = 16 << 20

// Client is the interface for the engine's HTTP API.
type Client interface {
	QueuePrompt(ctx context.Context, doc *workflow.Document, sessionID string) (string, error)
	UploadImage(ctx context.Context, data []byte, filename, sessionID string) (string, error)
	History(ctx context.Context, promptID string) (*HistoryRecord, error)
	ViewURL(desc OutputDescriptor) string
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over the engine's HTTP endpoints.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a new engine client. baseURL must not carry a
// trailing slash.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type queueRequest struct {
	Prompt   *workflow.Document `json:"prompt"`
	ClientID string             `json:"client_id"`
}

// QueuePrompt enqueues doc for execution and returns the engine's prompt id.
// It does not wait for the job to run.
func (c *HTTPClient) QueuePrompt(ctx context.Context, doc *workflow.Document, sessionID string) (string, error) {
	body, err := json.Marshal(queueRequest{Prompt: doc, ClientID: sessionID})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}

	u := c.baseURL + "/prompt"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := c.do(httpReq)
	if err != nil {
		return "", err
	}

	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid JSON response from %s", errs.ErrValidation, u)
	}
	id := gjson.GetBytes(data, "prompt_id")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("%w: invalid response from /prompt endpoint: 'prompt_id' missing", errs.ErrValidation)
	}

	c.logger.Info("queued prompt", "prompt_id", id.String(), "session_id", sessionID)
	return id.String(), nil
}

// UploadImage stores data on the engine and returns the name the engine
// assigned, which may differ from filename.
func (c *HTTPClient) UploadImage(ctx context.Context, data []byte, filename, sessionID string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}

	u := c.baseURL + "/upload/image"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("uploading image", "filename", filename, "bytes", len(data), "session_id", sessionID)
	body, err := c.do(httpReq)
	if err != nil {
		return "", err
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: invalid JSON response from %s", errs.ErrValidation, u)
	}
	name := gjson.GetBytes(body, "name")
	if !name.Exists() || name.String() == "" {
		return "", fmt.Errorf("%w: invalid response from /upload/image endpoint: 'name' missing", errs.ErrValidation)
	}

	c.logger.Info("image uploaded", "name", name.String(), "subfolder", gjson.GetBytes(body, "subfolder").String())
	return name.String(), nil
}

// History fetches the execution record for promptID. A prompt the engine
// has not recorded yet is reported as ErrValidation.
func (c *HTTPClient) History(ctx context.Context, promptID string) (*HistoryRecord, error) {
	u := fmt.Sprintf("%s/history/%s", c.baseURL, url.PathEscape(promptID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON response from %s", errs.ErrValidation, u)
	}
	entry, ok := lookupKey(gjson.ParseBytes(data), promptID)
	if !ok {
		return nil, fmt.Errorf("%w: prompt ID %s not found in history response", errs.ErrValidation, promptID)
	}

	c.logger.Info("fetched history", "prompt_id", promptID)
	return parseHistoryRecord(promptID, entry), nil
}

// ViewURL builds the externally fetchable URL for desc on this engine.
func (c *HTTPClient) ViewURL(desc OutputDescriptor) string {
	return BuildViewURL(c.baseURL, desc)
}

// Ready checks that the engine answers its system stats endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	u := c.baseURL + "/system_stats"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: engine not ready (status %d)", errs.ErrConnection, resp.StatusCode)
	}
	return nil
}

// do sends req and returns the body of a 2xx response.
func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("engine request failed", "url", req.URL.String(), "error", err)
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("engine returned error", "url", req.URL.String(), "status", resp.StatusCode, "body", truncate(data, 512))
		if msg := gjson.GetBytes(data, "error.message").String(); msg != "" {
			return nil, fmt.Errorf("%w: engine returned status %d: %s", errs.ErrConnection, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: engine returned status %d", errs.ErrConnection, resp.StatusCode)
	}
	return data, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out: %v", errs.ErrConnection, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: request timed out: %v", errs.ErrConnection, err)
	}

	return fmt.Errorf("%w: could not connect to engine: %v", errs.ErrConnection, err)
}

// lookupKey finds an object member by exact key, without interpreting it as
// a gjson path.
func lookupKey(obj gjson.Result, key string) (gjson.Result, bool) {
	var found gjson.Result
	ok := false
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found, ok = v, true
			return false
		}
		return true
	})
	return found, ok
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
