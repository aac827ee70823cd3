package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

// maxImageBytes bounds a single fetched or read image.
const maxImageBytes = 64 << 20

// Resolver turns a Ref into bytes plus an upload filename.
type Resolver struct {
	client *http.Client
	logger *slog.Logger
}

// NewResolver creates a Resolver. timeout bounds each URL fetch.
func NewResolver(timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Resolve loads the image ref names. Bytes pass through, URLs are fetched
// and existing paths are read; anything else is errs.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref *Ref) ([]byte, string, error) {
	switch {
	case ref.IsZero():
		return nil, "", fmt.Errorf("%w: no image reference given", errs.ErrValidation)
	case ref.Data != nil:
		r.logger.Info("using image data from bytes", "bytes", len(ref.Data))
		return ref.Data, DefaultFilename, nil
	case ref.URL != "":
		return r.fetch(ctx, ref.URL)
	default:
		return r.read(ref.Path)
	}
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: building image request: %v", errs.ErrValidation, err)
	}

	r.logger.Info("downloading image", "url", rawURL)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: could not download image: %v", errs.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: image download returned status %d", errs.ErrConnection, resp.StatusCode)
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading image body: %v", errs.ErrConnection, err)
	}

	r.logger.Info("downloaded image", "bytes", len(data))
	return data, urlFilename(rawURL), nil
}

func (r *Resolver) read(p string) ([]byte, string, error) {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: input image path or URL not found or invalid: %s", errs.ErrNotFound, p)
	}
	if err != nil {
		return nil, "", fmt.Errorf("opening image %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("opening image %s: %w", p, err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("%w: input image path is a directory: %s", errs.ErrNotFound, p)
	}

	data, err := readLimited(f)
	if err != nil {
		return nil, "", fmt.Errorf("reading image %s: %w", p, err)
	}

	r.logger.Info("read image from local path", "path", p, "bytes", len(data))
	return data, filepath.Base(p), nil
}

func readLimited(rd io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", errs.ErrValidation, maxImageBytes)
	}
	return data, nil
}

// urlFilename returns the last path segment of rawURL, or DefaultFilename.
func urlFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFilename
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return DefaultFilename
	}
	return base
}
