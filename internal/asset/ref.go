// Package asset resolves input-image references to bytes.
package asset

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

// DefaultFilename is the upload name used when a reference carries raw bytes.
const DefaultFilename = "uploaded_image.png"

// Ref is an input image: exactly one of URL, Path or Data is set.
type Ref struct {
	URL  string
	Path string
	Data []byte
}

// FromBytes wraps raw image bytes.
func FromBytes(data []byte) *Ref { return &Ref{Data: data} }

// IsZero reports whether r names no image.
func (r *Ref) IsZero() bool {
	return r == nil || (r.URL == "" && r.Path == "" && r.Data == nil)
}

// String describes r for logs without dumping bytes.
func (r *Ref) String() string {
	switch {
	case r == nil:
		return "<nil>"
	case r.Data != nil:
		return fmt.Sprintf("<%d bytes>", len(r.Data))
	case r.URL != "":
		return r.URL
	default:
		return r.Path
	}
}

// ParseRef classifies a caller-supplied string: http(s) URLs, base64
// data:image URIs, or a filesystem path.
func ParseRef(s string) (*Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: image reference is empty", errs.ErrValidation)
	}

	if strings.HasPrefix(s, "data:image") {
		return parseDataURI(s)
	}

	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if u.Host == "" {
			return nil, fmt.Errorf("%w: image URL has no host: %s", errs.ErrValidation, s)
		}
		return &Ref{URL: s}, nil
	}

	return &Ref{Path: s}, nil
}

func parseDataURI(s string) (*Ref, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: image data URI must be base64 encoded", errs.ErrValidation)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image data URI: %v", errs.ErrValidation, err)
	}
	return &Ref{Data: data}, nil
}
