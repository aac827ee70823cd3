// Package errs holds the sentinel errors shared by the render pipeline.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound reports a missing workflow template or input asset.
	ErrNotFound = errors.New("not found")
	// ErrValidation reports a malformed engine response or an unusable input.
	ErrValidation = errors.New("validation failed")
	// ErrConnection reports a transport failure or a non-2xx engine response.
	ErrConnection = errors.New("engine connection error")
	// ErrRuntime reports a job the engine failed, or one that produced no output.
	ErrRuntime = errors.New("render failed")
	// ErrTimeout reports a job with no terminal signal inside the tracking bound.
	ErrTimeout = errors.New("render timed out")
)
