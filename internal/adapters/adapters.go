// Package adapters holds the boundary clients for third-party services the
// pipeline depends on: scraping, text/image/video generation, speech
// synthesis, and publishing. Each adapter performs one synchronous call per
// Invoke and reports failures through error values the executor classifies;
// no adapter error escapes unclassified.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request carries the inputs for one adapter invocation: the item identity
// and the portion of the payload the stage needs (prior stage outputs plus
// the per-item config).
type Request struct {
	ItemID  string
	Stage   string
	Payload map[string]any
}

// Result wraps the artifact reference a successful invocation produced.
type Result struct {
	Artifact any
}

// Adapter is the uniform call interface to one external capability.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// PermanentError marks a failure that retrying cannot fix: invalid input,
// missing configuration, or a content-policy rejection. Errors without this
// marker are treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is fmt.Errorf followed by Permanent.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err carries the non-retryable marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// statusError classifies an HTTP status: rate limits and server errors stay
// transient, other client errors are permanent.
func statusError(op string, status int) error {
	err := fmt.Errorf("%s: status %d", op, status)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return err
	}
	return Permanent(err)
}

// stageArtifact pulls a prior stage's artifact map out of the payload.
func stageArtifact(payload map[string]any, stage string) map[string]any {
	m, _ := payload[stage].(map[string]any)
	return m
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func itemConfig(payload map[string]any) map[string]any {
	m, _ := payload["config"].(map[string]any)
	return m
}
