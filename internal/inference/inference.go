// Package inference defines the client interface to the model-serving
// backend and the error taxonomy the bridge maps into call_error frames.
// Concrete backends live in sub-packages (ollama); a deterministic mock
// is provided here for backend-free development.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for backend failures. Wrapped by concrete clients so
// callers can branch with errors.Is.
var (
	// ErrUnreachable means the backend could not be contacted at all.
	ErrUnreachable = errors.New("inference backend unreachable")

	// ErrTimeout means the per-call request deadline expired before the
	// backend answered. Always shorter than the run timeout, so a stalled
	// backend cannot consume the whole execution budget.
	ErrTimeout = errors.New("inference request timed out")
)

// RejectedError is returned when the backend answered with an error status.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("inference request rejected (status %d): %s", e.StatusCode, e.Reason)
}

// Client is the narrow interface the bridge uses for model inference.
// Implementations must be safe for concurrent use — the underlying
// connection pool is the only resource shared across runs.
type Client interface {
	// Generate produces a completion for the prompt on the named model.
	// No retries at this layer; retry policy belongs to the caller.
	Generate(ctx context.Context, model, prompt string) (string, error)

	// ListModels returns the model names the backend currently serves.
	ListModels(ctx context.Context) ([]string, error)

	// Name identifies the backend (e.g. "ollama", "mock").
	Name() string
}
