// Package ollama implements the inference client for the Ollama API.
// Uses exact Ollama model names (e.g. mistral:latest, qwen2.5:1.5b).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Hungruong/wasm-forge/internal/inference"
)

const (
	defaultBaseURL = "http://localhost:11434"
	generatePath   = "/api/generate"
	tagsPath       = "/api/tags"

	// defaultTimeout is the per-request budget. It must stay shorter than
	// the run timeout so the bridge can report a call_error and let the
	// plugin continue instead of burning the whole execution budget.
	defaultTimeout = 60 * time.Second

	maxErrorBodyBytes = 4 << 10
)

// Client implements inference.Client against the Ollama HTTP API.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Ollama client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates an Ollama inference client.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		timeout:    defaultTimeout,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "ollama" }

// Generate sends the prompt to Ollama and returns the completion text.
// Errors are mapped to the inference taxonomy: connection failures become
// ErrUnreachable, expired per-request deadlines become ErrTimeout, and
// non-200 statuses become a RejectedError.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.mapTransportError(ctx, reqCtx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response body: %v", inference.ErrUnreachable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", &inference.RejectedError{
			StatusCode: httpResp.StatusCode,
			Reason:     truncate(string(respBody), maxErrorBodyBytes),
		}
	}

	var apiResp generateResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	c.logger.DebugContext(ctx, "inference request completed",
		slog.String("model", model),
		slog.Int("prompt_bytes", len(prompt)),
		slog.Int("response_bytes", len(apiResp.Response)),
		slog.Duration("duration", time.Since(start)),
	)

	return apiResp.Response, nil
}

// ListModels returns the model names currently served by Ollama.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+tagsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.mapTransportError(ctx, reqCtx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", inference.ErrUnreachable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &inference.RejectedError{
			StatusCode: httpResp.StatusCode,
			Reason:     truncate(string(respBody), maxErrorBodyBytes),
		}
	}

	var apiResp tagsResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	names := make([]string, 0, len(apiResp.Models))
	for _, m := range apiResp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// mapTransportError distinguishes our per-request deadline from caller
// cancellation and plain connection failures.
func (c *Client) mapTransportError(ctx, reqCtx context.Context, err error) error {
	if reqCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", inference.ErrTimeout, c.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", inference.ErrUnreachable, err)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// --- Ollama API wire types (unexported) ---

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// compile-time interface check
var _ inference.Client = (*Client)(nil)
