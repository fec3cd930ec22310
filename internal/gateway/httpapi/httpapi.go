// Package httpapi implements the HTTP API gateway for wasm-forge.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hungruong/wasm-forge/internal/admission"
	"github.com/Hungruong/wasm-forge/internal/catalog"
	"github.com/Hungruong/wasm-forge/internal/gateway"
	"github.com/Hungruong/wasm-forge/internal/gateway/ws"
	"github.com/Hungruong/wasm-forge/internal/observability"
	"github.com/Hungruong/wasm-forge/internal/plugin"
	"github.com/Hungruong/wasm-forge/internal/ratelimit"
	"github.com/Hungruong/wasm-forge/internal/runner"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// defaultHistoryLimit bounds run-history listings when the client gives no limit.
const defaultHistoryLimit = 50

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string   // e.g., ":8090"
	EnableDocs     bool
	APIKeys        []string // Bearer keys for /v1. Empty = open access.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  *runner.Runner
	plugins plugin.Store
	runs    plugin.RunStore
	models  *catalog.Catalog // nil = /v1/models disabled.
	hub     *ws.Hub          // nil = no event feed.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway around the runner and plugin store.
func NewGateway(cfg Config, r *runner.Runner, plugins plugin.Store, runs plugin.RunStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:  cfg,
		runner:  r,
		plugins: plugins,
		runs:    runs,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithModelCatalog attaches the model availability catalog to the gateway.
func (g *Gateway) WithModelCatalog(c *catalog.Catalog) *Gateway {
	g.models = c
	return g
}

// WithEventHub attaches the WebSocket run-event hub, served at /ws/events.
func (g *Gateway) WithEventHub(hub *ws.Hub) *Gateway {
	g.hub = hub
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "wasm-forge",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	metricsMw := observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", metricsMw, g.bodyLimit, g.authenticate)

	// Plugin catalog.
	g.group.Post("/plugins", g.handlePluginCreate,
		okapi.DocSummary("Upload a new plugin"),
		okapi.DocTags("Plugins"),
		okapi.DocRequestBody(PluginRequest{}),
		okapi.DocResponse(http.StatusCreated, PluginResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/plugins", g.handlePluginList,
		okapi.DocSummary("List all plugins"),
		okapi.DocTags("Plugins"),
		okapi.DocResponse([]PluginResponse{}),
	)
	g.group.Get("/plugins/{name}", g.handlePluginGet,
		okapi.DocSummary("Get a plugin by name"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocResponse(PluginResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/plugins/{name}/source", g.handlePluginSource,
		okapi.DocSummary("Get a plugin's Python source"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocResponse(PluginSourceResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/plugins/{name}", g.handlePluginUpdate,
		okapi.DocSummary("Update a plugin"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocRequestBody(PluginRequest{}),
		okapi.DocResponse(PluginResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/plugins/{name}", g.handlePluginDelete,
		okapi.DocSummary("Delete a plugin"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Execution.
	g.group.Post("/plugins/{name}/run", g.handleRun,
		okapi.DocSummary("Execute a plugin in the sandbox"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(runner.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/plugins/{name}/runs", g.handlePluginRuns,
		okapi.DocSummary("List recent runs of a plugin"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("name", "string", "Plugin name"),
		okapi.DocResponse([]RunRecord{}),
	)
	g.group.Get("/runs", g.handleRecentRuns,
		okapi.DocSummary("List recent runs across all plugins"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunRecord{}),
	)

	// Model catalog.
	if g.models != nil {
		g.group.Get("/models", g.handleModels,
			okapi.DocSummary("List permitted models and their availability"),
			okapi.DocTags("Models"),
			okapi.DocResponse(ModelsResponse{}),
		)
	}

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Run event feed.
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/ws/events", g.hub.Handler().ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", metricsMw(g.handleLiveness))
	g.okapi.Get("/readyz", metricsMw(g.handleReadiness))

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Plugin handlers ---

// PluginRequest is the JSON body for POST /v1/plugins and PUT /v1/plugins/{name}.
type PluginRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	InputType   string `json:"input_type,omitempty"`
	InputHint   string `json:"input_hint,omitempty"`
}

// PluginResponse is the catalog view of a stored plugin. Source is served
// separately via /v1/plugins/{name}/source.
type PluginResponse struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	InputType      string    `json:"input_type,omitempty"`
	InputHint      string    `json:"input_hint,omitempty"`
	Calls          int64     `json:"calls"`
	EstimatedCalls int       `json:"estimated_ai_calls"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PluginSourceResponse carries the raw plugin source.
type PluginSourceResponse struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

func pluginResponse(p *plugin.Plugin) PluginResponse {
	return PluginResponse{
		Name:           p.Name,
		Description:    p.Description,
		InputType:      p.InputType,
		InputHint:      p.InputHint,
		Calls:          p.Calls,
		EstimatedCalls: plugin.EstimateCalls(p.Source),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (g *Gateway) handlePluginCreate(c *okapi.Context) error {
	var req PluginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	name := strings.ToLower(strings.TrimSpace(req.Name))
	if err := plugin.ValidateName(name); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := plugin.ValidateSource(req.Source); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	p := &plugin.Plugin{
		ID:          uuid.New(),
		Name:        name,
		Description: req.Description,
		Source:      req.Source,
		InputType:   req.InputType,
		InputHint:   req.InputHint,
	}
	if err := g.plugins.Create(c.Context(), p); err != nil {
		if errors.Is(err, plugin.ErrNameTaken) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "plugin name already registered"})
		}
		g.logger.Error("plugin create failed", slog.String("plugin", name), slog.String("error", err.Error()))
		return c.AbortInternalServerError("storing plugin failed")
	}

	g.logger.Info("plugin created", slog.String("plugin", name))
	return c.JSON(http.StatusCreated, pluginResponse(p))
}

func (g *Gateway) handlePluginList(c *okapi.Context) error {
	plugins, err := g.plugins.List(c.Context())
	if err != nil {
		g.logger.Error("plugin list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing plugins failed")
	}
	resp := make([]PluginResponse, len(plugins))
	for i, p := range plugins {
		resp[i] = pluginResponse(p)
	}
	return c.OK(resp)
}

func (g *Gateway) handlePluginGet(c *okapi.Context) error {
	p, err := g.plugins.GetByName(c.Context(), c.Param("name"))
	if err != nil {
		return pluginError(c, err)
	}
	return c.OK(pluginResponse(p))
}

func (g *Gateway) handlePluginSource(c *okapi.Context) error {
	p, err := g.plugins.GetByName(c.Context(), c.Param("name"))
	if err != nil {
		return pluginError(c, err)
	}
	return c.OK(PluginSourceResponse{Name: p.Name, Source: p.Source})
}

func (g *Gateway) handlePluginUpdate(c *okapi.Context) error {
	p, err := g.plugins.GetByName(c.Context(), c.Param("name"))
	if err != nil {
		return pluginError(c, err)
	}

	var req PluginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Source != "" {
		if err := plugin.ValidateSource(req.Source); err != nil {
			return c.AbortBadRequest(err.Error())
		}
		p.Source = req.Source
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if req.InputType != "" {
		p.InputType = req.InputType
	}
	if req.InputHint != "" {
		p.InputHint = req.InputHint
	}

	if err := g.plugins.Update(c.Context(), p); err != nil {
		g.logger.Error("plugin update failed", slog.String("plugin", p.Name), slog.String("error", err.Error()))
		return c.AbortInternalServerError("updating plugin failed")
	}
	return c.OK(pluginResponse(p))
}

func (g *Gateway) handlePluginDelete(c *okapi.Context) error {
	name := c.Param("name")
	if err := g.plugins.Delete(c.Context(), name); err != nil {
		return pluginError(c, err)
	}
	g.logger.Info("plugin deleted", slog.String("plugin", name))
	return c.OK(map[string]string{"status": "deleted"})
}

// --- Run handlers ---

// RunRequest is the JSON body for POST /v1/plugins/{name}/run.
type RunRequest struct {
	Input string `json:"input"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	name := c.Param("name")
	p, err := g.plugins.GetByName(c.Context(), name)
	if err != nil {
		return pluginError(c, err)
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	runID := uuid.New()
	g.publish(ws.Event{Type: ws.EventRunStarted, RunID: runID.String(), Plugin: name})

	result, err := g.runner.Run(c.Context(), runner.Request{
		PluginName: name,
		Source:     []byte(p.Source),
		Input:      req.Input,
	})
	if err != nil {
		g.publish(ws.Event{Type: ws.EventRunFinished, RunID: runID.String(), Plugin: name, Outcome: "rejected"})
		if errors.Is(err, admission.ErrBusy) {
			return c.AbortTooManyRequests("run capacity exhausted, retry later")
		}
		g.logger.Error("run failed before launch",
			slog.String("plugin", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("run failed")
	}

	g.recordRun(c.Context(), runID, p, result)
	g.publish(ws.Event{
		Type:    ws.EventRunFinished,
		RunID:   runID.String(),
		Plugin:  name,
		Outcome: string(result.Outcome),
		Runtime: result.Runtime,
	})

	return c.OK(result)
}

// recordRun persists the run and bumps the plugin's usage counter.
// Best-effort: a storage hiccup must not turn a finished run into an error.
func (g *Gateway) recordRun(ctx context.Context, runID uuid.UUID, p *plugin.Plugin, result *runner.Result) {
	if g.runs != nil {
		rec := &plugin.Run{
			ID:         runID,
			PluginID:   p.ID,
			PluginName: p.Name,
			Outcome:    string(result.Outcome),
			Output:     result.Output,
			ErrorText:  result.ErrorDetail,
			Runtime:    result.Runtime,
			AICalls:    result.Calls,
			Elapsed:    result.Elapsed,
		}
		if err := g.runs.Record(ctx, rec); err != nil {
			g.logger.Warn("recording run failed",
				slog.String("plugin", p.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := g.plugins.IncrementCalls(ctx, p.ID); err != nil {
		g.logger.Warn("incrementing plugin calls failed",
			slog.String("plugin", p.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) publish(ev ws.Event) {
	if g.hub != nil {
		g.hub.Publish(ev)
	}
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID             string    `json:"id"`
	Plugin         string    `json:"plugin"`
	Outcome        string    `json:"outcome"`
	Runtime        string    `json:"runtime,omitempty"`
	AICalls        int       `json:"ai_calls"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func runRecords(runs []*plugin.Run) []RunRecord {
	resp := make([]RunRecord, len(runs))
	for i, r := range runs {
		resp[i] = RunRecord{
			ID:             r.ID.String(),
			Plugin:         r.PluginName,
			Outcome:        r.Outcome,
			Runtime:        r.Runtime,
			AICalls:        r.AICalls,
			ElapsedSeconds: r.Elapsed.Seconds(),
			Error:          r.ErrorText,
			CreatedAt:      r.CreatedAt,
		}
	}
	return resp
}

func (g *Gateway) handlePluginRuns(c *okapi.Context) error {
	if g.runs == nil {
		return c.OK([]RunRecord{})
	}
	runs, err := g.runs.ListByPlugin(c.Context(), c.Param("name"), defaultHistoryLimit)
	if err != nil {
		g.logger.Error("run history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runRecords(runs))
}

func (g *Gateway) handleRecentRuns(c *okapi.Context) error {
	if g.runs == nil {
		return c.OK([]RunRecord{})
	}
	runs, err := g.runs.ListRecent(c.Context(), defaultHistoryLimit)
	if err != nil {
		g.logger.Error("run history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runRecords(runs))
}

// --- Model handlers ---

// ModelEntry is one permitted model with its backend availability.
type ModelEntry struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ModelsResponse is the JSON response for GET /v1/models.
type ModelsResponse struct {
	Models      []ModelEntry `json:"models"`
	RefreshedAt time.Time    `json:"refreshed_at"`
	BackendErr  string       `json:"backend_error,omitempty"`
}

func (g *Gateway) handleModels(c *okapi.Context) error {
	entries, refreshedAt, err := g.models.Snapshot()
	resp := ModelsResponse{
		Models:      make([]ModelEntry, len(entries)),
		RefreshedAt: refreshedAt,
	}
	for i, e := range entries {
		resp.Models[i] = ModelEntry{Name: e.Name, Available: e.Available}
	}
	if err != nil {
		resp.BackendErr = err.Error()
	}
	return c.OK(resp)
}

// --- Health handlers ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// bodyLimit caps the request body size before any handler reads it.
func (g *Gateway) bodyLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		return next(c)
	}
}

// authenticate validates the Bearer API key with a constant-time compare.
// An empty key list leaves the API open (local development).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("apiKey", "anonymous")
			return g.rateLimit(next, c, "anonymous")
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := ""
		for _, key := range g.config.APIKeys {
			if subtleCompare(apiKey, key) {
				matched = key
			}
		}
		if matched == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("apiKey", matched)
		return g.rateLimit(next, c, matched)
	}
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc, c *okapi.Context, key string) error {
	if g.limiter != nil {
		if err := g.limiter.Allow(key); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	return next(c)
}

// --- Helpers ---

// subtleCompare is a constant-time string equality check.
func subtleCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// pluginError maps store errors to appropriate HTTP responses.
func pluginError(c *okapi.Context, err error) error {
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "plugin not found"})
	}
	return c.AbortInternalServerError("storage error")
}
