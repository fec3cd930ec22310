// Package config handles loading and validating wasm-forge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Hungruong/wasm-forge/internal/policy"
	"github.com/Hungruong/wasm-forge/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for wasm-forge.
type Config struct {
	ListenAddr    string               `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // HTTP listen address. Default: ":8090". Override: FORGE_LISTEN_ADDR.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`       // Workspace root. Default: ~/.wasmforge. Override: FORGE_DATA_DIR.
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`         // nil = SQLite default (derived from data dir).
	Inference     InferenceConfig      `json:"inference" yaml:"inference"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Runs          RunsConfig           `json:"runs" yaml:"runs"`
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// InferenceConfig configures the model-serving backend.
type InferenceConfig struct {
	BaseURL        string   `json:"base_url" yaml:"base_url"`               // Default: "http://localhost:11434". Override: OLLAMA_BASE_URL.
	UseMock        bool     `json:"use_mock" yaml:"use_mock"`               // Override: USE_MOCK_AI.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-request budget. Default: 60.
	AllowedModels  []string `json:"allowed_models" yaml:"allowed_models"`   // Override: ALLOWED_MODELS (comma-separated).
	CatalogRefresh string   `json:"catalog_refresh" yaml:"catalog_refresh"` // Cron schedule for availability refresh. Default: "*/5 * * * *".
}

// ResolvedBaseURL returns the backend URL with a default of localhost Ollama.
func (i *InferenceConfig) ResolvedBaseURL() string {
	if i.BaseURL != "" {
		return i.BaseURL
	}
	return "http://localhost:11434"
}

// RequestTimeout returns the per-request timeout with a default of 60s.
func (i *InferenceConfig) RequestTimeout() time.Duration {
	if i.TimeoutSeconds > 0 {
		return time.Duration(i.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// Models returns the model allow-list with a single-model default.
func (i *InferenceConfig) Models() []string {
	if len(i.AllowedModels) > 0 {
		return i.AllowedModels
	}
	return []string{"llama3"}
}

// RefreshSchedule returns the catalog refresh cron expression, default every 5 minutes.
func (i *InferenceConfig) RefreshSchedule() string {
	if i.CatalogRefresh != "" {
		return i.CatalogRefresh
	}
	return "*/5 * * * *"
}

// SandboxConfig selects and configures the plugin executor.
type SandboxConfig struct {
	UseWasmEdge     bool   `json:"use_wasmedge" yaml:"use_wasmedge"`         // Override: USE_WASMEDGE.
	Binary          string `json:"binary" yaml:"binary"`                     // WasmEdge binary. Default: "wasmedge" (from PATH).
	PythonWasm      string `json:"python_wasm" yaml:"python_wasm"`           // Path to python.wasm. Override: WASM_PYTHON_PATH.
	RuntimeDir      string `json:"runtime_dir" yaml:"runtime_dir"`           // Python stdlib dir mounted read-only. Override: WASM_PYTHON_DIR.
	Python          string `json:"python" yaml:"python"`                     // Fallback interpreter. Default: "python3".
	MemoryPages     int    `json:"memory_pages" yaml:"memory_pages"`         // 64 KiB pages. Default: 8192 (512 MiB).
	DisableFallback bool   `json:"disable_fallback" yaml:"disable_fallback"` // When true, a WasmEdge launch failure is final.
}

// WasmEdgeBinary returns the runtime binary name with a default of "wasmedge".
func (s *SandboxConfig) WasmEdgeBinary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return "wasmedge"
}

// PythonBinary returns the fallback interpreter with a default of "python3".
func (s *SandboxConfig) PythonBinary() string {
	if s.Python != "" {
		return s.Python
	}
	return "python3"
}

// Pages returns the linear-memory budget in pages with a default of 8192.
func (s *SandboxConfig) Pages() int {
	if s.MemoryPages > 0 {
		return s.MemoryPages
	}
	return 8192
}

// LimitsConfig holds the per-run resource policy knobs.
type LimitsConfig struct {
	MaxExecutionSeconds int `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 30. Override: MAX_EXECUTION_TIME.
	MaxPromptLength     int `json:"max_prompt_length" yaml:"max_prompt_length"`         // Default: 4096. Override: MAX_PROMPT_LENGTH.
	MaxAICallsPerRun    int `json:"max_ai_calls_per_run" yaml:"max_ai_calls_per_run"`   // Default: 10. Override: MAX_AI_CALLS_PER_EXECUTION.
}

// ExecutionTimeout returns the wall-clock budget with a default of 30s.
func (l *LimitsConfig) ExecutionTimeout() time.Duration {
	if l.MaxExecutionSeconds > 0 {
		return time.Duration(l.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// PromptLimit returns the prompt byte ceiling with a default of 4096.
func (l *LimitsConfig) PromptLimit() int {
	if l.MaxPromptLength > 0 {
		return l.MaxPromptLength
	}
	return 4096
}

// CallLimit returns the per-run inference call budget with a default of 10.
func (l *LimitsConfig) CallLimit() int {
	if l.MaxAICallsPerRun > 0 {
		return l.MaxAICallsPerRun
	}
	return 10
}

// RunsConfig bounds concurrent executions and workspace retention.
type RunsConfig struct {
	MaxConcurrent        int `json:"max_concurrent" yaml:"max_concurrent"`                 // Default: 4. 0 in config = default; -1 = unlimited.
	QueueWaitSeconds     int `json:"queue_wait_seconds" yaml:"queue_wait_seconds"`         // How long a run may wait for a slot. Default: 5.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Workspace sweeper period. Default: 300.
	SweepMaxAgeSeconds   int `json:"sweep_max_age_seconds" yaml:"sweep_max_age_seconds"`   // Run dirs older than this are removed. Default: 3600.
}

// Concurrency returns the admission slot count. -1 means unlimited (0 slots).
func (r *RunsConfig) Concurrency() int {
	if r.MaxConcurrent < 0 {
		return 0
	}
	if r.MaxConcurrent > 0 {
		return r.MaxConcurrent
	}
	return 4
}

// QueueWait returns how long a run waits for an admission slot. Default: 5s.
func (r *RunsConfig) QueueWait() time.Duration {
	if r.QueueWaitSeconds > 0 {
		return time.Duration(r.QueueWaitSeconds) * time.Second
	}
	return 5 * time.Second
}

// SweepInterval returns the workspace sweeper period with a default of 5m.
func (r *RunsConfig) SweepInterval() time.Duration {
	if r.SweepIntervalSeconds > 0 {
		return time.Duration(r.SweepIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SweepMaxAge returns the stale run-dir threshold with a default of 1h.
func (r *RunsConfig) SweepMaxAge() time.Duration {
	if r.SweepMaxAgeSeconds > 0 {
		return time.Duration(r.SweepMaxAgeSeconds) * time.Second
	}
	return time.Hour
}

// HTTPConfig configures the HTTP API gateway.
type HTTPConfig struct {
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer keys for /v1. Empty = open access. Override: FORGE_API_KEYS.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (h *HTTPConfig) MaxRequestSize() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-key token-bucket rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: RequestsPerMinute.
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "wasmforge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Default returns a Config with every field at its built-in default,
// with env overrides applied. Used when no config file is given.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("FORGE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FORGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FORGE_API_KEYS"); v != "" {
		c.HTTP.APIKeys = splitList(v)
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("ALLOWED_MODELS"); v != "" {
		c.Inference.AllowedModels = splitList(v)
	}
	if v := os.Getenv("USE_MOCK_AI"); v != "" {
		c.Inference.UseMock = parseBool(v)
	}
	if v := os.Getenv("USE_WASMEDGE"); v != "" {
		c.Sandbox.UseWasmEdge = parseBool(v)
	}
	if v := os.Getenv("WASM_PYTHON_PATH"); v != "" {
		c.Sandbox.PythonWasm = v
	}
	if v := os.Getenv("WASM_PYTHON_DIR"); v != "" {
		c.Sandbox.RuntimeDir = v
	}
	if v := os.Getenv("MAX_EXECUTION_TIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxExecutionSeconds = n
		}
	}
	if v := os.Getenv("MAX_PROMPT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxPromptLength = n
		}
	}
	if v := os.Getenv("MAX_AI_CALLS_PER_EXECUTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxAICallsPerRun = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}
}

// splitList splits a comma-separated env value into trimmed, non-empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseBool treats "1", "true", "yes", "on" (any case) as true.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Addr returns the HTTP listen address with a default of ":8090".
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":8090"
}

// ResolvedDataDir returns the workspace root, resolving ~ if needed.
// Empty means the per-user default (~/.wasmforge).
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return ""
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

// Policy builds the per-run resource policy from the configured limits.
func (c *Config) Policy() policy.Policy {
	return policy.Policy{
		AllowedModels: c.Inference.Models(),
		MaxPromptLen:  c.Limits.PromptLimit(),
		MaxCalls:      c.Limits.CallLimit(),
		Timeout:       c.Limits.ExecutionTimeout(),
		MemoryPages:   c.Sandbox.Pages(),
	}
}

func (c *Config) validate() error {
	if c.Limits.MaxExecutionSeconds < 0 {
		return fmt.Errorf("limits.max_execution_seconds must not be negative")
	}
	if c.Limits.MaxPromptLength < 0 {
		return fmt.Errorf("limits.max_prompt_length must not be negative")
	}
	if c.Limits.MaxAICallsPerRun < 0 {
		return fmt.Errorf("limits.max_ai_calls_per_run must not be negative")
	}
	if c.Sandbox.MemoryPages < 0 {
		return fmt.Errorf("sandbox.memory_pages must not be negative")
	}
	if c.Sandbox.UseWasmEdge && c.Sandbox.PythonWasm == "" {
		return fmt.Errorf("sandbox.python_wasm is required when use_wasmedge is set (set WASM_PYTHON_PATH)")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite, storage.DriverPostgres:
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == storage.DriverPostgres && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set DATABASE_URL)")
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if rl := c.HTTP.RateLimit; rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	return nil
}
