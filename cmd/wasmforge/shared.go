package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hungruong/wasm-forge/internal/admission"
	"github.com/Hungruong/wasm-forge/internal/config"
	"github.com/Hungruong/wasm-forge/internal/inference"
	"github.com/Hungruong/wasm-forge/internal/inference/ollama"
	"github.com/Hungruong/wasm-forge/internal/observability"
	"github.com/Hungruong/wasm-forge/internal/runner"
	"github.com/Hungruong/wasm-forge/internal/sandbox"
	"github.com/Hungruong/wasm-forge/internal/storage"
	pgstore "github.com/Hungruong/wasm-forge/internal/storage/postgres"
	sqlitestore "github.com/Hungruong/wasm-forge/internal/storage/sqlite"
	"github.com/Hungruong/wasm-forge/internal/workspace"
)

// SharedComponents holds all initialized subsystems that the serve, run,
// and mcp commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store

	Obs       *observability.Observability
	Inference inference.Client
	Admission *admission.Controller
	Runner    *runner.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between the serving
// and one-shot commands. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Inference client.
	client := newInferenceClient(cfg, logger)
	if obs != nil && obs.Metrics != nil {
		client = observability.NewInstrumentedClient(client, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Inference = client
	logger.Debug("inference client initialized", slog.String("backend", client.Name()))

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		obs.Health.AddCheck("inference", func(ctx context.Context) error {
			_, err := sc.Inference.ListModels(ctx)
			return err
		})
	}

	// Sandbox runtimes.
	primary, fallback := initRuntimes(cfg, logger)

	// Admission control.
	sc.Admission = admission.New(cfg.Runs.Concurrency(), cfg.Runs.QueueWait())

	// Runner.
	r, err := runner.New(runner.Config{
		Primary:   primary,
		Fallback:  fallback,
		Inference: sc.Inference,
		Workspace: ws,
		Admission: sc.Admission,
		Policy:    cfg.Policy(),
		Obs:       obs,
		Logger:    logger,
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing runner: %w", err)
	}
	sc.Runner = r

	return sc, nil
}

// initWorkspace resolves the workspace root from config, defaulting to
// the per-user directory.
func initWorkspace(cfg *config.Config, logger *slog.Logger) (*workspace.Workspace, error) {
	if dir := cfg.ResolvedDataDir(); dir != "" {
		return workspace.New(dir, logger)
	}
	return workspace.Default(logger)
}

// newInferenceClient builds the configured backend client.
func newInferenceClient(cfg *config.Config, logger *slog.Logger) inference.Client {
	if cfg.Inference.UseMock {
		return &inference.MockClient{Models: cfg.Inference.Models()}
	}
	return ollama.NewClient(logger,
		ollama.WithBaseURL(cfg.Inference.ResolvedBaseURL()),
		ollama.WithTimeout(cfg.Inference.RequestTimeout()),
	)
}

// initStore opens the configured storage backend. SQLite lives under the
// workspace unless a path is configured.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageDriverName() == storage.DriverPostgres {
		return pgstore.Open(cfg.Storage.Postgres, logger)
	}

	var sqliteCfg storage.SQLiteConfig
	if cfg.Storage != nil {
		sqliteCfg = cfg.Storage.SQLite
	}
	if sqliteCfg.Path == "" {
		sqliteCfg.Path = ws.DatabasePath()
	}
	return sqlitestore.Open(sqliteCfg, logger)
}

// initRuntimes builds the primary and fallback plugin executors from config.
// When WasmEdge is disabled the restricted subprocess executor is primary
// and there is nothing to fall back to.
func initRuntimes(cfg *config.Config, logger *slog.Logger) (primary, fallback sandbox.Runtime) {
	python := sandbox.NewFallback(cfg.Sandbox.PythonBinary(), logger)
	if !cfg.Sandbox.UseWasmEdge {
		return python, nil
	}

	wasmEdge := sandbox.NewWasmEdge(sandbox.WasmEdgeConfig{
		Binary:     cfg.Sandbox.WasmEdgeBinary(),
		PythonWasm: cfg.Sandbox.PythonWasm,
		RuntimeDir: cfg.Sandbox.RuntimeDir,
	}, logger)

	if cfg.Sandbox.DisableFallback {
		return wasmEdge, nil
	}
	return wasmEdge, python
}
