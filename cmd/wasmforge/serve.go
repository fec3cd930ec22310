package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/Hungruong/wasm-forge/internal/catalog"
	"github.com/Hungruong/wasm-forge/internal/config"
	"github.com/Hungruong/wasm-forge/internal/gateway/httpapi"
	"github.com/Hungruong/wasm-forge/internal/gateway/ws"
	"github.com/Hungruong/wasm-forge/internal/ratelimit"
	"github.com/Hungruong/wasm-forge/internal/workspace"
)

// shutdownBudget bounds graceful HTTP shutdown on SIGINT/SIGTERM.
const shutdownBudget = 10 * time.Second

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `wasmforge --config path` and `wasmforge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default: built-in defaults)")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8090)")
	}
}

// runServe starts the HTTP gateway with the catalog refresher and
// workspace sweeper alongside.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	logger.Info("starting in serve mode", slog.String("addr", cfg.Addr()))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model catalog with background availability refresh.
	models, err := catalog.New(cfg.Inference.Models(), sc.Inference, cfg.Inference.RefreshSchedule(), logger)
	if err != nil {
		return err
	}
	models.Start(ctx)

	// Workspace sweeper removes run directories orphaned by crashes.
	go runSweeper(ctx, sc.Workspace, cfg, logger)

	// Run event feed.
	hub := ws.NewHub(logger)

	gw := buildGateway(cfg, sc, logger).
		WithModelCatalog(models).
		WithEventHub(hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	return gw.Stop(stopCtx)
}

// loadConfig reads the config file named by --config or FORGE_CONFIG,
// falling back to built-in defaults when neither is set.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("FORGE_CONFIG", serveConfigPath)
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func buildGateway(cfg *config.Config, sc *SharedComponents, logger *slog.Logger) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSize(),
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		gwCfg.HealthChecker = sc.Obs.Health
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
	}

	return httpapi.NewGateway(gwCfg, sc.Runner, sc.Store.Plugins(), sc.Store.Runs(), limiter, logger)
}

// runSweeper periodically removes stale run directories.
func runSweeper(ctx context.Context, ws *workspace.Workspace, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Runs.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := ws.Sweep(cfg.Runs.SweepMaxAge())
			if err != nil {
				logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Info("workspace swept", slog.Int("removed", removed))
			}
		}
	}
}
