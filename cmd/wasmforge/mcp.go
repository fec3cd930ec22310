package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hungruong/wasm-forge/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose stored plugins as MCP tools over stdio",
	Long: `Serve the Model Context Protocol over stdin/stdout. Each stored plugin
becomes a tool named plugin_<name> that runs the plugin in the sandbox.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default: built-in defaults)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the MCP wire protocol, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(sc.Runner, sc.Store.Plugins(), version, logger)
	return srv.Serve(ctx)
}
