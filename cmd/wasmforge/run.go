package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hungruong/wasm-forge/internal/runner"
)

var (
	runInput string
	runFile  string
)

var runCmd = &cobra.Command{
	Use:   "run [plugin]",
	Short: "Execute a plugin once and print the result",
	Long: `Execute a stored plugin by name, or a local Python file with --file,
and print the run result as JSON. Exits non-zero when the run fails.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "input string passed to the plugin")
	runCmd.Flags().StringVar(&runFile, "file", "", "run a local .py file instead of a stored plugin")
	runCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default: built-in defaults)")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	if runFile == "" && len(args) == 0 {
		return fmt.Errorf("a plugin name or --file is required")
	}

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

	req, err := buildRequest(ctx, sc, args)
	if err != nil {
		return err
	}

	result, err := sc.Runner.Run(ctx, req)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Success() {
		sc.Cleanup()
		os.Exit(1)
	}
	return nil
}

// buildRequest resolves the plugin source from either a local file or the store.
func buildRequest(ctx context.Context, sc *SharedComponents, args []string) (runner.Request, error) {
	if runFile != "" {
		source, err := os.ReadFile(runFile)
		if err != nil {
			return runner.Request{}, fmt.Errorf("reading %s: %w", runFile, err)
		}
		name := strings.TrimSuffix(filepath.Base(runFile), filepath.Ext(runFile))
		return runner.Request{PluginName: name, Source: source, Input: runInput}, nil
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	p, err := sc.Store.Plugins().GetByName(ctx, name)
	if err != nil {
		return runner.Request{}, fmt.Errorf("loading plugin %q: %w", name, err)
	}
	return runner.Request{PluginName: p.Name, Source: []byte(p.Source), Input: runInput}, nil
}
