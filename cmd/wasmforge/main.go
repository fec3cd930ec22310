// wasmforge — sandboxed Python plugin executor with mediated AI inference.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wasmforge",
	Short: "wasm-forge — run untrusted Python plugins in an isolated sandbox with mediated AI inference.",
	Long: `wasm-forge executes untrusted Python plugins inside a WasmEdge WebAssembly
runtime (with a restricted subprocess fallback) and brokers their AI inference
requests through a policy-enforcing bridge: model allow-list, prompt length
ceiling, and a per-run call budget. Plugins never see the network.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
