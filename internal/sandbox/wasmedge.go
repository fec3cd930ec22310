package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

const (
	wasmedgeRuntimeName = "wasmedge"

	// pluginGuestPath is where the staged plugin appears inside the guest.
	// The run directory is the only writable-visible host path.
	pluginGuestPath = "/sandbox/plugin.py"
)

// WasmEdgeConfig locates the WasmEdge binary and the Python interpreter
// compiled to WebAssembly.
type WasmEdgeConfig struct {
	// Binary is the wasmedge executable. Empty = resolve from PATH.
	Binary string

	// PythonWasm is the CPython interpreter image (python.wasm).
	PythonWasm string

	// RuntimeDir holds the interpreter's standard library, mapped
	// read-only at the guest root.
	RuntimeDir string
}

// WasmEdge runs plugins inside a WasmEdge WASI sandbox. Isolation comes
// from the capability model: the guest sees only the two preopened
// directories and has no network or host-process access at all.
type WasmEdge struct {
	binary     string
	pythonWasm string
	runtimeDir string
	logger     *slog.Logger
}

// NewWasmEdge creates the WasmEdge runtime.
func NewWasmEdge(cfg WasmEdgeConfig, logger *slog.Logger) *WasmEdge {
	binary := cfg.Binary
	if binary == "" {
		binary = "wasmedge"
	}
	return &WasmEdge{
		binary:     binary,
		pythonWasm: cfg.PythonWasm,
		runtimeDir: cfg.RuntimeDir,
		logger:     logger,
	}
}

func (w *WasmEdge) Name() string { return wasmedgeRuntimeName }

// Available reports whether the wasmedge binary and the interpreter image
// are both present on this host.
func (w *WasmEdge) Available() bool {
	if _, err := exec.LookPath(w.binary); err != nil {
		return false
	}
	if w.pythonWasm == "" {
		return false
	}
	if _, err := os.Stat(w.pythonWasm); err != nil {
		return false
	}
	if w.runtimeDir != "" {
		if _, err := os.Stat(w.runtimeDir); err != nil {
			return false
		}
	}
	return true
}

// Launch starts the interpreter on the staged plugin.
func (w *WasmEdge) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	if !w.Available() {
		return nil, fmt.Errorf("%w: wasmedge binary or interpreter image missing", ErrUnavailable)
	}

	args := w.buildArgs(spec)
	w.logger.Debug("launching wasmedge runtime",
		slog.String("binary", w.binary),
		slog.Any("args", args),
	)

	proc, err := launchProcess(ctx, spec, w.binary, args, w.logger)
	if err != nil {
		return nil, fmt.Errorf("wasmedge launch: %w", err)
	}
	return proc, nil
}

// buildArgs assembles the preopen mappings and resource flags. The guest
// sees the interpreter runtime at / and the staged run dir at /sandbox —
// nothing else.
func (w *WasmEdge) buildArgs(spec LaunchSpec) []string {
	args := []string{
		"--dir", "/:" + w.runtimeDir,
		"--dir", "/sandbox:" + spec.WorkDir,
	}
	if spec.MemoryPages > 0 {
		args = append(args, "--memory-page-limit", strconv.Itoa(spec.MemoryPages))
	}
	return append(args, w.pythonWasm, pluginGuestPath)
}
