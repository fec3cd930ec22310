package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	fallbackRuntimeName = "fallback"

	// guardFileName is the loader staged next to plugin.py. It installs
	// the import and builtin guards before any plugin code runs.
	guardFileName = "_forge_guard.py"

	// Diagnostic attached to every fallback result so callers know this
	// run did not get capability-level isolation.
	FallbackDiagnostic = "fallback executor: import-guard isolation only"

	fallbackCPUSlackSeconds = 5

	// defaultMemoryPages bounds fallback memory when the launch spec
	// leaves the page limit unset (8192 pages of 64 KiB = 512 MB).
	defaultMemoryPages = 8192
)

// guardSource blocks the modules and builtins that reach outside the run
// directory. The plugin source is compiled before dynamic code execution
// is disabled, then run under the guarded builtins. Guard violations are
// tagged [SANDBOX] on stderr.
const guardSource = `import builtins
import sys

_BANNED = {
    "os", "socket", "subprocess", "ctypes", "multiprocessing",
    "urllib", "http", "ftplib", "smtplib", "telnetlib", "xmlrpc",
    "webbrowser", "pty", "fcntl", "signal", "shutil", "tempfile",
}

_real_import = builtins.__import__
_real_open = builtins.open
_exec = exec


def _guarded_import(name, *args, **kwargs):
    root = name.split(".")[0]
    if root in _BANNED:
        print("[SANDBOX] blocked import: " + root, file=sys.stderr)
        raise ImportError("module '" + root + "' is not available in the sandbox")
    return _real_import(name, *args, **kwargs)


def _guarded_open(file, mode="r", *args, **kwargs):
    if any(flag in str(mode) for flag in ("w", "a", "x", "+")):
        print("[SANDBOX] blocked write open: " + str(file), file=sys.stderr)
        raise PermissionError("write access is not available in the sandbox")
    return _real_open(file, mode, *args, **kwargs)


def _blocked(*args, **kwargs):
    print("[SANDBOX] blocked call: dynamic code execution", file=sys.stderr)
    raise PermissionError("dynamic code execution is not available in the sandbox")


with _real_open("plugin.py", "r", encoding="utf-8") as _f:
    _code = compile(_f.read(), "plugin.py", "exec")

builtins.__import__ = _guarded_import
builtins.open = _guarded_open
builtins.exec = _blocked
builtins.eval = _blocked
builtins.compile = _blocked
builtins.breakpoint = _blocked

_exec(_code, {"__name__": "__main__", "__file__": "plugin.py"})
`

// Fallback runs plugins under the host python3 interpreter when WasmEdge
// is not installed. Isolation is best effort: isolated mode (-I), an
// import/builtin guard prelude, ulimit memory and CPU caps, and the shared
// process-group baseline. It exists so development hosts keep working;
// production deployments should install WasmEdge.
type Fallback struct {
	python string
	logger *slog.Logger
}

// NewFallback creates the fallback runtime. Empty python resolves
// python3 from PATH.
func NewFallback(python string, logger *slog.Logger) *Fallback {
	if python == "" {
		python = "python3"
	}
	return &Fallback{python: python, logger: logger}
}

func (f *Fallback) Name() string { return fallbackRuntimeName }

func (f *Fallback) Available() bool {
	_, err := exec.LookPath(f.python)
	return err == nil
}

// Launch stages the guard loader and starts the interpreter under ulimit
// caps derived from the launch spec.
func (f *Fallback) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	if !f.Available() {
		return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, f.python)
	}

	guardPath := filepath.Join(spec.WorkDir, guardFileName)
	if err := os.WriteFile(guardPath, []byte(guardSource), 0o600); err != nil {
		return nil, fmt.Errorf("staging guard loader: %w", err)
	}

	// The plugin command is passed as positional parameters, never
	// interpolated into the shell string.
	pages := spec.MemoryPages
	if pages <= 0 {
		pages = defaultMemoryPages
	}
	memKB := pages * 64
	cpuSec := int(spec.Timeout.Seconds()) + fallbackCPUSlackSeconds
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, cpuSec,
	)
	args := []string{"-c", shellScript, "_", f.python, "-I", guardFileName}

	f.logger.Debug("launching fallback runtime",
		slog.String("python", f.python),
		slog.Int("memory_kb", memKB),
		slog.Int("cpu_sec", cpuSec),
	)

	proc, err := launchProcess(ctx, spec, "/bin/sh", args, f.logger)
	if err != nil {
		return nil, fmt.Errorf("fallback launch: %w", err)
	}
	return proc, nil
}
