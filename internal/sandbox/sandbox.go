// Package sandbox launches plugin processes in isolated runtimes. The
// primary runtime is a WasmEdge interpreter with a capability-scoped
// filesystem; a process-level fallback with import guards and ulimit caps
// covers hosts without WasmEdge. Plugins never run directly on the host.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnavailable reports that a runtime cannot launch on this host —
// missing binary, missing interpreter image, unsupported platform.
var ErrUnavailable = errors.New("sandbox runtime unavailable")

// Runtime launches isolated plugin processes.
type Runtime interface {
	// Launch starts the staged plugin in WorkDir. The process is killed
	// (entire process group) when ctx is cancelled or Proc.Kill is called.
	Launch(ctx context.Context, spec LaunchSpec) (Proc, error)

	// Name identifies the runtime in results and logs.
	Name() string

	// Available reports whether this runtime can launch on this host.
	Available() bool
}

// LaunchSpec describes one staged run.
type LaunchSpec struct {
	// WorkDir is the staged run directory holding plugin.py and the SDK.
	// It is the only host path exposed to the plugin.
	WorkDir string

	// Timeout bounds the wall-clock lifetime of the process.
	Timeout time.Duration

	// MemoryPages limits plugin memory in 64 KiB pages. Zero = runtime default.
	MemoryPages int

	// MaxStderrBytes caps captured stderr. Zero = default cap.
	MaxStderrBytes int
}

// Proc is a launched plugin process. Stdin and Stdout carry the frame
// dialog; stderr is captured for diagnostics only and never parsed as
// protocol.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Stderr returns captured stderr. Valid after Wait returns.
	Stderr() string

	// Wait blocks until the process exits. Safe to call more than once.
	Wait() error

	// Kill terminates the entire process group immediately.
	Kill()

	// ExitCode returns the exit code, or -1 before exit / after a kill.
	ExitCode() int
}
