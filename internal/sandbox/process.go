package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

const (
	// defaultStderrBytes caps captured stderr to prevent OOM from a
	// plugin spraying diagnostics.
	defaultStderrBytes = 1 << 20 // 1 MB
)

// osProcess wraps an exec.Cmd launched by a runtime. Both runtimes share
// the same isolation baseline: own process group, group-wide SIGKILL on
// cancel, sanitized environment, capped stderr.
type osProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *limitedBuffer
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

// launchProcess starts name with args under the shared isolation baseline.
// The process working directory is the staged run dir; the environment is
// built from scratch — nothing leaks from the host process.
func launchProcess(ctx context.Context, spec LaunchSpec, name string, args []string, logger *slog.Logger) (*osProcess, error) {
	// 1. Bound the process lifetime by the run context.
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.WorkDir

	// 2. Process group isolation — the plugin runs in its own group so a
	// kill reaches anything it managed to spawn.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 3. Sanitized environment — no inheritance from the host process, so
	// API keys and credentials never reach plugin code.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + spec.WorkDir,
		"TMPDIR=" + spec.WorkDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}

	// 4. Wire the frame dialog pipes; stderr is captured with a size cap.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	stderrCap := spec.MaxStderrBytes
	if stderrCap <= 0 {
		stderrCap = defaultStderrBytes
	}
	stderr := &limitedBuffer{remaining: stderrCap}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	logger.Debug("plugin process started",
		slog.String("binary", name),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("workdir", spec.WorkDir),
	)

	return &osProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}, nil
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Stderr() string { return p.stderr.String() }

func (p *osProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.cancel()
	})
	return p.waitErr
}

func (p *osProcess) Kill() {
	p.cancel()
}

func (p *osProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// limitedBuffer accumulates writes up to a byte limit. Excess data is
// silently discarded (not an error — just capped).
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lb.remaining {
		chunk = chunk[:lb.remaining]
	}
	n, err := lb.buf.Write(chunk)
	lb.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (lb *limitedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}
