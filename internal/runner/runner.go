package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hungruong/wasm-forge/internal/admission"
	"github.com/Hungruong/wasm-forge/internal/bridge"
	"github.com/Hungruong/wasm-forge/internal/inference"
	"github.com/Hungruong/wasm-forge/internal/observability"
	"github.com/Hungruong/wasm-forge/internal/policy"
	"github.com/Hungruong/wasm-forge/internal/sandbox"
	"github.com/Hungruong/wasm-forge/internal/workspace"
)

const (
	// defaultGrace bounds the wait for process exit after the dialog ends.
	defaultGrace = 2 * time.Second

	// stderrTailBytes caps the stderr excerpt attached to failures.
	stderrTailBytes = 2048
)

// Request describes one run.
type Request struct {
	PluginName string
	Source     []byte
	Input      string
}

// Config wires a Runner.
type Config struct {
	// Primary is tried first, Fallback when the primary cannot launch.
	// Either may be nil.
	Primary  sandbox.Runtime
	Fallback sandbox.Runtime

	Inference inference.Client
	Workspace *workspace.Workspace

	// Admission is optional; nil means unlimited concurrency.
	Admission *admission.Controller

	Policy policy.Policy

	// Grace bounds the wait for process exit after the dialog ends.
	// Zero = 2s.
	Grace time.Duration

	Obs    *observability.Observability
	Logger *slog.Logger
}

// Runner executes plugin runs. Safe for concurrent use; every run gets
// its own staged directory, process, and bridge engine.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the wiring and creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Inference == nil {
		return nil, fmt.Errorf("runner requires an inference client")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("runner requires a workspace")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("runner policy: %w", err)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Run executes one plugin. The returned error is reserved for host-side
// failures (admission, staging); everything the plugin does — including
// crashing — comes back as a Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	// 1. Admission: bound concurrent runs before any resources are staged.
	if r.cfg.Admission != nil {
		if err := r.cfg.Admission.Acquire(ctx); err != nil {
			if errors.Is(err, admission.ErrBusy) {
				r.cfg.Obs.RecordAdmissionRejection()
			}
			return nil, err
		}
		defer r.cfg.Admission.Release()
	}

	r.cfg.Obs.RunStarted()
	defer r.cfg.Obs.RunFinished()

	start := time.Now()
	logger := r.logger.With(slog.String("plugin", req.PluginName))

	// 2. Stage the run directory: plugin source plus the SDK.
	rd, err := r.cfg.Workspace.Stage(req.Source, sandbox.SDKFileName, []byte(sandbox.SDKSource))
	if err != nil {
		return nil, fmt.Errorf("staging run: %w", err)
	}
	defer rd.Remove()

	// 3. Bound the whole run by the policy wall clock. Cancellation kills
	// the sandbox process group, which unblocks the dialog via EOF.
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Policy.Timeout)
	defer cancel()

	spec := sandbox.LaunchSpec{
		WorkDir:     rd.Path,
		Timeout:     r.cfg.Policy.Timeout,
		MemoryPages: r.cfg.Policy.MemoryPages,
	}

	// 4. Try the primary runtime, then the fallback. Only launch failures
	// trigger the fallback — a plugin that ran and failed does not get a
	// second chance.
	result := r.launchAndDrive(runCtx, logger, spec, req.Input)
	result.Elapsed = time.Since(start)

	r.cfg.Obs.RecordRun(req.PluginName, string(result.Outcome), result.Runtime, result.Elapsed, result.Calls)
	logger.InfoContext(ctx, "run finished",
		slog.String("outcome", string(result.Outcome)),
		slog.String("runtime", result.Runtime),
		slog.Int("calls", result.Calls),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (r *Runner) launchAndDrive(ctx context.Context, logger *slog.Logger, spec sandbox.LaunchSpec, input string) *Result {
	var launchErrs []string

	for _, cand := range r.candidates() {
		proc, err := cand.rt.Launch(ctx, spec)
		if err != nil {
			launchErrs = append(launchErrs, fmt.Sprintf("%s: %v", cand.rt.Name(), err))
			continue
		}

		res := r.drive(ctx, logger, proc, input)
		res.Runtime = cand.rt.Name()
		if cand.diagnostic != "" {
			if res.Diagnostic != "" {
				res.Diagnostic = cand.diagnostic + "; " + res.Diagnostic
			} else {
				res.Diagnostic = cand.diagnostic
			}
		}
		return res
	}

	detail := "no sandbox runtime available"
	if len(launchErrs) > 0 {
		detail = fmt.Sprintf("no sandbox runtime could launch: %s", strings.Join(launchErrs, "; "))
	}
	return &Result{Outcome: OutcomeSandboxUnavailable, ErrorDetail: detail}
}

type candidate struct {
	rt         sandbox.Runtime
	diagnostic string
}

func (r *Runner) candidates() []candidate {
	var cands []candidate
	if r.cfg.Primary != nil {
		cands = append(cands, candidate{rt: r.cfg.Primary})
	}
	if r.cfg.Fallback != nil {
		cands = append(cands, candidate{rt: r.cfg.Fallback, diagnostic: sandbox.FallbackDiagnostic})
	}
	return cands
}

// drive runs the frame dialog against a launched process and folds the
// dialog terminal and the exit status into a Result.
func (r *Runner) drive(ctx context.Context, logger *slog.Logger, proc sandbox.Proc, input string) *Result {
	eng := bridge.NewEngine(r.cfg.Policy, r.cfg.Inference, logger)
	outcome := eng.Run(ctx, proc.Stdin(), proc.Stdout(), input)

	// The dialog is over: close stdin so a well-behaved plugin exits, wait
	// out the grace period, then kill whatever is left.
	_ = proc.Stdin().Close()

	waitDone := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(waitDone)
	}()

	timer := time.NewTimer(r.cfg.Grace)
	defer timer.Stop()
	select {
	case <-waitDone:
	case <-timer.C:
		logger.WarnContext(ctx, "plugin did not exit within grace, killing")
		proc.Kill()
		<-waitDone
	}

	res := &Result{Calls: outcome.Calls}

	switch outcome.Terminal {
	case bridge.TerminalOutput:
		// Fixed at the output frame — exit status is irrelevant now.
		res.Outcome = OutcomeSuccess
		res.Output = outcome.Output

	case bridge.TerminalProtocol:
		res.Outcome = OutcomeProtocolViolation
		res.ErrorDetail = outcome.Violation
		res.Diagnostic = stderrTail(proc.Stderr())

	case bridge.TerminalEOF:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Timeout wins over whatever exit state the kill produced.
			res.Outcome = OutcomeTimeout
			res.ErrorDetail = fmt.Sprintf("run exceeded the %s limit", r.cfg.Policy.Timeout)
		} else {
			res.Outcome = OutcomeToolError
			res.ErrorDetail = fmt.Sprintf("plugin exited with code %d before emitting output", proc.ExitCode())
		}
		res.Diagnostic = stderrTail(proc.Stderr())
	}

	return res
}

// stderrTail returns the trailing slice of captured stderr, enough for a
// traceback without flooding the result.
func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > stderrTailBytes {
		stderr = "..." + stderr[len(stderr)-stderrTailBytes:]
	}
	return stderr
}
