package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Hungruong/wasm-forge/internal/inference"
	"github.com/Hungruong/wasm-forge/internal/policy"
)

const (
	// maxFrameBytes caps a single protocol line to prevent OOM from a
	// plugin spraying an unbounded line at the host.
	maxFrameBytes = 1 << 20 // 1 MB

	scanBufBytes = 64 << 10
)

// Call error reasons delivered to the plugin as call_error frames.
const (
	ReasonMissingModelPrompt = "missing model or prompt"
	ReasonModelNotPermitted  = "model not permitted"
	ReasonPromptTooLong      = "prompt too long"
	ReasonCallBudgetExceeded = "call budget exceeded"
	ReasonBackendUnreachable = "backend unreachable"
	ReasonBackendTimeout     = "backend timeout"
)

// Terminal describes how the frame dialog ended.
type Terminal int

const (
	// TerminalOutput: the plugin emitted its output frame. The run result
	// is fixed from that moment regardless of further process activity.
	TerminalOutput Terminal = iota

	// TerminalEOF: the output stream closed before an output frame was
	// seen — the process exited, crashed, or was killed.
	TerminalEOF

	// TerminalProtocol: a line failed to parse as a known frame. No
	// recovery is attempted.
	TerminalProtocol
)

// Outcome is the raw result of one frame dialog, consumed by the result
// assembler together with the process exit status.
type Outcome struct {
	Terminal  Terminal
	Output    string // set when Terminal == TerminalOutput
	Violation string // set when Terminal == TerminalProtocol
	Calls     int    // accepted inference calls
}

// CallLedger counts accepted inference calls for one run. Owned by the
// engine goroutine; incremented exactly once per accepted call_request and
// never decremented.
type CallLedger struct {
	used int
}

// Count returns the number of calls accepted so far.
func (l *CallLedger) Count() int { return l.used }

// Engine drives the frame dialog for a single run. One engine per run;
// the dialog is strictly alternating, so no internal locking is needed.
type Engine struct {
	policy policy.Policy
	client inference.Client
	logger *slog.Logger
}

// NewEngine creates a bridge engine bound to one run's policy snapshot.
func NewEngine(pol policy.Policy, client inference.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		policy: pol,
		client: client,
		logger: logger,
	}
}

// Run drives the dialog to completion. The user input is written as the
// first stdin line (JSON-encoded so embedded newlines cannot break the
// line-delimited protocol), then stdout is consumed line by line until an
// output frame, a protocol violation, or stream end.
//
// Inference failures are recovered locally: the plugin receives a
// call_error frame and may still finish with a successful output. Only the
// stream ending or an unparseable line terminates the dialog here.
func (e *Engine) Run(ctx context.Context, stdin io.Writer, stdout io.Reader, input string) Outcome {
	ledger := &CallLedger{}

	if err := e.writeInput(stdin, input); err != nil {
		e.logger.WarnContext(ctx, "writing input to plugin failed", slog.String("error", err.Error()))
		return Outcome{Terminal: TerminalEOF, Calls: ledger.Count()}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufBytes), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			// Interpreter noise between frames.
			continue
		}

		frame, err := ParseFrame(line)
		if err != nil {
			detail := err.Error()
			e.logger.WarnContext(ctx, "protocol violation", slog.String("detail", detail))
			// Best effort — the process is about to be torn down anyway.
			_ = e.writeFrame(stdin, Frame{Type: FrameProtocolError, Detail: detail})
			return Outcome{Terminal: TerminalProtocol, Violation: detail, Calls: ledger.Count()}
		}

		switch frame.Type {
		case FrameCallRequest:
			resp := e.handleCall(ctx, frame, ledger)
			if err := e.writeFrame(stdin, resp); err != nil {
				return Outcome{Terminal: TerminalEOF, Calls: ledger.Count()}
			}

		case FrameListModels:
			// Answered from the policy allow-list; no network, no ledger charge.
			resp := Frame{Type: FrameModelList, Models: e.policy.AllowedModels}
			if err := e.writeFrame(stdin, resp); err != nil {
				return Outcome{Terminal: TerminalEOF, Calls: ledger.Count()}
			}

		case FrameOutput:
			e.logger.DebugContext(ctx, "output frame received",
				slog.Int("output_bytes", len(frame.Text)),
				slog.Int("calls", ledger.Count()),
			)
			return Outcome{Terminal: TerminalOutput, Output: frame.Text, Calls: ledger.Count()}
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		e.logger.DebugContext(ctx, "plugin output stream ended", slog.String("error", err.Error()))
	}
	return Outcome{Terminal: TerminalEOF, Calls: ledger.Count()}
}

// handleCall validates a call_request in order: shape, model, prompt
// length, quota. Then forwards it to the inference backend. Every request
// produces exactly one response frame, error or not.
func (e *Engine) handleCall(ctx context.Context, req Frame, ledger *CallLedger) Frame {
	if req.Model == "" || req.Prompt == "" {
		return Frame{Type: FrameCallError, Reason: ReasonMissingModelPrompt}
	}
	if !e.policy.ModelAllowed(req.Model) {
		return Frame{Type: FrameCallError, Reason: ReasonModelNotPermitted}
	}
	if err := e.policy.CheckPrompt(req.Prompt); err != nil {
		return Frame{Type: FrameCallError, Reason: ReasonPromptTooLong}
	}
	if e.policy.Remaining(ledger.Count()) == 0 {
		return Frame{Type: FrameCallError, Reason: ReasonCallBudgetExceeded}
	}

	ledger.used++

	text, err := e.client.Generate(ctx, req.Model, req.Prompt)
	if err != nil {
		reason := callErrorReason(err)
		e.logger.WarnContext(ctx, "inference call failed",
			slog.String("model", req.Model),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return Frame{Type: FrameCallError, Reason: reason}
	}

	e.logger.DebugContext(ctx, "inference call completed",
		slog.String("model", req.Model),
		slog.Int("call", ledger.Count()),
	)
	return Frame{Type: FrameCallResponse, Text: text}
}

// writeInput delivers the user input as the first line on the plugin's
// stdin stream.
func (e *Engine) writeInput(stdin io.Writer, input string) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (e *Engine) writeFrame(stdin io.Writer, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_, err = stdin.Write(data)
	return err
}

// callErrorReason maps an inference error to the reason string carried by
// the call_error frame.
func callErrorReason(err error) string {
	var rejected *inference.RejectedError
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return ReasonBackendTimeout
	case errors.Is(err, inference.ErrUnreachable):
		return ReasonBackendUnreachable
	case errors.As(err, &rejected):
		return fmt.Sprintf("backend rejected request: %s", rejected.Reason)
	default:
		return fmt.Sprintf("inference failed: %v", err)
	}
}
