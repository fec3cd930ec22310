package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hungruong/wasm-forge/internal/inference"
	"github.com/Hungruong/wasm-forge/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() policy.Policy {
	return policy.Policy{
		AllowedModels: []string{"llama3", "mistral"},
		MaxPromptLen:  100,
		MaxCalls:      3,
		Timeout:       5 * time.Second,
	}
}

type fakeClient struct {
	mu    sync.Mutex
	calls int
	reply func(model, prompt string) (string, error)
}

func (c *fakeClient) Generate(_ context.Context, model, prompt string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(model, prompt)
	}
	return "echo: " + prompt, nil
}

func (c *fakeClient) ListModels(context.Context) ([]string, error) { return nil, nil }

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// runDialog runs the engine against a scripted plugin. The script plays the
// plugin side: it reads host frames from in and writes plugin frames to out.
func runDialog(t *testing.T, pol policy.Policy, client inference.Client, input string, script func(in *bufio.Reader, out io.Writer)) Outcome {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stdoutW.Close()
		script(bufio.NewReader(stdinR), stdoutW)
	}()

	eng := NewEngine(pol, client, testLogger())
	outcome := eng.Run(context.Background(), stdinW, stdoutR, input)

	stdinR.Close()
	stdoutR.Close()
	<-done
	return outcome
}

func readHostFrame(t *testing.T, in *bufio.Reader) Frame {
	t.Helper()
	line, err := in.ReadString('\n')
	if err != nil {
		t.Fatalf("reading host frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		t.Fatalf("decoding host frame %q: %v", line, err)
	}
	return f
}

func sendLine(t *testing.T, out io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(out, line+"\n"); err != nil {
		t.Fatalf("writing plugin line: %v", err)
	}
}

func sendCall(t *testing.T, out io.Writer, model, prompt string) {
	t.Helper()
	sendLine(t, out, fmt.Sprintf(`{"type":"call_request","model":%q,"prompt":%q}`, model, prompt))
}

func sendOutput(t *testing.T, out io.Writer, text string) {
	t.Helper()
	sendLine(t, out, fmt.Sprintf(`{"type":"output","text":%q}`, text))
}

func TestRun_InputDelivery(t *testing.T) {
	input := "line one\nline two"
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, input, func(in *bufio.Reader, out io.Writer) {
		first, err := in.ReadString('\n')
		if err != nil {
			t.Errorf("reading input line: %v", err)
			return
		}
		var decoded string
		if err := json.Unmarshal([]byte(first), &decoded); err != nil {
			t.Errorf("input line is not a JSON string: %q", first)
			return
		}
		if decoded != input {
			t.Errorf("decoded input = %q, want %q", decoded, input)
		}
		sendOutput(t, out, "ok")
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput", outcome.Terminal)
	}
	if outcome.Output != "ok" {
		t.Errorf("output = %q, want %q", outcome.Output, "ok")
	}
}

func TestRun_SingleCall(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "hi", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n') // input line

		sendCall(t, out, "llama3", "summarize this")
		resp := readHostFrame(t, in)
		if resp.Type != FrameCallResponse {
			t.Errorf("response type = %q, want call_response (reason %q)", resp.Type, resp.Reason)
		}
		if resp.Text != "echo: summarize this" {
			t.Errorf("response text = %q", resp.Text)
		}
		sendOutput(t, out, "done: "+resp.Text)
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput", outcome.Terminal)
	}
	if outcome.Calls != 1 {
		t.Errorf("ledger calls = %d, want 1", outcome.Calls)
	}
	if client.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", client.callCount())
	}
}

func TestRun_DisallowedModelRecovered(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		sendCall(t, out, "gpt-4", "hello")
		resp := readHostFrame(t, in)
		if resp.Type != FrameCallError || resp.Reason != ReasonModelNotPermitted {
			t.Errorf("got %q/%q, want call_error/%q", resp.Type, resp.Reason, ReasonModelNotPermitted)
		}

		// The run recovers: a permitted model still works afterwards.
		sendCall(t, out, "llama3", "hello")
		resp = readHostFrame(t, in)
		if resp.Type != FrameCallResponse {
			t.Errorf("second call type = %q, want call_response", resp.Type)
		}
		sendOutput(t, out, "recovered")
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput", outcome.Terminal)
	}
	if outcome.Calls != 1 {
		t.Errorf("ledger calls = %d, want 1 (rejected call must not be charged)", outcome.Calls)
	}
	if client.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 (rejected call must not reach backend)", client.callCount())
	}
}

func TestRun_EmptyModelOrPromptRecovered(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		// Empty prompt: answered with call_error, not run-terminal.
		sendCall(t, out, "llama3", "")
		resp := readHostFrame(t, in)
		if resp.Type != FrameCallError || resp.Reason != ReasonMissingModelPrompt {
			t.Errorf("got %q/%q, want call_error/%q", resp.Type, resp.Reason, ReasonMissingModelPrompt)
		}

		// Missing model gets the same treatment.
		sendLine(t, out, `{"type":"call_request","prompt":"hello"}`)
		resp = readHostFrame(t, in)
		if resp.Type != FrameCallError || resp.Reason != ReasonMissingModelPrompt {
			t.Errorf("got %q/%q, want call_error/%q", resp.Type, resp.Reason, ReasonMissingModelPrompt)
		}

		// The plugin can still finish successfully.
		sendCall(t, out, "llama3", "hello")
		if resp = readHostFrame(t, in); resp.Type != FrameCallResponse {
			t.Errorf("valid call type = %q, want call_response", resp.Type)
		}
		sendOutput(t, out, "recovered")
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput (empty fields are not run-terminal)", outcome.Terminal)
	}
	if outcome.Calls != 1 {
		t.Errorf("ledger calls = %d, want 1 (malformed calls must not be charged)", outcome.Calls)
	}
	if client.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 (malformed calls must not reach backend)", client.callCount())
	}
}

func TestRun_CallBudgetExhausted(t *testing.T) {
	pol := testPolicy()
	pol.MaxCalls = 2
	client := &fakeClient{}

	outcome := runDialog(t, pol, client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		for i := 0; i < 2; i++ {
			sendCall(t, out, "llama3", "hello")
			if resp := readHostFrame(t, in); resp.Type != FrameCallResponse {
				t.Errorf("call %d type = %q, want call_response", i+1, resp.Type)
			}
		}

		sendCall(t, out, "llama3", "one too many")
		resp := readHostFrame(t, in)
		if resp.Type != FrameCallError || resp.Reason != ReasonCallBudgetExceeded {
			t.Errorf("got %q/%q, want call_error/%q", resp.Type, resp.Reason, ReasonCallBudgetExceeded)
		}

		sendOutput(t, out, "finished anyway")
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput (budget exhaustion is not run-terminal)", outcome.Terminal)
	}
	if outcome.Calls != 2 {
		t.Errorf("ledger calls = %d, want 2", outcome.Calls)
	}
	if client.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2", client.callCount())
	}
}

func TestRun_PromptTooLong(t *testing.T) {
	pol := testPolicy()
	pol.MaxPromptLen = 10
	client := &fakeClient{}

	outcome := runDialog(t, pol, client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		sendCall(t, out, "llama3", strings.Repeat("x", 11))
		resp := readHostFrame(t, in)
		if resp.Type != FrameCallError || resp.Reason != ReasonPromptTooLong {
			t.Errorf("got %q/%q, want call_error/%q", resp.Type, resp.Reason, ReasonPromptTooLong)
		}
		sendOutput(t, out, "ok")
	})

	if outcome.Calls != 0 {
		t.Errorf("ledger calls = %d, want 0", outcome.Calls)
	}
	if client.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", client.callCount())
	}
}

func TestRun_BackendFailureRecovered(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
	}{
		{
			name:       "unreachable",
			err:        fmt.Errorf("dialing: %w", inference.ErrUnreachable),
			wantReason: ReasonBackendUnreachable,
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("waiting: %w", inference.ErrTimeout),
			wantReason: ReasonBackendTimeout,
		},
		{
			name:       "rejected",
			err:        &inference.RejectedError{StatusCode: 404, Reason: "model not found"},
			wantReason: "backend rejected request: model not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{reply: func(string, string) (string, error) {
				return "", tt.err
			}}

			outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
				in.ReadString('\n')

				sendCall(t, out, "llama3", "hello")
				resp := readHostFrame(t, in)
				if resp.Type != FrameCallError {
					t.Errorf("type = %q, want call_error", resp.Type)
				}
				if resp.Reason != tt.wantReason {
					t.Errorf("reason = %q, want %q", resp.Reason, tt.wantReason)
				}
				sendOutput(t, out, "survived")
			})

			if outcome.Terminal != TerminalOutput {
				t.Fatalf("terminal = %v, want TerminalOutput (backend failure is not run-terminal)", outcome.Terminal)
			}
			if outcome.Calls != 1 {
				t.Errorf("ledger calls = %d, want 1 (failed call is still charged)", outcome.Calls)
			}
		})
	}
}

func TestRun_ListModels(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		sendLine(t, out, `{"type":"list_models"}`)
		resp := readHostFrame(t, in)
		if resp.Type != FrameModelList {
			t.Errorf("type = %q, want model_list", resp.Type)
		}
		if len(resp.Models) != 2 || resp.Models[0] != "llama3" {
			t.Errorf("models = %v, want the policy allow-list", resp.Models)
		}
		sendOutput(t, out, "ok")
	})

	if outcome.Calls != 0 {
		t.Errorf("ledger calls = %d, want 0 (list_models is free)", outcome.Calls)
	}
}

func TestRun_MalformedLine(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')

		sendLine(t, out, `this is not json`)
		resp := readHostFrame(t, in)
		if resp.Type != FrameProtocolError {
			t.Errorf("type = %q, want protocol_error", resp.Type)
		}
	})

	if outcome.Terminal != TerminalProtocol {
		t.Fatalf("terminal = %v, want TerminalProtocol", outcome.Terminal)
	}
	if outcome.Violation == "" {
		t.Error("violation detail is empty")
	}
}

func TestRun_HostDirectionFrame(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')
		sendLine(t, out, `{"type":"call_response","text":"spoofed"}`)
		readHostFrame(t, in) // protocol_error
	})

	if outcome.Terminal != TerminalProtocol {
		t.Fatalf("terminal = %v, want TerminalProtocol", outcome.Terminal)
	}
}

func TestRun_EOFWithoutOutput(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')
		sendCall(t, out, "llama3", "hello")
		readHostFrame(t, in)
		// Crash before emitting output: script returns and stdout closes.
	})

	if outcome.Terminal != TerminalEOF {
		t.Fatalf("terminal = %v, want TerminalEOF", outcome.Terminal)
	}
	if outcome.Calls != 1 {
		t.Errorf("ledger calls = %d, want 1", outcome.Calls)
	}
}

func TestRun_BlankLinesSkipped(t *testing.T) {
	client := &fakeClient{}

	outcome := runDialog(t, testPolicy(), client, "", func(in *bufio.Reader, out io.Writer) {
		in.ReadString('\n')
		sendLine(t, out, "")
		sendLine(t, out, "   ")
		sendOutput(t, out, "clean")
	})

	if outcome.Terminal != TerminalOutput {
		t.Fatalf("terminal = %v, want TerminalOutput", outcome.Terminal)
	}
	if outcome.Output != "clean" {
		t.Errorf("output = %q, want %q", outcome.Output, "clean")
	}
}
