package bridge

import (
	"strings"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    FrameType
		wantErr string
	}{
		{
			name: "call request",
			line: `{"type":"call_request","model":"llama3","prompt":"hi"}`,
			want: FrameCallRequest,
		},
		{
			name: "output",
			line: `{"type":"output","text":"done"}`,
			want: FrameOutput,
		},
		{
			name: "output with empty text",
			line: `{"type":"output"}`,
			want: FrameOutput,
		},
		{
			name: "list models",
			line: `{"type":"list_models"}`,
			want: FrameListModels,
		},
		{
			name:    "malformed json",
			line:    `{"type":`,
			wantErr: "malformed frame",
		},
		{
			name:    "not an object",
			line:    `42`,
			wantErr: "malformed frame",
		},
		{
			name:    "missing type",
			line:    `{"text":"hello"}`,
			wantErr: "missing type",
		},
		{
			name:    "unknown type",
			line:    `{"type":"telemetry"}`,
			wantErr: "unknown frame type",
		},
		{
			name:    "host direction type",
			line:    `{"type":"call_response","text":"x"}`,
			wantErr: "host to plugin only",
		},
		{
			// Field problems are answered with call_error, not treated as
			// protocol violations, so the parser must accept the shape.
			name: "call request missing model",
			line: `{"type":"call_request","prompt":"hi"}`,
			want: FrameCallRequest,
		},
		{
			name: "call request with empty prompt",
			line: `{"type":"call_request","model":"llama3","prompt":""}`,
			want: FrameCallRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.line))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got frame %+v", tt.wantErr, f)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Type != tt.want {
				t.Errorf("frame type = %q, want %q", f.Type, tt.want)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	data, err := encodeFrame(Frame{Type: FrameCallError, Reason: ReasonModelNotPermitted})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := string(data)
	if !strings.HasSuffix(line, "\n") {
		t.Error("encoded frame must be newline terminated")
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("encoded frame contains embedded newlines: %q", line)
	}
	if strings.Contains(line, `"prompt"`) {
		t.Errorf("empty fields should be omitted: %q", line)
	}
}
