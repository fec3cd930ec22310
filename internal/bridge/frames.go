// Package bridge implements the line-delimited frame protocol between the
// host and a sandboxed plugin process, and the engine that drives one run's
// dialog: user input in, call requests out to the inference backend, exactly
// one response frame for every request frame, one output frame to finish.
package bridge

import (
	"encoding/json"
	"fmt"
)

// FrameType tags a protocol frame.
type FrameType string

// Frame types. The plugin emits call_request, list_models and output;
// the host emits call_response, call_error, model_list and protocol_error.
const (
	FrameCallRequest   FrameType = "call_request"
	FrameCallResponse  FrameType = "call_response"
	FrameCallError     FrameType = "call_error"
	FrameOutput        FrameType = "output"
	FrameProtocolError FrameType = "protocol_error"
	FrameListModels    FrameType = "list_models"
	FrameModelList     FrameType = "model_list"
)

// Frame is one self-contained protocol message. Exactly one frame per line;
// the parser never needs look-ahead beyond one line.
type Frame struct {
	Type   FrameType `json:"type"`
	Model  string    `json:"model,omitempty"`  // call_request
	Prompt string    `json:"prompt,omitempty"` // call_request
	Text   string    `json:"text,omitempty"`   // call_response, output
	Reason string    `json:"reason,omitempty"` // call_error
	Detail string    `json:"detail,omitempty"` // protocol_error
	Models []string  `json:"models,omitempty"` // model_list
}

// ParseFrame decodes one plugin-emitted line into a frame. Malformed JSON,
// an unknown type, or a host-direction type are parse failures — the engine
// maps them to a ProtocolViolation outcome. Field-level problems on an
// otherwise well-formed request (an empty model or prompt) are not parse
// failures: the engine answers those with a call_error so the plugin can
// recover.
func ParseFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case FrameCallRequest:
	case FrameOutput:
		// Empty text is a legal (if useless) output.
	case FrameListModels:
	case "":
		return Frame{}, fmt.Errorf("frame missing type")
	case FrameCallResponse, FrameCallError, FrameModelList, FrameProtocolError:
		return Frame{}, fmt.Errorf("frame type %q flows host to plugin only", f.Type)
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}

	return f, nil
}

// encodeFrame renders a host frame as one newline-terminated line.
func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return append(data, '\n'), nil
}
