// Package runner executes one plugin run end to end: admission, staging,
// sandbox launch, the frame dialog, and assembly of the final result.
package runner

import (
	"encoding/json"
	"math"
	"time"
)

// Outcome classifies how a run ended. Exactly one applies per run.
type Outcome string

const (
	// OutcomeSuccess: the plugin emitted its output frame. Fixed from that
	// moment — later crashes or nonzero exits cannot undo it.
	OutcomeSuccess Outcome = "success"

	// OutcomeToolError: the plugin exited without an output frame.
	OutcomeToolError Outcome = "tool_error"

	// OutcomeTimeout: the run hit the wall-clock limit.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeProtocolViolation: the plugin emitted an unparseable frame.
	OutcomeProtocolViolation Outcome = "protocol_violation"

	// OutcomeSandboxUnavailable: no runtime could launch the plugin.
	OutcomeSandboxUnavailable Outcome = "sandbox_unavailable"
)

// Result is the assembled outcome of one run.
type Result struct {
	Outcome     Outcome
	Output      string // plugin output, set on success
	ErrorDetail string // human-readable failure description
	Diagnostic  string // non-fatal context: fallback notice, stderr tail
	Runtime     string // runtime that executed the plugin, if any launched
	Calls       int    // accepted inference calls
	Elapsed     time.Duration
}

// Success reports whether the run produced plugin output.
func (r *Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// MarshalJSON renders the wire shape. Output and error are mutually
// exclusive: success carries output, failure carries error and error_type.
func (r Result) MarshalJSON() ([]byte, error) {
	w := resultWire{
		Success:        r.Outcome == OutcomeSuccess,
		ElapsedSeconds: math.Round(r.Elapsed.Seconds()*1000) / 1000,
		Diagnostic:     r.Diagnostic,
		Runtime:        r.Runtime,
		Calls:          r.Calls,
	}
	if w.Success {
		w.Output = &r.Output
	} else {
		w.Error = &r.ErrorDetail
		w.ErrorType = string(r.Outcome)
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores a Result from the wire shape.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		Diagnostic: w.Diagnostic,
		Runtime:    w.Runtime,
		Calls:      w.Calls,
		Elapsed:    time.Duration(w.ElapsedSeconds * float64(time.Second)),
	}
	if w.Success {
		r.Outcome = OutcomeSuccess
		if w.Output != nil {
			r.Output = *w.Output
		}
	} else {
		r.Outcome = Outcome(w.ErrorType)
		if w.Error != nil {
			r.ErrorDetail = *w.Error
		}
	}
	return nil
}

type resultWire struct {
	Success        bool    `json:"success"`
	Output         *string `json:"output,omitempty"`
	Error          *string `json:"error,omitempty"`
	ErrorType      string  `json:"error_type,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Diagnostic     string  `json:"diagnostic,omitempty"`
	Runtime        string  `json:"runtime,omitempty"`
	Calls          int     `json:"calls"`
}
