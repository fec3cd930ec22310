// Package policy defines the capability limits that govern a single plugin run:
// which models may be called, how long a prompt may be, how many inference
// calls are permitted, and how long the run may live. Checks are pure
// functions over an immutable snapshot — no state, no side effects.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinel errors for rejected call requests. The bridge engine turns these
// into call_error frames delivered back into the sandbox; they are never
// fatal to the run.
var (
	ErrModelNotAllowed     = errors.New("model not permitted")
	ErrPromptTooLong       = errors.New("prompt too long")
	ErrCallBudgetExhausted = errors.New("call budget exceeded")
)

// Policy is the capability snapshot for one run. It is constructed once
// (per deployment, from config) and shared read-only across runs.
type Policy struct {
	// AllowedModels is the closed set of model identifiers a plugin may call.
	AllowedModels []string

	// MaxPromptLen caps the length of a single prompt, in bytes.
	MaxPromptLen int

	// MaxCalls caps the number of accepted inference calls per run.
	MaxCalls int

	// Timeout is the wall-clock budget for the whole run.
	Timeout time.Duration

	// MemoryPages limits sandbox memory in 64 KiB WASM pages. 0 = runtime default.
	MemoryPages int
}

// Validate rejects policies that would make every run fail or never end.
func (p Policy) Validate() error {
	if len(p.AllowedModels) == 0 {
		return fmt.Errorf("policy: allowed model set must not be empty")
	}
	if p.MaxPromptLen <= 0 {
		return fmt.Errorf("policy: max prompt length must be positive, got %d", p.MaxPromptLen)
	}
	if p.MaxCalls <= 0 {
		return fmt.Errorf("policy: max calls must be positive, got %d", p.MaxCalls)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("policy: timeout must be positive, got %s", p.Timeout)
	}
	if p.MemoryPages < 0 {
		return fmt.Errorf("policy: memory pages must not be negative, got %d", p.MemoryPages)
	}
	return nil
}

// ModelAllowed reports whether the model identifier is in the allow-set.
func (p Policy) ModelAllowed(id string) bool {
	return slices.Contains(p.AllowedModels, id)
}

// CheckPrompt returns ErrPromptTooLong when the prompt exceeds the ceiling.
func (p Policy) CheckPrompt(prompt string) error {
	if len(prompt) > p.MaxPromptLen {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPromptTooLong, len(prompt), p.MaxPromptLen)
	}
	return nil
}

// Remaining returns how many inference calls are left given the number
// already used. Never negative.
func (p Policy) Remaining(used int) int {
	if used >= p.MaxCalls {
		return 0
	}
	return p.MaxCalls - used
}
