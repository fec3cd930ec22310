package inference

import (
	"context"
	"fmt"
)

// MockClient returns canned responses without touching any backend.
// Enabled via inference.mock in config so the full stack can be exercised
// on hosts without a model server.
type MockClient struct {
	// Models is reported by ListModels. Empty = a small default set.
	Models []string
}

var defaultMockModels = []string{"llama3", "llava", "mistral"}

func (m *MockClient) Name() string { return "mock" }

// Generate returns a deterministic response tagged with the model name.
func (m *MockClient) Generate(_ context.Context, model, prompt string) (string, error) {
	return fmt.Sprintf("[mock:%s] This is a simulated response to a %d-byte prompt.", model, len(prompt)), nil
}

func (m *MockClient) ListModels(_ context.Context) ([]string, error) {
	if len(m.Models) > 0 {
		return m.Models, nil
	}
	return defaultMockModels, nil
}

// compile-time interface check
var _ Client = (*MockClient)(nil)
