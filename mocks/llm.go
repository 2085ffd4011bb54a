// Package mocks provides test doubles for the auxiliary model and the
// configuration watcher.
package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"github.com/teilomillet/gollm/utils"
)

// MockLLM implements gollm.LLM without calling a provider. Prompts passed to
// Generate are recorded.
//
// Example usage:
//
//	mockLLM := NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return `{"scores": [], "total_score": 7, "feedback": "ok"}`, nil
//	})
type MockLLM struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)
	Provider     string
	Model        string

	mu      sync.Mutex
	prompts []*gollm.Prompt
	options map[string]interface{}
}

var _ gollm.LLM = (*MockLLM)(nil)

// NewMockLLM returns a MockLLM. A nil generateFunc makes Generate return "".
func NewMockLLM(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockLLM {
	return &MockLLM{
		GenerateFunc: generateFunc,
		Provider:     "mock",
		Model:        "mock-model",
		options:      map[string]interface{}{},
	}
}

// Reply returns a MockLLM that always answers text.
func Reply(text string) *MockLLM {
	return NewMockLLM(func(context.Context, *gollm.Prompt) (string, error) {
		return text, nil
	})
}

func (m *MockLLM) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Prompts returns the prompts received so far.
func (m *MockLLM) Prompts() []*gollm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gollm.Prompt(nil), m.prompts...)
}

// Option returns a value set with SetOption.
func (m *MockLLM) Option(key string) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options[key]
}

func (m *MockLLM) Debug(format string, args ...interface{}) {}

func (m *MockLLM) GetPromptJSONSchema(opts ...gollm.SchemaOption) ([]byte, error) {
	return []byte(`{}`), nil
}

func (m *MockLLM) GetProvider() string { return m.Provider }

func (m *MockLLM) GetModel() string { return m.Model }

func (m *MockLLM) GetLogLevel() gollm.LogLevel { return gollm.LogLevelInfo }

func (m *MockLLM) UpdateLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) SetLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) GetLogger() utils.Logger { return nil }

func (m *MockLLM) NewPrompt(text string) *gollm.Prompt {
	return &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "user", Content: text},
		},
	}
}

func (m *MockLLM) SetEndpoint(endpoint string) {}

func (m *MockLLM) SetOption(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		m.options = map[string]interface{}{}
	}
	m.options[key] = value
}

func (m *MockLLM) SupportsJSONSchema() bool { return true }

func (m *MockLLM) GenerateWithSchema(ctx context.Context, prompt *gollm.Prompt, schema interface{}, opts ...llm.GenerateOption) (string, error) {
	return m.Generate(ctx, prompt, opts...)
}

func (m *MockLLM) SetOllamaEndpoint(endpoint string) error { return nil }

func (m *MockLLM) SetSystemPrompt(prompt string, cacheType llm.CacheType) {}
