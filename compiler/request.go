// Package compiler turns a prompt draft, generation parameters and a connection
// into the JSON request body for the Responses or Chat Completions endpoint.
//
// Compilation is total: it never fails. Fields equal to their protocol default
// are left out of the body, and malformed schema or tool JSON drops only that
// feature.
package compiler

import (
	"bytes"
	"encoding/json"

	"github.com/teilomillet/promptbench/prompt"
)

// StreamOptions asks for a usage event at the end of a stream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Reasoning is the Responses reasoning block.
type Reasoning struct {
	Effort string `json:"effort,omitempty"`
}

// SchemaFormat is the Responses text.format block.
type SchemaFormat struct {
	Type   string          `json:"type"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// TextOptions is the Responses text block.
type TextOptions struct {
	Format *SchemaFormat `json:"format,omitempty"`
}

// JSONSchema is the Chat json_schema block.
type JSONSchema struct {
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// ResponseFormat is the Chat response_format block.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// ResponsesRequest is the body posted to /v1/responses.
type ResponsesRequest struct {
	Model              string            `json:"model"`
	Input              []prompt.Message  `json:"input"`
	Instructions       string            `json:"instructions,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	TopP               *float64          `json:"top_p,omitempty"`
	Stream             bool              `json:"stream,omitempty"`
	StreamOptions      *StreamOptions    `json:"stream_options,omitempty"`
	Stop               []string          `json:"stop,omitempty"`
	Seed               *int64            `json:"seed,omitempty"`
	Truncation         string            `json:"truncation,omitempty"`
	Store              bool              `json:"store,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Reasoning          *Reasoning        `json:"reasoning,omitempty"`
	Text               *TextOptions      `json:"text,omitempty"`
	Tools              []json.RawMessage `json:"tools,omitempty"`
	ToolChoice         string            `json:"tool_choice,omitempty"`
	ParallelToolCalls  *bool             `json:"parallel_tool_calls,omitempty"`
}

// ChatRequest is the body posted to /v1/chat/completions.
type ChatRequest struct {
	Model             string             `json:"model"`
	Messages          []prompt.Message   `json:"messages"`
	MaxTokens         int                `json:"max_tokens,omitempty"`
	Temperature       *float64           `json:"temperature,omitempty"`
	TopP              *float64           `json:"top_p,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
	StreamOptions     *StreamOptions     `json:"stream_options,omitempty"`
	Stop              []string           `json:"stop,omitempty"`
	Seed              *int64             `json:"seed,omitempty"`
	PresencePenalty   float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty  float64            `json:"frequency_penalty,omitempty"`
	N                 int                `json:"n,omitempty"`
	Logprobs          bool               `json:"logprobs,omitempty"`
	TopLogprobs       *int               `json:"top_logprobs,omitempty"`
	LogitBias         map[string]float64 `json:"logit_bias,omitempty"`
	ReasoningEffort   string             `json:"reasoning_effort,omitempty"`
	ResponseFormat    *ResponseFormat    `json:"response_format,omitempty"`
	Tools             []json.RawMessage  `json:"tools,omitempty"`
	ToolChoice        string             `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool              `json:"parallel_tool_calls,omitempty"`
}

// Encode marshals a compiled body without HTML escaping, so that the bytes sent
// match what the user sees in the request preview.
func Encode(body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeIndent is Encode with two-space indentation.
func EncodeIndent(body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
