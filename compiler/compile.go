package compiler

import (
	"encoding/json"
	"strings"

	"github.com/teilomillet/promptbench/prompt"
)

// Compile compiles for the connection's endpoint mode. The result is a
// *ResponsesRequest or a *ChatRequest.
func Compile(d *prompt.Draft, p Params, c Connection) interface{} {
	if c.EndpointMode == ModeResponses {
		return CompileResponses(d, p, c)
	}
	return CompileChat(d, p, c)
}

// CompileResponses builds a Responses request. A non-blank instruction moves to
// the top-level instructions field and out of input.
func CompileResponses(d *prompt.Draft, p Params, c Connection) *ResponsesRequest {
	if d == nil {
		d = &prompt.Draft{}
	}
	msgs := prompt.Assemble(d)
	req := &ResponsesRequest{
		Model: c.ModelID,
		Input: nonNil(msgs),
	}

	if strings.TrimSpace(d.InstructionText) != "" {
		req.Instructions = d.InstructionText
		if len(msgs) > 0 && msgs[0].Role == instructionRole(d) {
			req.Input = nonNil(msgs[1:])
		}
	}

	if p.MaxOutputTokens > 0 {
		req.MaxOutputTokens = p.MaxOutputTokens
	}
	req.Temperature = unlessEqual(p.Temperature, 1)
	req.TopP = unlessEqual(p.TopP, 1)
	if p.Stream {
		req.Stream = true
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if len(p.Stop) > 0 {
		req.Stop = p.Stop
	}
	req.Seed = p.Seed
	if p.Truncation != "" && p.Truncation != "auto" {
		req.Truncation = p.Truncation
	}
	req.Store = p.Store
	req.PreviousResponseID = p.PreviousResponseID
	if p.ReasoningEffort != "" {
		req.Reasoning = &Reasoning{Effort: p.ReasoningEffort}
	}

	if schema, ok := parseSchema(p.StructuredOutput); ok {
		req.Text = &TextOptions{Format: &SchemaFormat{
			Type:   "json_schema",
			Strict: p.StructuredOutput.Strict,
			Schema: schema,
		}}
	}
	if tools, ok := parseTools(p.Tools); ok {
		req.Tools = tools
		req.ToolChoice = p.Tools.ToolChoice
		req.ParallelToolCalls = boolPtr(p.Tools.ParallelToolCalls)
	}
	return req
}

// CompileChat builds a Chat Completions request.
func CompileChat(d *prompt.Draft, p Params, c Connection) *ChatRequest {
	req := &ChatRequest{
		Model:    c.ModelID,
		Messages: nonNil(prompt.Assemble(d)),
	}

	if p.MaxOutputTokens > 0 {
		req.MaxTokens = p.MaxOutputTokens
	}
	req.Temperature = unlessEqual(p.Temperature, 1)
	req.TopP = unlessEqual(p.TopP, 1)
	if p.Stream {
		req.Stream = true
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if len(p.Stop) > 0 {
		req.Stop = p.Stop
	}
	req.Seed = p.Seed
	req.PresencePenalty = p.PresencePenalty
	req.FrequencyPenalty = p.FrequencyPenalty
	if p.N > 1 {
		req.N = p.N
	}
	if p.Logprobs {
		req.Logprobs = true
		req.TopLogprobs = p.TopLogprobs
	}
	if len(p.LogitBias) > 0 {
		req.LogitBias = p.LogitBias
	}
	req.ReasoningEffort = p.ReasoningEffort

	if schema, ok := parseSchema(p.StructuredOutput); ok {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Strict: p.StructuredOutput.Strict,
				Schema: schema,
			},
		}
	}
	if tools, ok := parseTools(p.Tools); ok {
		req.Tools = tools
		req.ToolChoice = p.Tools.ToolChoice
		req.ParallelToolCalls = boolPtr(p.Tools.ParallelToolCalls)
	}
	return req
}

func instructionRole(d *prompt.Draft) prompt.Role {
	if d.InstructionRole == "" {
		return prompt.RoleSystem
	}
	return d.InstructionRole
}

// parseSchema returns the schema when structured output is enabled and the
// schema text is valid JSON.
func parseSchema(so StructuredOutput) (json.RawMessage, bool) {
	if !so.Enabled {
		return nil, false
	}
	raw := strings.TrimSpace(so.SchemaJSON)
	if raw == "" || !json.Valid([]byte(raw)) {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// parseTools returns the tool list when tools are enabled and the JSON is a
// non-empty array.
func parseTools(t Tools) ([]json.RawMessage, bool) {
	if !t.Enabled {
		return nil, false
	}
	var tools []json.RawMessage
	if err := json.Unmarshal([]byte(t.ToolJSON), &tools); err != nil || len(tools) == 0 {
		return nil, false
	}
	return tools, true
}

func unlessEqual(v, def float64) *float64 {
	if v == def {
		return nil
	}
	return &v
}

func boolPtr(b bool) *bool {
	return &b
}

func nonNil(msgs []prompt.Message) []prompt.Message {
	if msgs == nil {
		return []prompt.Message{}
	}
	return msgs
}
