package compiler

// Params is the generation configuration. Every field has a protocol default
// (see DefaultParams); the compilers only emit fields that differ from it.
type Params struct {
	Temperature     float64  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopP            float64  `json:"topP" yaml:"top_p" validate:"gte=0,lte=1"`
	MaxOutputTokens int      `json:"maxOutputTokens" yaml:"max_output_tokens" validate:"gte=0"`
	Stream          bool     `json:"stream" yaml:"stream"`
	Stop            []string `json:"stop" yaml:"stop" validate:"max=4"`
	Seed            *int64   `json:"seed" yaml:"seed"`

	// Chat Completions only.
	PresencePenalty  float64            `json:"presencePenalty" yaml:"presence_penalty" validate:"gte=-2,lte=2"`
	FrequencyPenalty float64            `json:"frequencyPenalty" yaml:"frequency_penalty" validate:"gte=-2,lte=2"`
	N                int                `json:"n" yaml:"n" validate:"gte=1,lte=128"`
	Logprobs         bool               `json:"logprobs" yaml:"logprobs"`
	TopLogprobs      *int               `json:"topLogprobs" yaml:"top_logprobs" validate:"omitempty,gte=0,lte=20"`
	LogitBias        map[string]float64 `json:"logitBias" yaml:"logit_bias" validate:"dive,gte=-100,lte=100"`

	// Responses only.
	Truncation         string `json:"truncation" yaml:"truncation" validate:"omitempty,oneof=auto disabled"`
	Store              bool   `json:"store" yaml:"store"`
	PreviousResponseID string `json:"previousResponseId" yaml:"previous_response_id"`

	// ReasoningEffort is empty when unset.
	ReasoningEffort string `json:"reasoningEffort" yaml:"reasoning_effort" validate:"omitempty,oneof=none minimal low medium high"`

	StructuredOutput StructuredOutput `json:"structuredOutput" yaml:"structured_output"`
	Tools            Tools            `json:"tools" yaml:"tools"`
}

// StructuredOutput constrains output to a JSON schema given as raw JSON text.
type StructuredOutput struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SchemaJSON string `json:"schemaJson" yaml:"schema_json"`
	Strict     bool   `json:"strict" yaml:"strict"`
}

// Tools carries the tool definitions as a raw JSON array.
type Tools struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	ToolJSON          string `json:"toolJson" yaml:"tool_json"`
	ToolChoice        string `json:"toolChoice" yaml:"tool_choice"`
	ParallelToolCalls bool   `json:"parallelToolCalls" yaml:"parallel_tool_calls"`
}

// DefaultParams returns the protocol defaults. Compiling with these params
// produces a request with nothing but the model and messages, plus
// max output tokens.
func DefaultParams() Params {
	return Params{
		Temperature:     1,
		TopP:            1,
		MaxOutputTokens: 4096,
		Stop:            []string{},
		N:               1,
		LogitBias:       map[string]float64{},
		Truncation:      "auto",
		StructuredOutput: StructuredOutput{
			SchemaJSON: "{}",
			Strict:     true,
		},
		Tools: Tools{
			ToolJSON:          "[]",
			ToolChoice:        "auto",
			ParallelToolCalls: true,
		},
	}
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	c := p
	if p.Stop != nil {
		c.Stop = append([]string{}, p.Stop...)
	}
	if p.Seed != nil {
		s := *p.Seed
		c.Seed = &s
	}
	if p.TopLogprobs != nil {
		v := *p.TopLogprobs
		c.TopLogprobs = &v
	}
	if p.LogitBias != nil {
		c.LogitBias = make(map[string]float64, len(p.LogitBias))
		for k, v := range p.LogitBias {
			c.LogitBias[k] = v
		}
	}
	return c
}
