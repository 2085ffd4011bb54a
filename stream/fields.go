package stream

import (
	"github.com/buger/jsonparser"
)

// Usage holds token accounting. Missing counters are zero.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	CachedTokens     int `json:"cachedTokens"`
	ReasoningTokens  int `json:"reasoningTokens"`
}

// ParseUsage reads a usage object in either naming: prompt/completion tokens
// as used by Chat Completions, or input/output tokens as used by Responses.
func ParseUsage(usage []byte) Usage {
	return Usage{
		PromptTokens:     firstInt(usage, []string{"prompt_tokens"}, []string{"input_tokens"}),
		CompletionTokens: firstInt(usage, []string{"completion_tokens"}, []string{"output_tokens"}),
		TotalTokens:      firstInt(usage, []string{"total_tokens"}),
		CachedTokens: firstInt(usage,
			[]string{"prompt_tokens_details", "cached_tokens"},
			[]string{"input_tokens_details", "cached_tokens"}),
		ReasoningTokens: firstInt(usage,
			[]string{"completion_tokens_details", "reasoning_tokens"},
			[]string{"output_tokens_details", "reasoning_tokens"}),
	}
}

// Object returns the JSON object at path, or nil when it is absent or not an object.
func Object(data []byte, path ...string) []byte {
	v, t, _, err := jsonparser.Get(data, path...)
	if err != nil || t != jsonparser.Object {
		return nil
	}
	return v
}

// String returns the string at path and whether it is a string.
func String(data []byte, path ...string) (string, bool) {
	v, t, _, err := jsonparser.Get(data, path...)
	if err != nil || t != jsonparser.String {
		return "", false
	}
	s, err := jsonparser.ParseString(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// Has reports whether path exists, whatever its type, null included.
func Has(data []byte, path ...string) bool {
	_, t, _, err := jsonparser.Get(data, path...)
	return err == nil && t != jsonparser.NotExist
}

// ArrayEach calls fn with each element of the array at path.
func ArrayEach(data []byte, fn func(elem []byte, t jsonparser.ValueType), path ...string) {
	_, _ = jsonparser.ArrayEach(data, func(v []byte, t jsonparser.ValueType, _ int, _ error) {
		fn(v, t)
	}, path...)
}

func firstInt(data []byte, paths ...[]string) int {
	for _, p := range paths {
		v, t, _, err := jsonparser.Get(data, p...)
		if err != nil || t != jsonparser.Number {
			continue
		}
		if n, err := jsonparser.ParseInt(v); err == nil {
			return int(n)
		}
		if f, err := jsonparser.ParseFloat(v); err == nil {
			return int(f)
		}
	}
	return 0
}
