package executor

import (
	"strings"

	"github.com/buger/jsonparser"

	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/stream"
)

// extracted is what a non-streamed body yields.
type extracted struct {
	output       string
	reasoning    string
	usage        stream.Usage
	finishReason string
}

func extract(mode compiler.EndpointMode, body []byte) extracted {
	if mode == compiler.ModeResponses {
		return extractResponses(body)
	}
	return extractChat(body)
}

// extractResponses prefers the output_text convenience field, then the
// output_text parts of the output items, then a string content on the first item.
func extractResponses(body []byte) extracted {
	var ex extracted
	ex.usage = stream.ParseUsage(stream.Object(body, "usage"))

	if s, ok := stream.String(body, "output_text"); ok && s != "" {
		ex.output = s
	} else {
		var out, reasoning strings.Builder
		stream.ArrayEach(body, func(item []byte, t jsonparser.ValueType) {
			if t != jsonparser.Object {
				return
			}
			kind, _ := stream.String(item, "type")
			if kind == "reasoning" {
				stream.ArrayEach(item, func(part []byte, _ jsonparser.ValueType) {
					if s, ok := stream.String(part, "text"); ok {
						reasoning.WriteString(s)
					}
				}, "summary")
				return
			}
			stream.ArrayEach(item, func(part []byte, _ jsonparser.ValueType) {
				if pt, _ := stream.String(part, "type"); pt == "output_text" {
					s, _ := stream.String(part, "text")
					out.WriteString(s)
				}
			}, "content")
		}, "output")
		ex.output = out.String()
		ex.reasoning = reasoning.String()
		if ex.output == "" {
			ex.output, _ = stream.String(body, "output", "[0]", "content")
		}
	}

	if s, ok := stream.String(body, "status"); ok && s != "" {
		ex.finishReason = s
	} else {
		ex.finishReason, _ = stream.String(body, "finish_reason")
	}
	return ex
}

func extractChat(body []byte) extracted {
	var ex extracted
	ex.usage = stream.ParseUsage(stream.Object(body, "usage"))
	ex.output, _ = stream.String(body, "choices", "[0]", "message", "content")
	ex.reasoning, _ = stream.String(body, "choices", "[0]", "message", "reasoning_content")
	ex.finishReason, _ = stream.String(body, "choices", "[0]", "finish_reason")
	return ex
}
