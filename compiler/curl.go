package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var bearerPattern = regexp.MustCompile(`Bearer\s+.+`)

// MaskHeaders returns a copy of headers with credentials replaced by a shell
// variable reference.
func MaskHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = maskHeader(k, v)
	}
	return out
}

func maskHeader(key, value string) string {
	lk := strings.ToLower(key)
	switch {
	case strings.Contains(lk, "authorization"):
		return bearerPattern.ReplaceAllLiteralString(value, "Bearer $OPENAI_API_KEY")
	case lk == "x-api-key" && value != "":
		return "$OPENAI_API_KEY"
	}
	return value
}

// Curl renders a POST of body to url as a shell command. Headers are written in
// name order with credentials masked; the body is indented JSON.
func Curl(url string, headers map[string]string, body interface{}) (string, error) {
	payload, err := EncodeIndent(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "curl -X POST %s", shellQuote(url))
	for _, k := range keys {
		fmt.Fprintf(&b, " \\\n  -H %s", shellQuote(k+": "+maskHeader(k, headers[k])))
	}
	fmt.Fprintf(&b, " \\\n  -d %s", shellQuote(string(payload)))
	return b.String(), nil
}

// shellQuote wraps s in single quotes, closing and reopening them around each
// embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
