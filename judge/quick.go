package judge

import (
	"regexp"
	"strings"
)

// Evaluation is a local, model-free check of an output.
type Evaluation struct {
	// Similarity is the share of distinct expected words present in the
	// output, in [0, 1]. Zero when there is no expected output.
	Similarity float64  `json:"similarity"`
	Issues     []string `json:"issues"`
}

const (
	minOutputLength   = 10
	lowSimilarity     = 0.3
	shortErrorMessage = 100
)

var (
	refusal    = regexp.MustCompile(`(?i)i don't know|i cannot|i can't|i'm not sure`)
	errorWords = regexp.MustCompile(`(?i)error|exception|failed`)
)

// QuickEvaluate flags empty, short, refusing or error-like outputs and
// measures word overlap with expected.
func QuickEvaluate(output, expected string) Evaluation {
	ev := Evaluation{Issues: []string{}}
	if strings.TrimSpace(output) == "" {
		ev.Issues = append(ev.Issues, "output is empty")
		return ev
	}
	if len(output) < minOutputLength {
		ev.Issues = append(ev.Issues, "output is very short")
	}

	if expected != "" {
		have := wordSet(output)
		want := wordSet(expected)
		matched := 0
		for w := range want {
			if have[w] {
				matched++
			}
		}
		if len(want) > 0 {
			ev.Similarity = float64(matched) / float64(len(want))
		}
		if ev.Similarity < lowSimilarity {
			ev.Issues = append(ev.Issues, "output differs substantially from the expected output")
		}
	}

	if refusal.MatchString(output) {
		ev.Issues = append(ev.Issues, "model declined to answer")
	}
	if len(output) < shortErrorMessage && errorWords.MatchString(output) {
		ev.Issues = append(ev.Issues, "output may be an error message")
	}
	return ev
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
