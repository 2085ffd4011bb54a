package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/teilomillet/promptbench/prompt"
)

// IssueType ranks a lint Issue.
type IssueType string

const (
	IssueInfo       IssueType = "info"
	IssueWarning    IssueType = "warning"
	IssueSuggestion IssueType = "suggestion"
)

// Issue is one lint finding. Location names the part of the draft it concerns.
type Issue struct {
	Type     IssueType `json:"type"`
	Message  string    `json:"message"`
	Location string    `json:"location,omitempty"`
}

const (
	maxInstructionLength = 4000
	formatHintThreshold  = 100
	repeatedWordLength   = 5
	repeatedWordCount    = 5
)

var (
	formatHint     = regexp.MustCompile(`(?i)format|json|markdown|list|yaml|table|output`)
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
	}
	whitespace = regexp.MustCompile(`\s+`)
)

// Lint inspects a draft for common prompt problems.
func Lint(d *prompt.Draft) []Issue {
	if d == nil {
		return nil
	}
	var issues []Issue
	instruction := strings.TrimSpace(d.InstructionText)

	var enabled []string
	for _, s := range d.EnabledSegments() {
		enabled = append(enabled, s.Text)
	}
	user := strings.Join(enabled, " ")

	if instruction == "" {
		issues = append(issues, Issue{
			Type:     IssueSuggestion,
			Message:  "add an instruction to control the output",
			Location: "instructions",
		})
	}
	if len(instruction) > maxInstructionLength {
		issues = append(issues, Issue{
			Type:     IssueWarning,
			Message:  fmt.Sprintf("instruction is longer than %d characters; consider trimming it", maxInstructionLength),
			Location: "instructions",
		})
	}
	if strings.TrimSpace(user) == "" {
		issues = append(issues, Issue{
			Type:     IssueWarning,
			Message:  "user message is empty",
			Location: "userSegments",
		})
	}

	all := instruction + " " + user
	if undefined := undefinedVariables(all, d.Variables); len(undefined) > 0 {
		issues = append(issues, Issue{
			Type:     IssueWarning,
			Message:  "undefined variables: " + strings.Join(undefined, ", "),
			Location: "variables",
		})
	}

	if repeated := repeatedWords(user); len(repeated) > 0 {
		if len(repeated) > 3 {
			repeated = repeated[:3]
		}
		issues = append(issues, Issue{
			Type:     IssueInfo,
			Message:  "repeated words: " + strings.Join(repeated, ", "),
			Location: "userSegments",
		})
	}

	if len(instruction) > formatHintThreshold && !formatHint.MatchString(instruction) {
		issues = append(issues, Issue{
			Type:     IssueSuggestion,
			Message:  "state the expected output format in the instruction",
			Location: "instructions",
		})
	}

	for _, re := range secretPatterns {
		if re.MatchString(all) {
			issues = append(issues, Issue{
				Type:     IssueWarning,
				Message:  "possible secret in prompt content",
				Location: "content",
			})
			break
		}
	}
	return issues
}

// undefinedVariables returns placeholders without a non-empty value, in order
// of appearance.
func undefinedVariables(text string, vars map[string]string) []string {
	var out []string
	for _, name := range prompt.Placeholders(text) {
		if vars[name] == "" {
			out = append(out, "{{"+name+"}}")
		}
	}
	return out
}

// repeatedWords returns long words used more than repeatedWordCount times,
// most frequent first.
func repeatedWords(text string) []string {
	counts := map[string]int{}
	for _, w := range whitespace.Split(strings.ToLower(text), -1) {
		if len(w) > repeatedWordLength {
			counts[w]++
		}
	}
	var out []string
	for w, n := range counts {
		if n > repeatedWordCount {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func jsonObject(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

func jsonArray(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 || b[0] != '[' {
		return false
	}
	var items []json.RawMessage
	return json.Unmarshal(b, &items) == nil && len(items) > 0
}
