package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/teilomillet/gollm"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/prompt"
)

// Strategy is one kind of rewrite the optimizer may apply.
type Strategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Strategy ids.
const (
	StrategyClarifyTask      = "clarify_task"
	StrategyAddConstraints   = "add_constraints"
	StrategyAddExamples      = "add_examples"
	StrategyAddSelfCheck     = "add_self_check"
	StrategyStructuredOutput = "structured_output"
	StrategyRobustness       = "robustness"
)

// DefaultStrategies returns the built-in strategies with their default
// enablement.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{StrategyClarifyTask, "Clarify task", "State the role, the goal and the boundaries", true},
		{StrategyAddConstraints, "Add constraints", "Specify output format, exclusions, length and tone", true},
		{StrategyAddExamples, "Add examples", "Add few-shot examples for consistent output", false},
		{StrategyAddSelfCheck, "Add self-check", "Have the model verify its answer before replying", false},
		{StrategyStructuredOutput, "Structured output", "Generate a JSON Schema for the output", false},
		{StrategyRobustness, "Robustness", "Handle missing input and uncertainty", true},
	}
}

const optimizerSystemPrompt = `You are an expert prompt engineer. Improve the user's prompt by applying the enabled strategies.

Reply with JSON only, in exactly this shape:

{
  "optimized_instruction": "improved system instruction",
  "optimized_user_message": "improved user message",
  "diff_summary": ["change 1", "change 2"],
  "risk_flags": ["risk 1"],
  "test_suggestions": ["test 1"],
  "generated_schema": null
}

Rules:
1. Keep the original intent.
2. Change only what the strategies call for.
3. List every change in diff_summary.
4. Flag any change that could alter meaning in risk_flags.
5. Suggest tests that would show whether the rewrite helps.
6. Fill generated_schema only when the structured output strategy is enabled.`

// Optimization is a proposed rewrite of a draft.
type Optimization struct {
	Instruction     string          `json:"instructionText"`
	UserMessage     string          `json:"userMessage"`
	DiffSummary     []string        `json:"diffSummary"`
	RiskFlags       []string        `json:"riskFlags"`
	TestSuggestions []string        `json:"testSuggestions"`
	GeneratedSchema json.RawMessage `json:"generatedSchema,omitempty"`
}

// Optimizer rewrites prompts with a model.
type Optimizer struct {
	llm    gollm.LLM
	logger *zap.Logger
}

// NewOptimizer returns an Optimizer backed by l.
func NewOptimizer(l gollm.LLM, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{llm: l, logger: logger}
}

// Improve asks the model for a rewrite of d using the enabled strategies.
// An empty optimized instruction keeps the original one.
func (o *Optimizer) Improve(ctx context.Context, d *prompt.Draft, strategies []Strategy) (*Optimization, error) {
	p := &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "system", Content: optimizerSystemPrompt},
			{Role: "user", Content: optimizerUserPrompt(d, strategies)},
		},
	}
	reply, err := o.llm.Generate(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewAbortedError(err)
		}
		return nil, errors.NewError(errors.UpstreamError, "optimizer request failed", http.StatusBadGateway, "", nil, err)
	}

	var raw struct {
		Instruction     string          `json:"optimized_instruction"`
		UserMessage     string          `json:"optimized_user_message"`
		DiffSummary     []string        `json:"diff_summary"`
		RiskFlags       []string        `json:"risk_flags"`
		TestSuggestions []string        `json:"test_suggestions"`
		GeneratedSchema json.RawMessage `json:"generated_schema"`
	}
	if err := decodeReply(reply, &raw); err != nil {
		o.logger.Warn("unusable optimizer reply", zap.Error(err))
		return nil, err
	}

	opt := &Optimization{
		Instruction:     raw.Instruction,
		UserMessage:     raw.UserMessage,
		DiffSummary:     nonNil(raw.DiffSummary),
		RiskFlags:       nonNil(raw.RiskFlags),
		TestSuggestions: nonNil(raw.TestSuggestions),
	}
	if opt.Instruction == "" && d != nil {
		opt.Instruction = d.InstructionText
	}
	if s := strings.TrimSpace(string(raw.GeneratedSchema)); s != "" && s != "null" {
		opt.GeneratedSchema = raw.GeneratedSchema
	}
	return opt, nil
}

// Apply returns a copy of d with the optimized instruction and a single user
// segment holding the optimized user message.
func (opt *Optimization) Apply(d *prompt.Draft) *prompt.Draft {
	out := &prompt.Draft{}
	if d != nil {
		*out = *d
	}
	out.InstructionText = opt.Instruction
	if opt.UserMessage != "" {
		out.UserSegments = []prompt.Segment{{ID: "optimized", Title: "Optimized", Enabled: true, Text: opt.UserMessage}}
	}
	return out
}

func optimizerUserPrompt(d *prompt.Draft, strategies []Strategy) string {
	instruction, user := "(none)", "(none)"
	if d != nil {
		if s := strings.TrimSpace(d.InstructionText); s != "" {
			instruction = s
		}
		var texts []string
		for _, s := range d.EnabledSegments() {
			texts = append(texts, s.Text)
		}
		if joined := strings.Join(texts, "\n\n"); strings.TrimSpace(joined) != "" {
			user = joined
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Original prompt\n\n### System instruction\n%s\n\n### User message\n%s\n\n## Enabled strategies\n", instruction, user)
	for _, s := range strategies {
		if s.Enabled {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Description)
		}
	}
	b.WriteString("\n## Task\nImprove the prompt using the enabled strategies. Reply with JSON only.")
	return b.String()
}

var (
	formatWords     = regexp.MustCompile(`(?i)format|json|markdown|list`)
	lengthWords     = regexp.MustCompile(`(?i)length|words|concise|brief|detailed|short`)
	exampleWords    = regexp.MustCompile(`(?i)example|e\.g\.|for instance`)
	robustnessWords = regexp.MustCompile(`(?i)\bif\b|cannot|unsure|error|fallback`)
)

// QuickOptimize returns local suggestions for the enabled strategies without
// calling a model.
func QuickOptimize(d *prompt.Draft, strategies []Strategy) []string {
	suggestions := []string{}
	if d == nil {
		return suggestions
	}
	enabled := map[string]bool{}
	for _, s := range strategies {
		enabled[s.ID] = s.Enabled
	}

	instruction := strings.TrimSpace(d.InstructionText)
	var texts []string
	for _, s := range d.EnabledSegments() {
		texts = append(texts, s.Text)
	}
	user := strings.Join(texts, " ")

	if enabled[StrategyClarifyTask] {
		switch {
		case instruction == "":
			suggestions = append(suggestions, "add an instruction stating the model's role and goal")
		case len(instruction) < 50:
			suggestions = append(suggestions, "the instruction is short; add context and constraints")
		}
		if !strings.Contains(strings.ToLower(instruction), "you are") {
			suggestions = append(suggestions, `open the instruction with "You are..." to set the role`)
		}
	}
	if enabled[StrategyAddConstraints] {
		if len(instruction) > 50 && !formatWords.MatchString(instruction) {
			suggestions = append(suggestions, "state the output format (JSON, Markdown, a list...)")
		}
		if !lengthWords.MatchString(instruction) {
			suggestions = append(suggestions, "add a length constraint such as \"answer briefly\"")
		}
	}
	if enabled[StrategyAddExamples] && !exampleWords.MatchString(instruction+user) {
		suggestions = append(suggestions, "add one or two examples of the expected output")
	}
	if enabled[StrategyRobustness] && !robustnessWords.MatchString(instruction) {
		suggestions = append(suggestions, "say what to do when the question cannot be answered")
	}

	var undefined []string
	for _, name := range prompt.Placeholders(instruction + " " + user) {
		if d.Variables[name] == "" {
			undefined = append(undefined, "{{"+name+"}}")
		}
	}
	if len(undefined) > 0 {
		suggestions = append(suggestions, "define the variables "+strings.Join(undefined, ", "))
	}
	return suggestions
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
