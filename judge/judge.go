// Package judge scores run outputs with an auxiliary model and proposes
// improved prompts.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/teilomillet/gollm"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
)

const judgeSystemPrompt = `You are an expert evaluator of AI output quality. Score the output against the rubric objectively.

Reply with JSON only, in exactly this shape:

{
  "scores": [
    {"criteria_name": "criterion name", "score": <integer 0-10>, "reason": "short reason"}
  ],
  "total_score": <weighted total 0-10, one decimal>,
  "feedback": "two or three sentences of overall feedback"
}

Rules:
1. Score each criterion on its own.
2. Base every score on what the output actually says.
3. Reasons name a concrete strength or weakness.
4. Feedback is constructive.`

// CriterionScore is the judge's score for one criterion.
type CriterionScore struct {
	CriteriaName string  `json:"criteriaName"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason"`
}

// Score is the judge's verdict on one output.
type Score struct {
	RunID      string           `json:"runId,omitempty"`
	RubricID   string           `json:"rubricId"`
	Scores     []CriterionScore `json:"scores"`
	TotalScore float64          `json:"totalScore"`
	Feedback   string           `json:"feedback"`
}

// Judge asks a model to score outputs.
type Judge struct {
	llm    gollm.LLM
	logger *zap.Logger
}

// New returns a Judge backed by l.
func New(l gollm.LLM, logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{llm: l, logger: logger}
}

// NewLLM builds the model used for judging and optimizing. Temperature is
// kept low so repeated scoring is stable.
func NewLLM(provider, model, apiKey string) (gollm.LLM, error) {
	l, err := gollm.NewLLM(
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize judge model %s/%s: %w", provider, model, err)
	}
	l.SetOption("temperature", 0.1)
	return l, nil
}

// Score rates output against rubric. expected is optional reference output.
func (j *Judge) Score(ctx context.Context, rubric Rubric, promptText, output, expected string) (*Score, error) {
	p := &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: judgeUserPrompt(rubric, promptText, output, expected)},
		},
	}

	reply, err := j.llm.Generate(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewAbortedError(err)
		}
		return nil, errors.NewError(errors.UpstreamError, "judge request failed", http.StatusBadGateway, "", nil, err)
	}

	var raw struct {
		Scores []struct {
			CriteriaName string  `json:"criteria_name"`
			Score        float64 `json:"score"`
			Reason       string  `json:"reason"`
		} `json:"scores"`
		TotalScore *float64 `json:"total_score"`
		Feedback   string   `json:"feedback"`
	}
	if err := decodeReply(reply, &raw); err != nil {
		j.logger.Warn("unusable judge reply", zap.String("rubric", rubric.ID), zap.Error(err))
		return nil, err
	}

	s := &Score{RubricID: rubric.ID, Feedback: raw.Feedback, Scores: make([]CriterionScore, 0, len(raw.Scores))}
	for _, c := range raw.Scores {
		s.Scores = append(s.Scores, CriterionScore{CriteriaName: c.CriteriaName, Score: c.Score, Reason: c.Reason})
	}
	if raw.TotalScore != nil {
		s.TotalScore = *raw.TotalScore
	} else {
		s.TotalScore = rubric.Weighted(s.Scores)
	}
	j.logger.Debug("output scored", zap.String("rubric", rubric.ID), zap.Float64("total", s.TotalScore))
	return s, nil
}

func judgeUserPrompt(rubric Rubric, promptText, output, expected string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Rubric: %s\n\n", rubric.Name)
	for _, c := range rubric.Criteria {
		fmt.Fprintf(&b, "- **%s** (weight %g%%): %s\n", c.Name, c.Weight*100, c.Description)
	}
	fmt.Fprintf(&b, "\n## Prompt\n%s\n\n## Output\n%s", promptText, output)
	if expected != "" {
		fmt.Fprintf(&b, "\n\n## Expected output (reference)\n%s", expected)
	}
	b.WriteString("\n\n## Task\nScore the output against the rubric. Reply with JSON only.")
	return b.String()
}

// decodeReply extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func decodeReply(reply string, v interface{}) error {
	text := strings.TrimSpace(reply)
	if text == "" {
		return errors.NewError(errors.UpstreamError, "model returned no content", http.StatusBadGateway, "", nil, nil)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return errors.NewError(errors.UpstreamError, "model reply is not JSON", http.StatusBadGateway, "", nil, nil)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	if err := dec.Decode(v); err != nil {
		return errors.NewError(errors.UpstreamError, "model reply is not valid JSON: "+err.Error(), http.StatusBadGateway, "", nil, err)
	}
	return nil
}
