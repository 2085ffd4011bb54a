package handlers

import (
	"net/http"
	"strings"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/judge"
	"github.com/teilomillet/promptbench/prompt"
	"github.com/teilomillet/promptbench/validation"
)

func disabled(r *http.Request, feature string) *errors.BenchError {
	return errors.NewError(errors.ConfigError, feature+" is not configured",
		http.StatusServiceUnavailable, requestID(r), nil, nil)
}

// Rubrics lists the built-in rubrics.
func (a *API) Rubrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, judge.DefaultRubrics)
}

// Strategies lists the optimizer strategies with their default enablement.
func (a *API) Strategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, judge.DefaultStrategies())
}

// EvaluateRequest asks for a model-free check of an output.
type EvaluateRequest struct {
	Output   string `json:"output"`
	Expected string `json:"expected"`
}

// Evaluate runs the local heuristics on an output.
func (a *API) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if berr := decodeBody(r, &req); berr != nil {
		errors.WriteError(w, berr)
		return
	}
	writeJSON(w, http.StatusOK, judge.QuickEvaluate(req.Output, req.Expected))
}

// JudgeRequest scores an output, given directly or as a stored run. A custom
// rubric takes precedence over RubricID.
type JudgeRequest struct {
	RunID    string        `json:"runId"`
	RubricID string        `json:"rubricId"`
	Rubric   *judge.Rubric `json:"rubric" validate:"omitempty"`
	Prompt   string        `json:"prompt"`
	Output   string        `json:"output"`
	Expected string        `json:"expected"`
}

// Judge scores an output with the configured judge model.
func (a *API) Judge(w http.ResponseWriter, r *http.Request) {
	if a.judge == nil {
		errors.WriteError(w, disabled(r, "judge"))
		return
	}

	var req JudgeRequest
	if berr := validation.DecodeJSON(r, requestID(r), &req); berr != nil {
		errors.WriteError(w, berr)
		return
	}

	rubric, ok := judge.Rubric{}, false
	if req.Rubric != nil {
		rubric, ok = *req.Rubric, true
	} else {
		id := req.RubricID
		if id == "" {
			id = "general"
		}
		rubric, ok = judge.LookupRubric(id)
	}
	if !ok {
		errors.WriteError(w, errors.NewNotFoundError(requestID(r), "rubric", req.RubricID))
		return
	}

	promptText, output := req.Prompt, req.Output
	if req.RunID != "" {
		rec, err := a.session.Record(r.Context(), req.RunID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if output == "" {
			output = rec.OutputText
		}
		if promptText == "" {
			promptText = string(rec.CompiledRequest)
		}
	}
	if strings.TrimSpace(output) == "" {
		errors.WriteError(w, errors.NewValidationError(requestID(r), "output is required", map[string]interface{}{"field": "output"}))
		return
	}

	score, err := a.judge.Score(r.Context(), rubric, promptText, output, req.Expected)
	if err != nil {
		writeError(w, r, err)
		return
	}
	score.RunID = req.RunID
	writeJSON(w, http.StatusOK, score)
}

// OptimizeRequest asks for a rewrite of a draft. Nil strategies use the
// defaults. Quick asks for local suggestions only.
type OptimizeRequest struct {
	Draft      *prompt.Draft    `json:"draft"`
	Strategies []judge.Strategy `json:"strategies"`
	Quick      bool             `json:"quick"`
}

// OptimizeResponse carries either a model rewrite or local suggestions.
type OptimizeResponse struct {
	Optimization *judge.Optimization `json:"optimization,omitempty"`
	Draft        *prompt.Draft       `json:"draft,omitempty"`
	Suggestions  []string            `json:"suggestions"`
}

// Optimize rewrites a draft with the judge model, or returns local
// suggestions when asked to or when no judge model is configured.
func (a *API) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if berr := decodeBody(r, &req); berr != nil {
		errors.WriteError(w, berr)
		return
	}
	if req.Draft == nil {
		errors.WriteError(w, errors.NewValidationError(requestID(r), "draft is required", map[string]interface{}{"field": "draft"}))
		return
	}
	if req.Strategies == nil {
		req.Strategies = judge.DefaultStrategies()
	}

	resp := OptimizeResponse{Suggestions: judge.QuickOptimize(req.Draft, req.Strategies)}
	if req.Quick || a.optimizer == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	opt, err := a.optimizer.Improve(r.Context(), req.Draft, req.Strategies)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp.Optimization = opt
	resp.Draft = opt.Apply(req.Draft)
	writeJSON(w, http.StatusOK, resp)
}
