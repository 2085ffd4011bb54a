package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/prompt"
	"github.com/teilomillet/promptbench/validation"
)

func decodeBody(r *http.Request, v interface{}) *errors.BenchError {
	return validation.Decode(r, requestID(r), v)
}

// DefaultsResponse is the workspace a UI starts from.
type DefaultsResponse struct {
	Connection compiler.Connection `json:"connection"`
	Params     compiler.Params     `json:"params"`
	HasAPIKey  bool                `json:"hasApiKey"`
}

// Defaults returns the configured workspace. The API key is never sent back.
func (a *API) Defaults(w http.ResponseWriter, r *http.Request) {
	cfg := a.config.GetCurrentConfig()
	conn := cfg.Workspace
	conn.APIKey = ""
	writeJSON(w, http.StatusOK, DefaultsResponse{
		Connection: conn,
		Params:     cfg.Params,
		HasAPIKey:  cfg.Workspace.APIKey != "",
	})
}

// PresetEntry is a preset with its key.
type PresetEntry struct {
	Key string `json:"key"`
	compiler.Preset
}

// Presets lists the parameter presets.
func (a *API) Presets(w http.ResponseWriter, r *http.Request) {
	keys := compiler.PresetKeys()
	out := make([]PresetEntry, 0, len(keys))
	for _, k := range keys {
		p, _ := compiler.LookupPreset(k)
		out = append(out, PresetEntry{Key: k, Preset: p})
	}
	writeJSON(w, http.StatusOK, out)
}

// CompileResponse previews the request a run would send.
type CompileResponse struct {
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Body            interface{}       `json:"body"`
	Curl            string            `json:"curl"`
	EstimatedTokens *int              `json:"estimatedTokens,omitempty"`
}

// Compile builds the wire request without sending it. Credentials in the
// returned headers and cURL command are masked.
func (a *API) Compile(w http.ResponseWriter, r *http.Request) {
	req, berr := a.decodeRunRequest(r)
	if berr != nil {
		errors.WriteError(w, berr)
		return
	}

	conn := *req.Connection
	body := compiler.Compile(req.Draft, *req.Params, conn)
	headers := compiler.MaskHeaders(conn.RequestHeaders(uuid.NewString()))

	curl, err := compiler.Curl(conn.URL(), headers, body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CompileResponse{
		URL:             conn.URL(),
		Headers:         headers,
		Body:            body,
		Curl:            curl,
		EstimatedTokens: a.estimate(conn.ModelID, req.Draft),
	})
}

// estimate counts the assembled prompt. A tokenizer that cannot be loaded
// leaves the estimate out.
func (a *API) estimate(model string, d *prompt.Draft) *int {
	if a.counters == nil {
		return nil
	}
	counter, err := a.counters.Get(model)
	if err != nil {
		a.logger.Warn("Token counter unavailable", zap.String("model", model), zap.Error(err))
		return nil
	}
	n := counter.CountDraft(d)
	return &n
}

// LintResponse collects everything worth showing before a run.
type LintResponse struct {
	Issues          []validation.Issue   `json:"issues"`
	Problems        []validation.Problem `json:"problems"`
	CanRun          bool                 `json:"canRun"`
	Reason          string               `json:"reason,omitempty"`
	EstimatedTokens *int                 `json:"estimatedTokens,omitempty"`
}

// Lint reports prompt lint issues and connection, parameter and draft
// problems. It never fails on invalid input: reporting it is its purpose.
func (a *API) Lint(w http.ResponseWriter, r *http.Request) {
	req, berr := a.decodeRunRequest(r)
	if berr != nil {
		errors.WriteError(w, berr)
		return
	}

	problems := validation.ValidateConfig(*req.Connection)
	problems = append(problems, validation.ValidateParams(*req.Params)...)
	problems = append(problems, validation.ValidateDraft(req.Draft)...)

	canRun, reason := validation.CanRun(*req.Connection, req.Draft)
	if canRun {
		if errs := validation.Errors(problems); len(errs) > 0 {
			canRun, reason = false, errs[0].Message
		}
	}

	issues := validation.Lint(req.Draft)
	if issues == nil {
		issues = []validation.Issue{}
	}
	if problems == nil {
		problems = []validation.Problem{}
	}

	writeJSON(w, http.StatusOK, LintResponse{
		Issues:          issues,
		Problems:        problems,
		CanRun:          canRun,
		Reason:          reason,
		EstimatedTokens: a.estimate(strings.TrimSpace(req.Connection.ModelID), req.Draft),
	})
}

// runnable rejects requests that cannot be sent.
func runnable(r *http.Request, req *RunRequest) *errors.BenchError {
	if ok, reason := validation.CanRun(*req.Connection, req.Draft); !ok {
		return errors.NewValidationError(requestID(r), reason, nil)
	}
	problems := validation.Errors(validation.ValidateParams(*req.Params))
	problems = append(problems, validation.Errors(validation.ValidateDraft(req.Draft))...)
	if len(problems) > 0 {
		return errors.NewValidationError(requestID(r), problems[0].Message, map[string]interface{}{
			"problems": problems,
		})
	}
	return nil
}
