package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/executor"
	"github.com/teilomillet/promptbench/matrix"
	"github.com/teilomillet/promptbench/validation"
)

// MatrixRequest runs a draft over test cases, models and temperatures.
type MatrixRequest struct {
	RunRequest
	Matrix matrix.Config `json:"matrix"`
}

// RunMatrix runs a matrix and returns every cell. Cells left unrun by a
// client disconnect or timeout are reported as aborted.
func (a *API) RunMatrix(w http.ResponseWriter, r *http.Request) {
	if a.matrix == nil {
		errors.WriteError(w, disabled(r, "matrix runner"))
		return
	}

	cfg := a.config.GetCurrentConfig()
	params := cfg.Params.Clone()
	conn := cfg.Workspace
	req := MatrixRequest{RunRequest: RunRequest{Params: &params, Connection: &conn}}
	if berr := decodeBody(r, &req); berr != nil {
		errors.WriteError(w, berr)
		return
	}
	if req.Draft == nil {
		errors.WriteError(w, errors.NewValidationError(requestID(r), "draft is required", map[string]interface{}{"field": "draft"}))
		return
	}
	if req.Params == nil {
		req.Params = &params
	}
	if req.Connection == nil {
		req.Connection = &conn
	}
	if problems := validation.Struct(req.Matrix); len(problems) > 0 {
		errors.WriteError(w, errors.NewValidationError(requestID(r), problems[0].Message, map[string]interface{}{
			"problems": problems,
		}))
		return
	}
	if berr := runnable(r, &req.RunRequest); berr != nil {
		errors.WriteError(w, berr)
		return
	}

	cases := make([]*matrix.TestCase, 0, len(req.Matrix.TestCaseIDs))
	for _, id := range req.Matrix.TestCaseIDs {
		tc, err := a.testCases.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		cases = append(cases, tc)
	}

	base := executor.Request{Draft: req.Draft, Params: *req.Params, Connection: *req.Connection}
	result, err := a.matrix.Run(r.Context(), base, req.Matrix, cases)
	if err != nil {
		a.logger.Info("Matrix interrupted", zap.String("request_id", requestID(r)), zap.Error(err))
	}
	if result == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
