package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/matrix"
	"github.com/teilomillet/promptbench/validation"
)

// ListTestCases lists test cases, newest first.
func (a *API) ListTestCases(w http.ResponseWriter, r *http.Request) {
	cases, err := a.testCases.GetAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cases == nil {
		cases = []*matrix.TestCase{}
	}
	writeJSON(w, http.StatusOK, cases)
}

// CreateTestCase stores a test case. A body carrying the id of an existing
// case replaces it and keeps its creation time.
func (a *API) CreateTestCase(w http.ResponseWriter, r *http.Request) {
	var tc matrix.TestCase
	if berr := validation.DecodeJSON(r, requestID(r), &tc); berr != nil {
		errors.WriteError(w, berr)
		return
	}

	status := http.StatusCreated
	if tc.ID == "" {
		tc.ID = uuid.NewString()
		tc.CreatedAt = time.Now()
	} else if prev, err := a.testCases.Get(r.Context(), tc.ID); err == nil {
		tc.CreatedAt = prev.CreatedAt
		status = http.StatusOK
	} else {
		tc.CreatedAt = time.Now()
	}
	if tc.Variables == nil {
		tc.Variables = map[string]string{}
	}
	if tc.Tags == nil {
		tc.Tags = []string{}
	}

	if err := a.testCases.Put(r.Context(), &tc); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, &tc)
}

// GetTestCase returns one test case.
func (a *API) GetTestCase(w http.ResponseWriter, r *http.Request) {
	tc, err := a.testCases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// DeleteTestCase removes one test case.
func (a *API) DeleteTestCase(w http.ResponseWriter, r *http.Request) {
	if err := a.testCases.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
