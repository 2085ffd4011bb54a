package validation

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"github.com/teilomillet/promptbench/errors"
)

// maxBodyBytes bounds request bodies decoded by DecodeJSON.
const maxBodyBytes = 16 << 20

// Decode decodes a JSON request body into v without checking struct tags.
func Decode(r *http.Request, requestID string, v interface{}) *errors.BenchError {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return errors.NewError(errors.BadRequestError, "Content-Type must be application/json",
			http.StatusUnsupportedMediaType, requestID,
			map[string]interface{}{"field": "header:Content-Type", "value": r.Header.Get("Content-Type")}, err)
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.NewBadRequestError(requestID, fmt.Sprintf("invalid request body: %v", err), err)
	}
	return nil
}

// DecodeJSON decodes a JSON request body into v and validates its struct
// tags. The returned error is ready to be written with errors.WriteError.
func DecodeJSON(r *http.Request, requestID string, v interface{}) *errors.BenchError {
	if err := Decode(r, requestID, v); err != nil {
		return err
	}

	if problems := Struct(v); len(problems) > 0 {
		return errors.NewValidationError(requestID, "request validation failed", map[string]interface{}{
			"problems": problems,
		})
	}
	return nil
}
