// Package validation checks connection settings, parameters and drafts before
// a run, and lints prompts for common problems.
package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/teilomillet/promptbench/compiler"
	"github.com/teilomillet/promptbench/prompt"
)

// Severity ranks a Problem.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// minAPIKeyLength is the length below which a key is reported as suspicious.
const minAPIKeyLength = 20

// Problem is one validation finding on a field.
type Problem struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Struct runs the struct tags of v and converts failures to problems.
func Struct(v interface{}) []Problem {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Problem{{Field: "body", Message: err.Error(), Code: "invalid", Severity: SeverityError}}
	}
	problems := make([]Problem, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, Problem{
			Field:    fieldPath(fe),
			Message:  message(fe),
			Code:     fe.Tag() + "_validation_failed",
			Severity: SeverityError,
		})
	}
	return problems
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "http_url":
		return "URL must start with http:// or https://"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s accepts at most %s items", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the %s check", fe.Field(), fe.Tag())
	}
}

// ValidateConfig checks a connection. A missing or short API key is only a
// warning: some endpoints accept anonymous requests.
func ValidateConfig(c compiler.Connection) []Problem {
	var problems []Problem
	if strings.TrimSpace(c.BaseURL) == "" {
		problems = append(problems, Problem{
			Field: "baseURL", Message: "base URL is required", Code: "required_validation_failed", Severity: SeverityError,
		})
	}
	if strings.TrimSpace(c.ModelID) == "" {
		problems = append(problems, Problem{
			Field: "modelId", Message: "model id is required", Code: "required_validation_failed", Severity: SeverityError,
		})
	}
	for _, p := range Struct(c) {
		if reported(problems, p.Field) {
			continue
		}
		problems = append(problems, p)
	}

	switch key := strings.TrimSpace(c.APIKey); {
	case key == "":
		problems = append(problems, Problem{
			Field: "apiKey", Message: "API key is empty", Code: "missing_api_key", Severity: SeverityWarning,
		})
	case len(key) < minAPIKeyLength:
		problems = append(problems, Problem{
			Field: "apiKey", Message: "API key looks malformed", Code: "short_api_key", Severity: SeverityWarning,
		})
	}
	return problems
}

func reported(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

// ValidateParams checks parameter ranges and, when enabled, that the
// structured-output schema and tool definitions are valid JSON. The compiler
// drops invalid JSON silently; this is where the user hears about it.
func ValidateParams(p compiler.Params) []Problem {
	problems := Struct(p)
	if p.StructuredOutput.Enabled && !jsonObject(p.StructuredOutput.SchemaJSON) {
		problems = append(problems, Problem{
			Field:    "structuredOutput.schemaJson",
			Message:  "schema is not a valid JSON object",
			Code:     "invalid_json",
			Severity: SeverityWarning,
		})
	}
	if p.Tools.Enabled && !jsonArray(p.Tools.ToolJSON) {
		problems = append(problems, Problem{
			Field:    "tools.toolJson",
			Message:  "tools must be a non-empty JSON array",
			Code:     "invalid_json",
			Severity: SeverityWarning,
		})
	}
	return problems
}

// ValidateDraft checks the enum fields of a draft.
func ValidateDraft(d *prompt.Draft) []Problem {
	if d == nil {
		return nil
	}
	return Struct(d)
}

// Errors returns the error-severity problems.
func Errors(problems []Problem) []Problem {
	var out []Problem
	for _, p := range problems {
		if p.Severity == SeverityError {
			out = append(out, p)
		}
	}
	return out
}

// CanRun reports whether a run may start, and if not, why.
func CanRun(c compiler.Connection, d *prompt.Draft) (bool, string) {
	if errs := Errors(ValidateConfig(c)); len(errs) > 0 {
		return false, errs[0].Message
	}
	if d == nil || !d.HasContent() {
		return false, "no prompt content"
	}
	return true, ""
}
