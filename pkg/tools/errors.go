package tools

import "fmt"

// Tool infrastructure error codes. Failures inside a tool's own logic are
// not these: those go back to the model as tool results.
const (
	CodeTimeout        = "tool-timeout"
	CodeResultTooLarge = "tool-result-too-large"
	CodeValidation     = "tool-validation"
)

// ToolError is an execution-infrastructure failure: the registry rejected
// the call or its result, as opposed to the tool itself failing.
type ToolError struct {
	Code    string
	Tool    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Code, e.Tool, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Cause }
