// Package kernel implements the tool runtime kernel's dispatch layer: the
// closed error taxonomy shared by every component and the request dispatcher
// that runs tool handles under per-invocation deadlines.
package kernel

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every error the kernel emits. The names are contractual:
// they appear verbatim in the error_type field of error response bodies.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindBadRequest        Kind = "bad_request"
	KindTimeout           Kind = "timeout"
	KindExecution         Kind = "execution_error"
	KindSecurityViolation Kind = "security_violation"
	KindSyntaxError       Kind = "syntax_error"
	KindCallLimit         Kind = "tool_call_limit_exceeded"
	KindToolNotAllowed    Kind = "tool_not_allowed"
	KindUnknownTool       Kind = "unknown_tool"
	KindProvider          Kind = "provider_error"
)

// HTTPStatus maps a kind to the status code the HTTP surface exposes for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrBadArguments is the sentinel a tool handle wraps to signal that the
// supplied argument mapping did not match its declared shape (unexpected or
// missing parameter). The dispatcher classifies such failures as
// [KindBadRequest] instead of [KindExecution].
var ErrBadArguments = errors.New("arguments do not match tool signature")

// Error is a structured kernel error. Message is always user-visible; Fields
// carries auxiliary context (remaining budgets, available tool names,
// offending line numbers) that is merged into the error response body.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Err     error // wrapped cause, for errors.Is/As; not serialised
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap supports errors.Is/errors.As on the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Body returns the JSON-ready error object exposed to clients:
// {"error": ..., "error_type": ..., <aux fields>}.
func (e *Error) Body() map[string]any {
	body := map[string]any{
		"error":      e.Message,
		"error_type": string(e.Kind),
	}
	for k, v := range e.Fields {
		body[k] = v
	}
	return body
}

// Errorf constructs an [*Error] of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BadRequestf constructs a tool-side argument-shape error. Tool handles
// return it (or wrap [ErrBadArguments]) when the params mapping is missing a
// required key or carries an unexpected one.
func BadRequestf(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...), Err: ErrBadArguments}
}

// AsError extracts an [*Error] from err, classifying plain errors as
// [KindExecution] and wrapped [ErrBadArguments] as [KindBadRequest].
func AsError(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	if errors.Is(err, ErrBadArguments) {
		return &Error{Kind: KindBadRequest, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindExecution, Message: err.Error(), Err: err}
}
