// Package apperror defines the structured error taxonomy returned by the
// compliance core. Every failure that crosses the core boundary is an *Error
// carrying a Code, a message, a status classification, optional field-level
// details and the time it was created.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Detail describes one field-level problem attached to an Error.
type Detail struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error is a tagged failure from the taxonomy.
type Error struct {
	Code      Code
	Message   string
	Status    int
	Details   []Detail
	Timestamp time.Time

	cause error
}

// New creates an Error for code. Unknown codes become SYSTEM_ERROR so that an
// Error is always renderable.
func New(code Code, message string, details ...Detail) *Error {
	if !code.Valid() {
		code = CodeSystem
	}
	var d []Detail
	if len(details) > 0 {
		d = append(make([]Detail, 0, len(details)), details...)
	}
	return &Error{
		Code:      code,
		Message:   message,
		Status:    code.Status(),
		Details:   d,
		Timestamp: now(),
	}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error for code that keeps cause for errors.Is/As and logs.
// The cause is never rendered to the external form.
func Wrap(cause error, code Code, message string, details ...Detail) *Error {
	e := New(code, message, details...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails returns a copy of e with extra details appended.
func (e *Error) WithDetails(details ...Detail) *Error {
	cp := *e
	cp.Details = append(append(make([]Detail, 0, len(e.Details)+len(details)), e.Details...), details...)
	return &cp
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err. Errors outside the taxonomy report
// SYSTEM_ERROR; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeSystem
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Convenience constructors for the codes raised most often by the core.

func NotFound(resourceType, id string) *Error {
	return New(CodeResourceNotFound, fmt.Sprintf("%s %s not found", resourceType, id))
}

func OptimisticLock(resourceID string, expected int64) *Error {
	return New(CodeOptimisticLock,
		fmt.Sprintf("resource %s was modified by another request; re-read and resubmit", resourceID),
		Detail{Field: "version", Code: "STALE_VERSION", Message: "expected version does not match stored version", Value: expected},
	)
}

func AuditRequired(cause error) *Error {
	return Wrap(cause, CodeAuditLogRequired, "audit record could not be persisted; operation aborted")
}

func Internal(cause error) *Error {
	return Wrap(cause, CodeSystem, "internal error")
}
