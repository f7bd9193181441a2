package apperror

import (
	"encoding/json"
	"time"
)

const systemMessage = "An unexpected error occurred"

// ExternalForm is the transport-neutral rendering of an Error. Two failures
// with the same code, message and details render identically apart from
// Timestamp.
type ExternalForm struct {
	Code      Code     `json:"code"`
	Message   string   `json:"message"`
	Status    int      `json:"status"`
	Details   []Detail `json:"details"`
	Timestamp string   `json:"timestamp"`
}

// ToExternalForm renders err. Errors outside the taxonomy become SYSTEM_ERROR
// with a fixed message so storage or driver text never leaks to callers.
func ToExternalForm(err error) ExternalForm {
	appErr, ok := As(err)
	if !ok {
		appErr = &Error{Code: CodeSystem, Message: systemMessage, Status: CodeSystem.Status(), Timestamp: now()}
	}
	details := appErr.Details
	if details == nil {
		details = []Detail{}
	}
	status := appErr.Status
	if status == 0 {
		status = appErr.Code.Status()
	}
	return ExternalForm{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Status:    status,
		Details:   details,
		Timestamp: appErr.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// MarshalJSON renders the external form of e.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToExternalForm(e))
}
