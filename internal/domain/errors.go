package domain

import "fmt"

const (
	CodeDeviceNotFound  = "DEVICE_NOT_FOUND"
	CodeVideoNotFound   = "VIDEO_NOT_FOUND"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePortExhausted   = "PORT_EXHAUSTED"
	CodeBindFailed      = "BIND_FAILED"
	CodeStagingFailed   = "STAGING_FAILED"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeShuttingDown    = "SHUTTING_DOWN"
)

var (
	ErrDeviceNotFound  = &Error{Code: CodeDeviceNotFound}
	ErrVideoNotFound   = &Error{Code: CodeVideoNotFound}
	ErrSessionNotFound = &Error{Code: CodeSessionNotFound}
	ErrPortExhausted   = &Error{Code: CodePortExhausted}
	ErrShuttingDown    = &Error{Code: CodeShuttingDown}
)

type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}
