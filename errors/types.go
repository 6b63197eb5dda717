package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigConflict ErrorCode = "CONFIG_CONFLICT"

	// Probe and target errors
	ErrCodeAttachFailed       ErrorCode = "ATTACH_FAILED"
	ErrCodeProbeBusy          ErrorCode = "PROBE_BUSY"
	ErrCodeTransportLost      ErrorCode = "TRANSPORT_LOST"
	ErrCodeDetached           ErrorCode = "DETACHED"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	ErrCodeProbeFailed        ErrorCode = "PROBE_FAILED"

	// Subsystem errors
	ErrCodeFlashFailed   ErrorCode = "FLASH_FAILED"
	ErrCodeDecodeFailed  ErrorCode = "DECODE_FAILED"
	ErrCodeProtocolError ErrorCode = "PROTOCOL_ERROR"
	ErrCodePortConflict  ErrorCode = "PORT_CONFLICT"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// GroveError represents a structured error with context
type GroveError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *GroveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GroveError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *GroveError) WithDetail(key string, value interface{}) *GroveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON, flattening the cause into the details.
func (e *GroveError) ToJSON() string {
	out := struct {
		*GroveError
		Cause string `json:"cause,omitempty"`
	}{GroveError: e}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return string(data)
}

// New creates a new GroveError
func New(code ErrorCode, message string) *GroveError {
	return &GroveError{
		Code:    code,
		Message: message,
	}
}

// Newf is New with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *GroveError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a GroveError
func Wrap(err error, code ErrorCode, message string) *GroveError {
	return &GroveError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// As returns the outermost GroveError in err's chain.
func As(err error) (*GroveError, bool) {
	var ge *GroveError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Is reports whether any GroveError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if ge, ok := err.(*GroveError); ok && ge.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetCode extracts the error code from the outermost GroveError in the chain.
func GetCode(err error) ErrorCode {
	if ge, ok := As(err); ok {
		return ge.Code
	}
	return ""
}

// IsFatal reports whether err ends the whole session rather than one subsystem.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeConfigConflict,
		ErrCodeAttachFailed, ErrCodeProbeBusy, ErrCodeTransportLost, ErrCodeFlashFailed:
		return true
	}
	return Is(err, ErrCodeTransportLost)
}
