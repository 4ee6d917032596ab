package ipc

import (
	"errors"
	"fmt"
)

// Code is a wire-level error code. The empty Code signals success; every
// other value is one of the fixed taxonomy below. Response frames only ever
// carry the code string — never a stack trace or free-text message — so
// receivers map unknown codes to [CodeInternalError].
type Code string

const (
	// CodeNone marks success; it never appears as a [CodedError].
	CodeNone Code = ""

	// Business-service wire codes (datastore → gateway, response error field).
	CodeInvalidAuth   Code = "INVALID_AUTH"
	CodeNoCredits     Code = "NO_CREDITS"
	CodeInternalError Code = "INTERNAL_ERROR"

	// External codes: surfaced to the client, drive the accept layer's
	// rejection status.
	CodeExternalNoCredits       Code = "EXTERNAL_NO_CREDITS"
	CodeExternalBufferOverflow  Code = "EXTERNAL_BUFFER_OVERFLOW"
	CodeExternalInvalidAuth     Code = "EXTERNAL_INVALID_AUTH"

	// Internal IPC transport codes: never leak payload detail, logged and
	// either retried or fatal to the session.
	CodeInternalEnvKeyNotFound      Code = "INTERNAL_ENV_KEY_NOT_FOUND"
	CodeInternalZMQNotConnected     Code = "INTERNAL_ZMQ_NOT_CONNECTED"
	CodeInternalZMQRequestTimeout   Code = "INTERNAL_ZMQ_REQUEST_TIMEOUT"
	CodeInternalZMQDestroyed        Code = "INTERNAL_ZMQ_DESTROYED"
	CodeInternalZMQInvalidResponse  Code = "INTERNAL_ZMQ_INVALID_RESPONSE"
	CodeInternalZMQNoPendingRequest Code = "INTERNAL_ZMQ_NO_PENDING_REQUEST"
	CodeInternalZMQDecodeFailed     Code = "INTERNAL_ZMQ_DECODE_FAILED"
)

// CodedError pairs a wire [Code] with an optional underlying cause. It
// implements error and [errors.Unwrap] so callers can both test the code via
// [errors.As]/[CodeOf] and retain the original error chain for logs.
type CodedError struct {
	Code Code
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError builds a [CodedError] with a human-readable message.
func NewCodedError(code Code, msg string) *CodedError {
	return &CodedError{Code: code, Msg: msg}
}

// WrapCodedError builds a [CodedError] that wraps an underlying cause.
func WrapCodedError(code Code, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// CodeOf extracts the wire [Code] from err. Returns [CodeNone] for a nil
// err, the code of the first (outermost) [CodedError] found in the chain,
// and [CodeInternalError] for any other non-nil error — an unknown error is
// never leaked onto the wire, per the taxonomy's "never leak payload detail"
// rule.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}
