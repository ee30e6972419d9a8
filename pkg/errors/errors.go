// Package errors provides standardized error types for the warmup client.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the warmup client and proxy.
const (
	CodeConfig                = "CONFIG_ERROR"
	CodeUnresolvedPlaceholder = "UNRESOLVED_PLACEHOLDER"
	CodeUnusedBinding         = "UNUSED_BINDING"
	CodeCyclicTemplate        = "CYCLIC_TEMPLATE"
	CodeTransport             = "TRANSPORT_ERROR"
	CodeTimeout               = "TIMEOUT"
	CodeBackend               = "BACKEND_ERROR"
	CodeParse                 = "PARSE_ERROR"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error represents a warmup client error with code, message, and optional details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrBackendUnreachable = &Error{Code: CodeTransport, Message: "backend unreachable"}
	ErrRequestTimeout     = &Error{Code: CodeTimeout, Message: "request deadline exceeded"}
	ErrMalformedStats     = &Error{Code: CodeParse, Message: "malformed cache statistics payload"}
	ErrEmptyWorkload      = &Error{Code: CodeConfig, Message: "workload contains no queries"}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error.
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsConfig checks if an error is a configuration error. Template errors
// (unresolved placeholder, cyclic reference) count as configuration errors.
func IsConfig(err error) bool {
	switch GetCode(err) {
	case CodeConfig, CodeUnresolvedPlaceholder, CodeCyclicTemplate:
		return true
	}
	return false
}

// IsTransport checks if an error is a transport-level failure.
func IsTransport(err error) bool {
	return GetCode(err) == CodeTransport
}

// IsTimeout checks if an error is a request timeout.
func IsTimeout(err error) bool {
	return GetCode(err) == CodeTimeout
}

// IsBackend checks if an error is a backend-reported failure.
func IsBackend(err error) bool {
	return GetCode(err) == CodeBackend
}

// IsParse checks if an error is a response parse failure.
func IsParse(err error) bool {
	return GetCode(err) == CodeParse
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
