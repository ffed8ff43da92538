// Package apierr defines the error taxonomy shared by the observation
// service, the sync orchestrator and the transports in front of them.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeMalformedInput Code = "MalformedInput"
	CodeInvalidFields  Code = "InvalidFields"
	CodeNoVersion      Code = "NoVersion"
	CodeTypeMismatch   Code = "TypeMismatch"
	CodeNotFound       Code = "NotFound"
	CodeStoreFailure   Code = "StoreFailure"
	CodeUsageError     Code = "UsageError"
)

// HTTPStatus maps a code to the response status used by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMalformedInput, CodeInvalidFields, CodeUsageError:
		return http.StatusBadRequest
	case CodeNoVersion, CodeTypeMismatch:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with a code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code carried by err, or CodeStoreFailure for errors
// that did not originate in this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreFailure
}

func JSONParseError(cause error) *Error {
	return Wrap(CodeMalformedInput, "Could not parse JSON body", cause)
}

func InvalidFields(reason string) *Error {
	return New(CodeInvalidFields, "Invalid fields: "+reason)
}

func NoVersion() *Error {
	return New(CodeNoVersion, "The given version does not exist or is no longer a head")
}

func TypeMismatch(got, want string) *Error {
	return New(CodeTypeMismatch, fmt.Sprintf("Type mismatch: got id %q, expected %q", got, want))
}

func NotFound(what string) *Error {
	return New(CodeNotFound, what+": not found")
}

func Usage(message string) *Error {
	return New(CodeUsageError, message)
}

// StoreFailure wraps an opaque storage error without interpreting it.
func StoreFailure(cause error) *Error {
	return Wrap(CodeStoreFailure, "", cause)
}
