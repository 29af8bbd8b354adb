package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes carried on the server's error envelope. Servers that predate
// structured codes are handled by the message fallbacks below.
const (
	CodeMethodNotFound = "methodNotFound"
	CodeInvalidParams  = "invalidParams"
	CodeCancelled      = "requestCancelled"
	CodeTargetRequired = "targetRequired"
	CodeInternal       = "internal"
)

// legacyTargetRequiredFragment matches the error text older servers return
// when a Bazel build is submitted without a target. Kept only as a
// compatibility fallback; the structured code is authoritative.
const legacyTargetRequiredFragment = "`target` must be provided"

// CallError is a structured failure of one transport call.
type CallError struct {
	Method  string
	Code    string
	Message string
	cause   error
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Code)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Method, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *CallError) Unwrap() error { return e.cause }

// NewCallError builds a CallError from a decoded server error envelope.
func NewCallError(method, code, message string) *CallError {
	return &CallError{Method: method, Code: code, Message: message}
}

// WrapCallError builds a CallError around a local failure (network, JSON).
func WrapCallError(method string, cause error) *CallError {
	return &CallError{Method: method, Message: cause.Error(), cause: cause}
}

// IsUnsupported reports whether err means the server does not implement
// the requested method. Callers must mark the (workspace, method)
// capability gate unsupported before absorbing or surfacing this error.
func IsUnsupported(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Code == CodeMethodNotFound {
			return true
		}
		// Older servers reject unknown extension methods with a bare text.
		return strings.Contains(strings.ToLower(ce.Message), "method not found")
	}
	return false
}

// IsCancelled reports whether err is a cancellation, either local
// (context) or reported by the request layer.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == CodeCancelled
	}
	return false
}

// IsTargetRequired reports whether err is the recoverable "target
// required" domain error from buildProject. Detection prefers the
// structured code; the message fragment covers servers without codes.
func IsTargetRequired(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Code == CodeTargetRequired {
		return true
	}
	return strings.Contains(ce.Message, legacyTargetRequiredFragment)
}
