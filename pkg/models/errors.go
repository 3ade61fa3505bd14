package models

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers and tests can branch on kind
// rather than on message text.
type Code string

const (
	CodeLockTaken           Code = "LOCK_TAKEN"
	CodeRouteNotFound       Code = "ROUTE_NOT_FOUND"
	CodeWorkspaceNotBound   Code = "WORKSPACE_NOT_BOUND"
	CodePathUnsafe          Code = "PATH_UNSAFE"
	CodeVersionMismatch     Code = "VERSION_MISMATCH"
	CodeCorruptState        Code = "CORRUPT_STATE"
	CodeToolNotAllowed      Code = "TOOL_NOT_ALLOWED"
	CodeToolExecFailed      Code = "TOOL_EXEC_FAILED"
	CodeToolTimeout         Code = "TOOL_TIMEOUT"
	CodeToolInvalidArgs     Code = "TOOL_INVALID_ARGS"
	CodeModelError          Code = "MODEL_ERROR"
	CodeModelCrashed        Code = "MODEL_CRASHED"
	CodeModel404            Code = "MODEL_404"
	CodePolicyEgressBlocked Code = "POLICY_EGRESS_BLOCKED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeSizeExceeded        Code = "SIZE_EXCEEDED"
	CodeSendFailed          Code = "SEND_FAILED"
	CodeInvalidArgs         Code = "INVALID_ARGS"
)

// CodedError carries a Code alongside a human-readable message and an
// optional cause. It is the error currency between the stores, the tool
// bus, the loop engine, and the CLI envelope.
type CodedError struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// NewCodedError builds a CodedError with a formatted message.
func NewCodedError(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCoded attaches a code to an existing error.
func WrapCoded(code Code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a CodedError.
// It returns the empty Code otherwise.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
