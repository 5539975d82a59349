package model

import (
	"errors"
	"fmt"
)

// Declaration-time error codes. These abort startup.
const (
	ErrDuplicateOperation = "DUPLICATE_OPERATION"
	ErrInvalidDeclaration = "INVALID_DECLARATION"
)

// Marshaling error codes.
const (
	ErrTypeNotConvertible = "TYPE_NOT_CONVERTIBLE"
	ErrValueShapeMismatch = "VALUE_SHAPE_MISMATCH"
	ErrInvalidArguments   = "INVALID_ARGUMENTS"
	ErrInvalidResult      = "INVALID_RESULT"
)

// Dispatch error codes.
const (
	ErrOperationUnknown        = "OPERATION_UNKNOWN"
	ErrOperationNotImplemented = "OPERATION_NOT_IMPLEMENTED"
	ErrOperationNotAuthorized  = "OPERATION_NOT_AUTHORIZED"
	ErrImplementationUnknown   = "IMPLEMENTATION_UNKNOWN"
	ErrIntegrationNotFound     = "INTEGRATION_NOT_FOUND"
)

// Transport error codes.
const (
	ErrUnsafeRelativePath      = "UNSAFE_RELATIVE_PATH"
	ErrCredentialsExpired      = "CREDENTIALS_EXPIRED"
	ErrCredentialRefreshFailed = "CREDENTIAL_REFRESH_FAILED"
	ErrProviderUnavailable     = "PROVIDER_UNAVAILABLE"
	ErrProviderError           = "PROVIDER_ERROR"
)

// Pipeline and storage error codes.
const (
	ErrResultNotPersisted = "RESULT_NOT_PERSISTED"
	ErrInvocationNotFound = "INVOCATION_NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInternalError      = "INTERNAL_ERROR"
)

// ErrUnauthorized rejects an HTTP caller whose identity could not be verified.
const ErrUnauthorized = "UNAUTHORIZED"

// ErrorEnvelope is the structured error value used across the runtime. The
// Code is stable and safe to persist as an invocation's exception kind.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	Cause   error        `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.Cause
}

// FieldError describes a problem at a location inside a JSON value.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError returns an envelope with the given code and message.
func NewError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// WrapError returns an envelope with the given code that keeps err as its cause.
func WrapError(code string, err error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: err.Error(), Cause: err}
}

// NewDuplicateOperationError returns a DUPLICATE_OPERATION error.
func NewDuplicateOperationError(iface, name string) *ErrorEnvelope {
	return NewError(ErrDuplicateOperation,
		fmt.Sprintf("operation %q declared twice on interface %q", name, iface))
}

// NewOperationUnknownError returns an OPERATION_UNKNOWN error.
func NewOperationUnknownError(iface, name string) *ErrorEnvelope {
	return NewError(ErrOperationUnknown,
		fmt.Sprintf("interface %q declares no operation %q", iface, name))
}

// NewOperationNotImplementedError returns an OPERATION_NOT_IMPLEMENTED error.
func NewOperationNotImplementedError(impl, name string) *ErrorEnvelope {
	return NewError(ErrOperationNotImplemented,
		fmt.Sprintf("implementation %q does not implement %q", impl, name))
}

// NewOperationNotAuthorizedError returns an OPERATION_NOT_AUTHORIZED error.
func NewOperationNotAuthorizedError(name string, required, granted Capability) *ErrorEnvelope {
	return NewError(ErrOperationNotAuthorized,
		fmt.Sprintf("operation %q requires %s, granted %s", name, required, granted))
}

// NewInvocationNotFoundError returns an INVOCATION_NOT_FOUND error.
func NewInvocationNotFoundError(id string) *ErrorEnvelope {
	return NewError(ErrInvocationNotFound, fmt.Sprintf("invocation %q not found", id))
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return NewError(ErrConflict, msg)
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return NewError(ErrUnauthorized, msg)
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode returns the code of the first ErrorEnvelope in err's chain, or
// fallback when the chain carries none.
func ErrorCode(err error, fallback string) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return fallback
}

// IsCode reports whether err's chain carries an ErrorEnvelope with code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}
