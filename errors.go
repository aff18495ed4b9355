package flowrelay

import (
	"errors"
	"fmt"
)

// Error represents a flowrelay error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code, so errors.Is(err, ErrNotFound) holds for any NOT_FOUND error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Error codes for flowrelay operations.
const (
	// ErrCodeNotFound indicates a referenced step, message or configuration entry does not exist.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid or unresolvable configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodePolicy indicates an acceptance or forwarding policy failed to evaluate.
	ErrCodePolicy = "POLICY_ERROR"

	// ErrCodeProcessing indicates a transformer or splitter failed.
	ErrCodeProcessing = "PROCESSING_ERROR"

	// ErrCodeDatabase indicates a store operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeTransport indicates a bus or adapter operation failed.
	ErrCodeTransport = "TRANSPORT_ERROR"

	// ErrCodeLock indicates the cluster lock could not be acquired or released.
	ErrCodeLock = "LOCK_ERROR"

	// ErrCodeStepTerminated indicates an event was requested for a filtered or failed step.
	ErrCodeStepTerminated = "STEP_TERMINATED"
)

// Common errors.
var (
	// ErrNotFound is returned when a lookup finds nothing.
	ErrNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "not found",
	}

	// ErrInvalidConfiguration is returned when a service is constructed with invalid options.
	ErrInvalidConfiguration = &Error{
		Code:    ErrCodeConfiguration,
		Message: "invalid configuration",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// NotFoundError creates a NOT_FOUND error for an entity.
func NotFoundError(entity string, id interface{}) *Error {
	return NewError(ErrCodeNotFound, fmt.Sprintf("%s %v not found", entity, id))
}

// ConfigurationError creates a CONFIGURATION_ERROR.
func ConfigurationError(format string, args ...interface{}) *Error {
	return NewError(ErrCodeConfiguration, fmt.Sprintf(format, args...))
}

// PolicyError creates a POLICY_ERROR for a policy that failed to evaluate.
func PolicyError(policyName string, cause error) *Error {
	return NewErrorWithCause(ErrCodePolicy, fmt.Sprintf("policy %q failed", policyName), cause)
}

// Code returns the code of the outermost *Error in err's chain, or "" if there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsNotFound checks if an error is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsConfiguration checks if an error is a CONFIGURATION_ERROR.
func IsConfiguration(err error) bool {
	return hasCode(err, ErrCodeConfiguration)
}

// IsPolicy checks if an error is a POLICY_ERROR.
func IsPolicy(err error) bool {
	return hasCode(err, ErrCodePolicy)
}

// IsRetryable classifies err. Missing data, bad configuration, validation failures and
// terminated steps will not heal by retrying; everything else is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case hasCode(err, ErrCodeNotFound),
		hasCode(err, ErrCodeConfiguration),
		hasCode(err, ErrCodeValidation),
		hasCode(err, ErrCodeStepTerminated):
		return false
	}
	return true
}
