package errors

import (
	"context"
	"errors"
	"fmt"
)

// KBError is the structured error type for amankb.
// It carries enough context to decide between retry, dead-letter and abort.
type KBError struct {
	// Code is the unique error code (e.g., "ERR_301_PROVIDER_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable marks transient failures.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *KBError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is matches another KBError by code so errors.Is works against sentinel values.
func (e *KBError) Is(target error) bool {
	if t, ok := target.(*KBError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *KBError) WithDetail(key, value string) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *KBError) WithSuggestion(suggestion string) *KBError {
	e.Suggestion = suggestion
	return e
}

// New creates a KBError. Category, severity and the retryable flag derive from the code.
func New(code string, message string, cause error) *KBError {
	return &KBError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KBError from an existing error, reusing its message.
func Wrap(code string, err error) *KBError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Transient creates a retryable provider error. Deadline errors get the timeout code.
func Transient(message string, cause error) *KBError {
	if errors.Is(cause, context.DeadlineExceeded) {
		return New(ErrCodeProviderTimeout, message, cause)
	}
	return New(ErrCodeProviderUnavailable, message, cause)
}

// Permanent creates a non-retryable parse error for malformed input.
func Permanent(message string, cause error) *KBError {
	return New(ErrCodeMalformedInput, message, cause)
}

// Unsupported creates a non-retryable error for an input format nothing can transform.
func Unsupported(format string) *KBError {
	return New(ErrCodeUnsupportedFormat, fmt.Sprintf("unsupported format %q", format), nil).
		WithDetail("format", format)
}

// IndexBuild creates an error for a failed generation build.
func IndexBuild(message string, cause error) *KBError {
	return New(ErrCodeIndexBuildFailed, message, cause).
		WithSuggestion("The previous index generation is still being served; fix the cause and run rebuild again")
}

// Configuration creates a fatal configuration error.
func Configuration(message string, cause error) *KBError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// DimensionMismatch reports a vector whose length disagrees with the model's declared dimension.
func DimensionMismatch(model string, expected, got int) *KBError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("model %s returned %d dimensions, expected %d", model, got, expected), nil).
		WithDetail("model", model).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got)).
		WithSuggestion("Set embeddings.dimensions to the model's output size or switch models")
}

// Validation creates an input validation error.
func Validation(message string, cause error) *KBError {
	return New(ErrCodeInvalidInput, message, cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *KBError {
	return New(ErrCodeInternal, message, cause)
}

// As extracts the first KBError in the chain.
func As(err error) (*KBError, bool) {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried.
// Bare context cancellation and deadline errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if ke, ok := As(err); ok {
		return ke.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsPermanent reports whether err is a parse or format failure that no retry can fix.
func IsPermanent(err error) bool {
	ke, ok := As(err)
	if !ok {
		return false
	}
	return ke.Code == ErrCodeMalformedInput || ke.Code == ErrCodeUnsupportedFormat
}

// IsFatal reports whether err has fatal severity.
func IsFatal(err error) bool {
	ke, ok := As(err)
	return ok && ke.Severity == SeverityFatal
}

// GetCode extracts the error code, or "" when err is not a KBError.
func GetCode(err error) string {
	if ke, ok := As(err); ok {
		return ke.Code
	}
	return ""
}
