package errors

import (
	stderrors "errors"
	"fmt"
)

// SearchError is the structured error type for unisearch.
// It carries enough context for logging, health reporting and user presentation.
type SearchError struct {
	// Code is the unique error code (e.g., "ERR_402_UNKNOWN_FIELD").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Validation, Resource, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SearchError) Unwrap() error {
	return e.Cause
}

// Is matches on code, so errors.Is(err, ErrQueueSaturated) works for any
// SearchError built with the same code.
func (e *SearchError) Is(target error) bool {
	if t, ok := target.(*SearchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SearchError) WithDetail(key, value string) *SearchError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *SearchError) WithSuggestion(suggestion string) *SearchError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SearchError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SearchError {
	return &SearchError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code string, format string, args ...any) *SearchError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a SearchError from an existing error.
// The error's message becomes the SearchError message.
func Wrap(code string, err error) *SearchError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is checks. Each compares by code only.
var (
	ErrQueueSaturated           = New(ErrCodeQueueSaturated, "indexing queue saturated", nil)
	ErrTooManyConcurrentQueries = New(ErrCodeTooManyQueries, "too many concurrent queries", nil)
	ErrQueryTimeout             = New(ErrCodeQueryTimeout, "query timed out", nil)
	ErrUnknownField             = New(ErrCodeUnknownField, "unknown field", nil)
	ErrInvalidQuery             = New(ErrCodeInvalidQuery, "invalid query", nil)
	ErrQueryEmpty               = New(ErrCodeQueryEmpty, "empty query", nil)
	ErrFuzzyRange               = New(ErrCodeFuzzyRange, "fuzzy distance out of range", nil)
	ErrMalformedBoolean         = New(ErrCodeMalformedBoolean, "malformed boolean expression", nil)
	ErrInvalidDocument          = New(ErrCodeInvalidDocument, "invalid document", nil)
	ErrIndexUnwritable          = New(ErrCodeIndexUnwritable, "index directory unwritable", nil)
	ErrIndexLocked              = New(ErrCodeIndexLocked, "index directory locked by another process", nil)
	ErrEngineClosed             = New(ErrCodeEngineClosed, "engine closed", nil)
	ErrCircuitOpen              = New(ErrCodeCircuitOpen, "circuit breaker is open", nil)
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *SearchError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an index I/O error. Commit failures are retryable.
func IOError(message string, cause error) *SearchError {
	return New(ErrCodeCommitFailed, message, cause)
}

// ProviderError creates a provider-related error.
// Provider errors are typically retryable.
func ProviderError(message string, cause error) *SearchError {
	return New(ErrCodeProviderUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SearchError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SearchError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first SearchError in the chain.
func As(err error) (*SearchError, bool) {
	var se *SearchError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether any SearchError in the chain is retryable.
func IsRetryable(err error) bool {
	se, ok := As(err)
	return ok && se.Retryable
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort startup.
func IsFatal(err error) bool {
	se, ok := As(err)
	return ok && se.Severity == SeverityFatal
}

// IsValidation reports whether err was caused by rejected input.
func IsValidation(err error) bool {
	return GetCategory(err) == CategoryValidation
}

// IsResourceExhausted reports whether err is a fail-fast capacity error.
func IsResourceExhausted(err error) bool {
	return GetCategory(err) == CategoryResource
}

// GetCode extracts the error code from a SearchError.
// Returns empty string if there is none in the chain.
func GetCode(err error) string {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from a SearchError.
func GetCategory(err error) Category {
	if se, ok := As(err); ok {
		return se.Category
	}
	return ""
}
