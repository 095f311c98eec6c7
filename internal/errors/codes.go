// Package errors provides structured error handling for unisearch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Index and storage I/O errors
//   - 3XX: Provider and network errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
//   - 6XX: Resource exhaustion
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates index and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates failures talking to a content provider.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates rejected input (queries, documents).
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryResource indicates an exhausted queue, admission slot or deadline.
	CategoryResource Category = "RESOURCE"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// Index and storage errors (200-299)
	ErrCodeIndexUnwritable = "ERR_201_INDEX_UNWRITABLE"
	ErrCodeIndexLocked     = "ERR_202_INDEX_LOCKED"
	ErrCodeDiskFull        = "ERR_203_DISK_FULL"
	ErrCodeCommitFailed    = "ERR_204_COMMIT_FAILED"
	ErrCodeCorruptIndex    = "ERR_205_CORRUPT_INDEX"
	ErrCodeMetaStore       = "ERR_206_META_STORE"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeRateLimited         = "ERR_303_RATE_LIMITED"
	ErrCodeCircuitOpen         = "ERR_304_CIRCUIT_OPEN"
	ErrCodeUnknownProvider     = "ERR_305_UNKNOWN_PROVIDER"

	// Validation errors (400-499)
	ErrCodeInvalidInput     = "ERR_401_INVALID_INPUT"
	ErrCodeUnknownField     = "ERR_402_UNKNOWN_FIELD"
	ErrCodeInvalidQuery     = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty       = "ERR_404_QUERY_EMPTY"
	ErrCodeFuzzyRange       = "ERR_405_FUZZY_OUT_OF_RANGE"
	ErrCodeMalformedBoolean = "ERR_406_MALFORMED_BOOLEAN"
	ErrCodeInvalidDocument  = "ERR_407_INVALID_DOCUMENT"
	ErrCodeQueryTooLong     = "ERR_408_QUERY_TOO_LONG"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeSearchFailed = "ERR_502_SEARCH_FAILED"
	ErrCodeEngineClosed = "ERR_503_ENGINE_CLOSED"

	// Resource exhaustion (600-699)
	ErrCodeQueueSaturated = "ERR_601_QUEUE_SATURATED"
	ErrCodeTooManyQueries = "ERR_602_TOO_MANY_CONCURRENT_QUERIES"
	ErrCodeQueryTimeout   = "ERR_603_QUERY_TIMEOUT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	case '6':
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexUnwritable, ErrCodeIndexLocked, ErrCodeCorruptIndex, ErrCodeDiskFull:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a transient error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeCommitFailed, ErrCodeMetaStore,
		ErrCodeProviderTimeout, ErrCodeProviderUnavailable, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}
