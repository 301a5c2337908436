// Package errors provides the structured error taxonomy for amankb.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors (fatal)
//   - 2XX: Storage errors
//   - 3XX: Provider errors (embedding and transform backends, retryable)
//   - 4XX: Input validation errors (permanent)
//   - 5XX: Internal and index build errors
package errors

// Category defines error categories for classification.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryStorage    Category = "STORAGE"
	CategoryProvider   Category = "PROVIDER"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts the current operation and is never retried.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the operation but the process continues.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates a degraded operation that may succeed on retry.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Configuration (100-199)
	ErrCodeConfigInvalid  = "ERR_101_CONFIG_INVALID"
	ErrCodeConfigNotFound = "ERR_102_CONFIG_NOT_FOUND"

	// Storage (200-299)
	ErrCodeStorageFailed = "ERR_201_STORAGE_FAILED"
	ErrCodeNotFound      = "ERR_202_NOT_FOUND"
	ErrCodeCorruptIndex  = "ERR_203_CORRUPT_INDEX"

	// Provider (300-399)
	ErrCodeProviderUnavailable = "ERR_301_PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout     = "ERR_302_PROVIDER_TIMEOUT"
	ErrCodeProviderRejected    = "ERR_303_PROVIDER_REJECTED"

	// Validation (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeMalformedInput    = "ERR_403_MALFORMED_INPUT"
	ErrCodeUnsupportedFormat = "ERR_404_UNSUPPORTED_FORMAT"
	ErrCodeQueryEmpty        = "ERR_405_QUERY_EMPTY"
	ErrCodeInvalidState      = "ERR_406_INVALID_STATE"

	// Internal (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed  = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed     = "ERR_503_SEARCH_FAILED"
	ErrCodeBuildInProgress  = "ERR_504_BUILD_IN_PROGRESS"
	ErrCodeIndexBuildFailed = "ERR_505_INDEX_BUILD_FAILED"
)

func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeConfigNotFound, ErrCodeDimensionMismatch, ErrCodeCorruptIndex:
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether a code belongs to the transient provider class.
// A rejected request (4xx from the provider) is not retried.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderUnavailable, ErrCodeProviderTimeout:
		return true
	default:
		return false
	}
}
