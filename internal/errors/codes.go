// Package errors provides structured error handling for notesim.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and IO errors
//   - 3XX: Embedding oracle errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates durable storage and file I/O errors.
	CategoryStorage Category = "STORAGE"
	// CategoryOracle indicates embedding oracle errors (load, inference).
	CategoryOracle Category = "ORACLE"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
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
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeNotInitialized = "ERR_201_NOT_INITIALIZED"
	ErrCodeStorageIO      = "ERR_202_STORAGE_IO"
	ErrCodeMigration      = "ERR_203_MIGRATION_FAILED"
	ErrCodeCorruptIndex   = "ERR_204_CORRUPT_INDEX"
	ErrCodeNoteNotFound   = "ERR_205_NOTE_NOT_FOUND"

	// Oracle errors (300-399)
	ErrCodeOracleUnavailable = "ERR_301_ORACLE_UNAVAILABLE"
	ErrCodeOracleInference   = "ERR_302_ORACLE_INFERENCE"
	ErrCodeModelLoad         = "ERR_303_MODEL_LOAD"

	// Validation errors (400-499)
	ErrCodeInvalidChunk      = "ERR_401_INVALID_CHUNK"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeInvalidPath       = "ERR_404_INVALID_PATH"

	// Internal errors (500-599)
	ErrCodeInternal = "ERR_501_INTERNAL"
	ErrCodeDisposed = "ERR_502_DISPOSED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "201" from "ERR_201_NOT_INITIALIZED"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryOracle
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeMigration:
		return SeverityFatal
	case ErrCodeInvalidChunk, ErrCodeOracleInference, ErrCodeOracleUnavailable:
		// Recovered locally: the record (or the indexing pass) is skipped.
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode checks if an error code represents a retryable error.
// Storage IO and oracle failures are rediscovered by the next reconciliation
// pass or change event, so callers may treat them as retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStorageIO, ErrCodeOracleUnavailable, ErrCodeOracleInference, ErrCodeModelLoad:
		return true
	default:
		return false
	}
}
