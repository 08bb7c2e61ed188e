package constants

import "fmt"

// ============================================================================
// STATEMENT UPLOAD ERRORS
// ============================================================================

const (
	ErrFileRequired        = "A statement file is required"
	ErrUnsupportedFileType = "Unsupported file type. Upload CSV, XLSX or XLS"
	ErrEmptyStatement      = "The uploaded statement is empty"
	ErrNoHeaderRow         = "The statement has no recognizable header row"
	ErrInvalidPeriodMonth  = "period_month must be in YYYY-MM form"
)

// ============================================================================
// MAPPING ERRORS
// ============================================================================

const (
	ErrMappingNotFound   = "No confirmed column mapping exists for this carrier"
	ErrMappingIncomplete = "The mapping does not cover all required fields"
	ErrMappingFrozen     = "This mapping version is already in use; confirm a new version"
)

// ============================================================================
// BATCH LIFECYCLE ERRORS
// ============================================================================

const (
	ErrBatchNotFound        = "Import batch not found"
	ErrBatchNotReviewed     = "Batch must finish review before it can be finalized"
	ErrBatchHasErrors       = "Batch has unresolved error rows. Acknowledge them to finalize"
	ErrBatchImmutable       = "Finalized batches are immutable"
	ErrBatchStaleTransition = "Batch status changed concurrently. Reload and retry"
)

// ============================================================================
// RULESET ERRORS
// ============================================================================

const (
	ErrRulesetNotFound   = "No ruleset covers the transaction date"
	ErrRuleInvalidBasis  = "Unknown commission rule basis"
	ErrRuleInvalidTxn    = "Unknown transaction type on rule"
	ErrRulesetEmptyRules = "A ruleset needs at least one rule"
)

// ============================================================================
// ERROR FORMAT HELPERS
// ============================================================================

// FormatError appends context values to a base message.
func FormatError(baseError string, context ...interface{}) string {
	if len(context) == 0 {
		return baseError
	}
	return fmt.Sprintf("%s: %v", baseError, context)
}

// FormatFieldError describes a problem with one named field.
func FormatFieldError(fieldName string, reason string) string {
	return fmt.Sprintf("field %s: %s", fieldName, reason)
}

// FormatMissingFieldError reports an absent required field.
func FormatMissingFieldError(fieldName string) string {
	return fmt.Sprintf("missing required field: %s", fieldName)
}
