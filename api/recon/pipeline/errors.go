package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds recorded on rows and surfaced to reviewers.
const (
	KindRowParseError      = "RowParseError"
	KindNoMatchingRule     = "NoMatchingRule"
	KindResolutionConflict = "ResolutionConflict"
)

// Quality flags attached to rows that processed fine but deserve attention.
const (
	FlagImplicitPolicy = "implicit_policy" // renewal row created its own policy
)

// Sentinel errors used for mapping to user-friendly messages at the API edge.
var (
	ErrBatchNotFound        = errors.New("import batch not found")
	ErrTransactionNotFound  = errors.New("commission transaction not found")
	ErrMappingNotFound      = errors.New("no column mapping for carrier")
	ErrRulesetNotFound      = errors.New("no ruleset covers the transaction date")
	ErrDuplicateFingerprint = errors.New("fingerprint already recorded in workspace")
	ErrStaleTransition      = errors.New("batch status changed concurrently")
	ErrBatchImmutable       = errors.New("batch is finalized and immutable")
)

// MappingIncompleteError is fatal to a batch: without the named fields no
// normalization can proceed at all.
type MappingIncompleteError struct {
	Missing []string
}

func (e *MappingIncompleteError) Error() string {
	return "mapping incomplete: missing required fields " + strings.Join(e.Missing, ", ")
}

// FinalizeError reports why a batch could not be finalized.
type FinalizeError struct {
	BatchID   string
	ErrorRows int
	Reason    string
}

func (e *FinalizeError) Error() string {
	if e.ErrorRows > 0 {
		return fmt.Sprintf("cannot finalize batch %s: %d rows in error outcome (reason: %s)", e.BatchID, e.ErrorRows, e.Reason)
	}
	return fmt.Sprintf("cannot finalize batch %s: %s", e.BatchID, e.Reason)
}

// TransitionError reports a forbidden state-machine move.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal batch transition %s -> %s", e.From, e.To)
}
