package pipeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch lifecycle statuses. Transitions are strictly forward; archive is the
// only administrative exit from finalized.
const (
	BatchUploaded  = "uploaded"
	BatchReviewed  = "reviewed"
	BatchFinalized = "finalized"
	BatchArchived  = "archived"
)

// Per-row outcomes after a pipeline run.
const (
	OutcomePending   = "pending"
	OutcomeDuplicate = "duplicate"
	OutcomeMatched   = "matched"
	OutcomeError     = "error"
)

// Transaction types recognised in carrier statements.
const (
	TxnNew          = "new"
	TxnRenewal      = "renewal"
	TxnEndorsement  = "endorsement"
	TxnCancellation = "cancellation"
	TxnAny          = "any"
)

// Commission rule bases.
const (
	BasisPercentOfGross   = "percent_of_gross_commission"
	BasisPercentOfPremium = "percent_of_premium"
	BasisFlatAmount       = "flat_amount"
)

// Canonical row fields a carrier column can map onto.
const (
	FieldPolicyNumber    = "policy_number"
	FieldInsuredName     = "insured_name"
	FieldProducerCode    = "producer_code"
	FieldLOB             = "lob"
	FieldTxnType         = "transaction_type"
	FieldTxnDate         = "transaction_date"
	FieldEffectiveDate   = "effective_date"
	FieldPremium         = "premium"
	FieldGrossCommission = "gross_commission"
	FieldCurrency        = "currency"
	FieldCarrier         = "carrier"
)

// RequiredFields must be mapped before any normalization happens.
var RequiredFields = []string{FieldPolicyNumber, FieldPremium, FieldTxnDate}

// ColumnRule binds one source header to a canonical field.
type ColumnRule struct {
	Source string `json:"source"`
	Field  string `json:"field"`
}

// ColumnMapping is the per-carrier translation of a statement layout into the
// canonical schema, plus the parse hints the normalizer needs. A mapping is
// inferred once, confirmed by an admin, and versioned after that: rows
// normalized against version N are never reinterpreted by version N+1.
type ColumnMapping struct {
	ID          uuid.UUID    `json:"id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	CarrierID   uuid.UUID    `json:"carrier_id"`
	Version     int          `json:"version"`
	Confirmed   bool         `json:"confirmed"`
	Columns     []ColumnRule `json:"columns"`
	// Parse hints
	DateFormat   string `json:"date_format,omitempty"` // Go layout, e.g. 01/02/2006
	DayFirst     bool   `json:"day_first"`             // ambiguous dd/mm vs mm/dd
	DecimalComma bool   `json:"decimal_comma"`         // 1.234,56 style amounts
	ThousandsSep string `json:"thousands_sep,omitempty"`
	// FingerprintFields overrides the default duplicate key; carriers differ
	// in which columns are stable identifiers.
	FingerprintFields []string  `json:"fingerprint_fields,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// FieldFor returns the canonical field a source header maps to, or "".
func (m *ColumnMapping) FieldFor(source string) string {
	for _, c := range m.Columns {
		if c.Source == source {
			return c.Field
		}
	}
	return ""
}

// SourceFor returns the source header mapped to a canonical field, or "".
func (m *ColumnMapping) SourceFor(field string) string {
	for _, c := range m.Columns {
		if c.Field == field {
			return c.Source
		}
	}
	return ""
}

// MissingRequired lists required canonical fields the mapping does not cover.
func (m *ColumnMapping) MissingRequired() []string {
	var missing []string
	for _, f := range RequiredFields {
		if m.SourceFor(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// NormalizedRow holds the typed values parsed out of one statement line.
type NormalizedRow struct {
	PolicyNumber    string          `json:"policy_number"`
	InsuredName     string          `json:"insured_name,omitempty"`
	ProducerCode    string          `json:"producer_code,omitempty"`
	LOB             string          `json:"lob,omitempty"`
	TxnType         string          `json:"transaction_type"`
	TxnDate         time.Time       `json:"transaction_date"`
	EffectiveDate   time.Time       `json:"effective_date,omitempty"`
	Premium         decimal.Decimal `json:"premium"`
	GrossCommission decimal.Decimal `json:"gross_commission"`
	Currency        string          `json:"currency"`
}

// ImportRow is one source line of a batch. Raw cells are preserved verbatim
// for audit; normalization failures leave Normalized nil and set the error
// outcome instead of aborting the batch.
type ImportRow struct {
	ID           uuid.UUID         `json:"id"`
	BatchID      uuid.UUID         `json:"batch_id"`
	LineNumber   int               `json:"line_number"`
	Raw          map[string]string `json:"raw"`
	Normalized   *NormalizedRow    `json:"normalized,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Outcome      string            `json:"outcome"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
	QualityFlags []string          `json:"quality_flags,omitempty"`

	PolicyID      uuid.UUID  `json:"policy_id,omitempty"`
	CustomerID    uuid.UUID  `json:"customer_id,omitempty"`
	ProducerID    uuid.UUID  `json:"producer_id,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

// BatchCounts are always recomputed from row state, never hand-maintained.
type BatchCounts struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Error     int `json:"error"`
	Matched   int `json:"matched"`
}

// ImportBatch is one upload event.
type ImportBatch struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	CarrierID   uuid.UUID `json:"carrier_id"`
	UploaderID  uuid.UUID `json:"uploader_id"`
	MappingID   uuid.UUID `json:"mapping_id"`
	PeriodMonth string    `json:"period_month"` // YYYY-MM
	FileName    string    `json:"file_name,omitempty"`
	FileHash    string    `json:"file_hash,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"` // archived original, if any
	Status      string    `json:"status"`

	Counts          BatchCounts     `json:"counts"`
	TotalCommission decimal.Decimal `json:"total_commission"`

	CreatedAt   time.Time  `json:"created_at"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	FinalizedBy uuid.UUID  `json:"finalized_by,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// Customer is a workspace-scoped insured party. Never deleted, only
// deactivated, so transaction lineage stays intact.
type Customer struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Policy belongs to exactly one customer; the servicing producer is tracked
// through effective-dated assignments, not a mutable column.
type Policy struct {
	ID           uuid.UUID `json:"id"`
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	CarrierID    uuid.UUID `json:"carrier_id"`
	CustomerID   uuid.UUID `json:"customer_id"`
	PolicyNumber string    `json:"policy_number"`
	LOB          string    `json:"lob,omitempty"`
	Effective    time.Time `json:"effective,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Producer is the agent credited with a policy's commission.
type Producer struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Code        string    `json:"code"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProducerAssignment is an effective-dated policy-to-producer association.
// Reassignment appends a new row; the latest EffectiveFrom wins.
type ProducerAssignment struct {
	PolicyID      uuid.UUID `json:"policy_id"`
	ProducerID    uuid.UUID `json:"producer_id"`
	EffectiveFrom time.Time `json:"effective_from"`
}

// CommissionRule computes a payout for rows matching its filters. Lower
// priority evaluates first. Rules referenced by a finalized transaction are
// immutable; edits go into a new ruleset version.
type CommissionRule struct {
	ID         uuid.UUID       `json:"id"`
	RulesetID  uuid.UUID       `json:"ruleset_id"`
	Basis      string          `json:"basis"`
	Rate       decimal.Decimal `json:"rate,omitempty"`        // fraction, e.g. 0.10
	FlatAmount decimal.Decimal `json:"flat_amount,omitempty"` // for flat_amount basis
	LOB        string          `json:"lob,omitempty"`         // empty = any
	TxnType    string          `json:"transaction_type"`      // new|renewal|any
	Priority   int             `json:"priority"`
}

// Ruleset is a versioned, carrier-scoped rule collection with an effective
// window [EffectiveFrom, EffectiveTo).
type Ruleset struct {
	ID            uuid.UUID        `json:"id"`
	WorkspaceID   uuid.UUID        `json:"workspace_id"`
	CarrierID     uuid.UUID        `json:"carrier_id"`
	Version       int              `json:"version"`
	EffectiveFrom time.Time        `json:"effective_from"`
	EffectiveTo   time.Time        `json:"effective_to,omitempty"` // zero = open-ended
	Rules         []CommissionRule `json:"rules"`
}

// Covers reports whether a transaction date falls in the effective window.
func (rs *Ruleset) Covers(t time.Time) bool {
	if t.Before(rs.EffectiveFrom) {
		return false
	}
	if !rs.EffectiveTo.IsZero() && !t.Before(rs.EffectiveTo) {
		return false
	}
	return true
}

// CommissionTransaction is the pipeline's terminal output. Immutable after
// creation; corrections are reversal + replacement transactions.
type CommissionTransaction struct {
	ID          uuid.UUID       `json:"id"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	RowID       uuid.UUID       `json:"row_id"`
	PolicyID    uuid.UUID       `json:"policy_id"`
	CustomerID  uuid.UUID       `json:"customer_id"`
	ProducerID  uuid.UUID       `json:"producer_id"`
	RuleID      uuid.UUID       `json:"rule_id"`
	Basis       string          `json:"basis"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ReversalOf  *uuid.UUID      `json:"reversal_of,omitempty"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// BatchFinalizedEvent is emitted once per successful finalize. Delivery and
// formatting belong to external notifiers.
type BatchFinalizedEvent struct {
	BatchID     uuid.UUID   `json:"batch_id"`
	WorkspaceID uuid.UUID   `json:"workspace_id"`
	CarrierID   uuid.UUID   `json:"carrier_id"`
	Counts      BatchCounts `json:"counts"`
}

// Clock lets tests pin computed-at timestamps.
type Clock func() time.Time
