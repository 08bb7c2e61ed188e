package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records an operator action against the pipeline.
type AuditEntry struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	ActorID     uuid.UUID `json:"actor_id"`
	Action      string    `json:"action"`
	Entity      string    `json:"entity"`
	EntityID    uuid.UUID `json:"entity_id"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// ProducerTotal is one line of a payout summary over finalized batches.
type ProducerTotal struct {
	ProducerID  uuid.UUID `json:"producer_id"`
	DisplayName string    `json:"display_name"`
	TxnCount    int       `json:"txn_count"`
	Total       string    `json:"total"`
	Currency    string    `json:"currency"`
}

// Store is the storage handle the pipeline operates through. Implementations
// must make the marked operations atomic: fingerprint claims and identity
// upserts are the concurrency control points the spec leans on, so a
// check-then-insert implementation is wrong by construction.
type Store interface {
	// Column mappings. GetMapping returns ErrMappingNotFound when the
	// carrier has no confirmed mapping yet.
	GetMapping(ctx context.Context, workspaceID, carrierID uuid.UUID) (*ColumnMapping, error)
	GetMappingByID(ctx context.Context, id uuid.UUID) (*ColumnMapping, error)
	SaveMapping(ctx context.Context, m *ColumnMapping) error
	MappingInUse(ctx context.Context, id uuid.UUID) (bool, error)

	// Batches. CreateBatch persists the batch and its raw row set
	// atomically. TransitionBatch is compare-and-swap on the current
	// status and returns ErrStaleTransition when it lost the race; it
	// also stamps the target status timestamp (and the operator, for
	// finalize) in the same update so a batch can never carry a status
	// without its stamp.
	CreateBatch(ctx context.Context, b *ImportBatch, rows []ImportRow) error
	GetBatch(ctx context.Context, id uuid.UUID) (*ImportBatch, error)
	ListBatches(ctx context.Context, workspaceID uuid.UUID) ([]ImportBatch, error)
	FindBatchByFileHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*ImportBatch, error)
	UpdateBatchResults(ctx context.Context, b *ImportBatch) error
	TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, at time.Time, actorID uuid.UUID) (*ImportBatch, error)
	DiscardBatch(ctx context.Context, id uuid.UUID) error

	// Rows.
	SaveRows(ctx context.Context, rows []ImportRow) error
	ListRows(ctx context.Context, batchID uuid.UUID, outcome string) ([]ImportRow, error)

	// Fingerprints. ClaimFingerprint atomically records a fingerprint for
	// a row within a workspace's non-archived scope. A second claim for
	// the same fingerprint by a different row returns
	// ErrDuplicateFingerprint; re-claiming by the same row is a no-op.
	ClaimFingerprint(ctx context.Context, workspaceID uuid.UUID, fingerprint string, rowID uuid.UUID) error
	ReleaseFingerprints(ctx context.Context, batchID uuid.UUID) error

	// Identities. Upserts are atomic per natural key so concurrent rows
	// referencing the same new entity cannot double-create it. FindPolicy
	// and ActiveProducerFor report absence as (nil, nil) / (uuid.Nil, nil)
	// rather than an error: an unknown policy is a normal pipeline input.
	UpsertPolicy(ctx context.Context, p *Policy) (*Policy, bool, error)
	FindPolicy(ctx context.Context, workspaceID uuid.UUID, policyNumber string) (*Policy, error)
	FindCustomersByName(ctx context.Context, workspaceID uuid.UUID, name string) ([]Customer, error)
	UpsertCustomer(ctx context.Context, c *Customer) (*Customer, bool, error)
	UpsertProducer(ctx context.Context, p *Producer) (*Producer, bool, error)
	GetProducer(ctx context.Context, id uuid.UUID) (*Producer, error)
	ActiveProducerFor(ctx context.Context, policyID uuid.UUID, asOf time.Time) (uuid.UUID, error)
	AssignProducer(ctx context.Context, a ProducerAssignment) error

	// Rulesets. RulesetFor selects the version whose effective window
	// covers the transaction date; ErrRulesetNotFound otherwise.
	RulesetFor(ctx context.Context, workspaceID, carrierID uuid.UUID, txnDate time.Time) (*Ruleset, error)
	SaveRuleset(ctx context.Context, rs *Ruleset) error
	ListRulesets(ctx context.Context, workspaceID, carrierID uuid.UUID) ([]Ruleset, error)

	// Transactions. CreateTransaction is idempotent per row: a second
	// create for the same RowID returns the stored transaction untouched.
	CreateTransaction(ctx context.Context, t *CommissionTransaction) (*CommissionTransaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*CommissionTransaction, error)
	ListTransactionsByBatch(ctx context.Context, batchID uuid.UUID) ([]CommissionTransaction, error)
	AppendTransaction(ctx context.Context, t *CommissionTransaction) error

	// Reads for downstream collaborators.
	PayoutSummary(ctx context.Context, workspaceID uuid.UUID, period string) ([]ProducerTotal, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
}
