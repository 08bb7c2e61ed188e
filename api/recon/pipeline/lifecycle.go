package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventSink receives finalize notifications. Implementations own delivery;
// the pipeline calls them after the status transition has committed.
type EventSink interface {
	BatchFinalized(ev BatchFinalizedEvent)
}

// Pipeline runs statement batches from raw upload to booked commission
// transactions against a Store.
type Pipeline struct {
	store   Store
	clock   Clock
	sink    EventSink
	workers int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock pins the time source, for tests.
func WithClock(c Clock) Option { return func(p *Pipeline) { p.clock = c } }

// WithEventSink registers a finalize notification target.
func WithEventSink(s EventSink) Option { return func(p *Pipeline) { p.sink = s } }

// WithWorkers bounds row-level parallelism.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewPipeline wires a pipeline over a store.
func NewPipeline(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, clock: time.Now, workers: 8}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submission is one parsed statement file ready for intake.
type Submission struct {
	WorkspaceID uuid.UUID
	CarrierID   uuid.UUID
	UploaderID  uuid.UUID
	PeriodMonth string // YYYY-MM
	FileName    string
	FileHash    string
	SourceURL   string
	Header      []string
	Records     [][]string
}

// ValidatePeriodMonth checks the YYYY-MM statement period format.
func ValidatePeriodMonth(s string) error {
	if _, err := time.Parse("2006-01", s); err != nil {
		return fmt.Errorf("period_month must be YYYY-MM: %q", s)
	}
	return nil
}

// SubmitBatch creates a batch in uploaded state with its raw row set stored
// atomically. Re-submitting a file whose hash the workspace has already seen
// still ingests it: fingerprint claims classify every surviving row as
// duplicate, so the re-upload reviews to zero new transactions. The prior
// batch is noted on the audit trail.
func (p *Pipeline) SubmitBatch(ctx context.Context, sub Submission) (*ImportBatch, error) {
	if err := ValidatePeriodMonth(sub.PeriodMonth); err != nil {
		return nil, err
	}
	reupload := ""
	if sub.FileHash != "" {
		prior, err := p.store.FindBatchByFileHash(ctx, sub.WorkspaceID, sub.FileHash)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			reupload = prior.ID.String()
		}
	}

	now := p.clock().UTC()
	mapping, err := ResolveMapping(ctx, p.store, sub.WorkspaceID, sub.CarrierID, sub.Header, now)
	if err != nil {
		return nil, err
	}
	if !mapping.Confirmed {
		// Inferred on the fly: persist it unconfirmed so the batch can
		// reference it and an admin can confirm the exact version used.
		if err := p.store.SaveMapping(ctx, mapping); err != nil {
			return nil, err
		}
	}

	batch := &ImportBatch{
		ID:          uuid.New(),
		WorkspaceID: sub.WorkspaceID,
		CarrierID:   sub.CarrierID,
		UploaderID:  sub.UploaderID,
		MappingID:   mapping.ID,
		PeriodMonth: sub.PeriodMonth,
		FileName:    sub.FileName,
		FileHash:    sub.FileHash,
		SourceURL:   sub.SourceURL,
		Status:      BatchUploaded,
		CreatedAt:   now,
	}
	rows := make([]ImportRow, 0, len(sub.Records))
	for i, rec := range sub.Records {
		// Line 1 is the header row.
		rows = append(rows, RawRow(batch.ID, i+2, sub.Header, rec))
	}
	batch.Counts = BatchCounts{Total: len(rows)}
	if err := p.store.CreateBatch(ctx, batch, rows); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("%s (%d rows)", sub.FileName, len(rows))
	if reupload != "" {
		detail += "; re-upload of batch " + reupload
	}
	p.audit(ctx, batch.WorkspaceID, sub.UploaderID, "batch.upload", "batch", batch.ID, detail)
	return batch, nil
}

// Process runs a batch through normalize, dedupe, identity resolution and
// rule evaluation, then moves it uploaded -> reviewed. Row work is isolated:
// one bad row records its error and the rest proceed. Re-processing an
// already-reviewed batch is a no-op returning the stored result.
func (p *Pipeline) Process(ctx context.Context, batchID uuid.UUID) (*ImportBatch, error) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchUploaded {
		if batch.Status == BatchReviewed {
			return batch, nil
		}
		return nil, &TransitionError{From: batch.Status, To: BatchReviewed}
	}
	mapping, err := p.store.GetMappingByID(ctx, batch.MappingID)
	if err != nil {
		return nil, err
	}
	rows, err := p.store.ListRows(ctx, batchID, "")
	if err != nil {
		return nil, err
	}

	// Normalization is pure per-row work; fan it out.
	p.forEachRow(len(rows), func(i int) {
		if rows[i].Outcome == OutcomePending {
			ApplyMapping(&rows[i], mapping)
		}
	})

	// Fingerprint claims run serially in line order so the first occurrence
	// of a duplicate within the file deterministically wins.
	for i := range rows {
		row := &rows[i]
		if row.Outcome != OutcomePending || row.Normalized == nil {
			continue
		}
		row.Fingerprint = Fingerprint(batch.WorkspaceID, batch.CarrierID, row.Normalized, mapping.FingerprintFields)
		err := p.store.ClaimFingerprint(ctx, batch.WorkspaceID, row.Fingerprint, row.ID)
		if errors.Is(err, ErrDuplicateFingerprint) {
			row.Outcome = OutcomeDuplicate
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim fingerprint line %d: %w", row.LineNumber, err)
		}
	}

	// Resolution and rule evaluation fan out again; identity upserts are
	// atomic in the store so concurrent rows converge on one record.
	var (
		mu      sync.Mutex
		total   decimal.Decimal
		infraMu sync.Mutex
		infra   error
	)
	p.forEachRow(len(rows), func(i int) {
		row := &rows[i]
		if row.Outcome != OutcomePending {
			return
		}
		amt, err := p.matchRow(ctx, batch, mapping, row)
		if err != nil {
			infraMu.Lock()
			if infra == nil {
				infra = err
			}
			infraMu.Unlock()
			return
		}
		if row.Outcome == OutcomeMatched {
			mu.Lock()
			total = total.Add(amt)
			mu.Unlock()
		}
	})
	if infra != nil {
		return nil, infra
	}

	if err := p.store.SaveRows(ctx, rows); err != nil {
		return nil, err
	}
	now := p.clock().UTC()
	batch.Counts = CountsFromRows(rows)
	batch.TotalCommission = total
	batch.ReviewedAt = &now
	if err := p.store.UpdateBatchResults(ctx, batch); err != nil {
		return nil, err
	}
	updated, err := p.store.TransitionBatch(ctx, batchID, BatchUploaded, BatchReviewed, now, uuid.Nil)
	if errors.Is(err, ErrStaleTransition) {
		// A concurrent run committed first; its results stand.
		return p.store.GetBatch(ctx, batchID)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// matchRow resolves identities and books the commission transaction for one
// deduplicated row. Domain failures are recorded on the row; only
// infrastructure errors propagate.
func (p *Pipeline) matchRow(ctx context.Context, batch *ImportBatch, mapping *ColumnMapping, row *ImportRow) (decimal.Decimal, error) {
	n := row.Normalized
	now := p.clock().UTC()

	res, err := ResolveIdentities(ctx, p.store, batch.WorkspaceID, batch.CarrierID, n, now)
	var conflict *ResolutionConflictError
	if errors.As(err, &conflict) {
		row.Outcome = OutcomeError
		row.ErrorKind = KindResolutionConflict
		row.ErrorDetail = conflict.Error()
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	row.PolicyID = res.Policy.ID
	row.CustomerID = res.CustomerID()
	row.ProducerID = res.ProducerID
	row.QualityFlags = append(row.QualityFlags, res.Flags...)

	rs, err := p.store.RulesetFor(ctx, batch.WorkspaceID, batch.CarrierID, n.TxnDate)
	if errors.Is(err, ErrRulesetNotFound) {
		row.Outcome = OutcomeError
		row.ErrorKind = KindNoMatchingRule
		row.ErrorDetail = err.Error()
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	rule, amount, err := EvaluateRow(rs, n)
	var noRule *NoMatchingRuleError
	if errors.As(err, &noRule) {
		row.Outcome = OutcomeError
		row.ErrorKind = KindNoMatchingRule
		row.ErrorDetail = noRule.Error()
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	txn, err := p.store.CreateTransaction(ctx, &CommissionTransaction{
		ID:          uuid.New(),
		WorkspaceID: batch.WorkspaceID,
		BatchID:     batch.ID,
		RowID:       row.ID,
		PolicyID:    res.Policy.ID,
		CustomerID:  row.CustomerID,
		ProducerID:  res.ProducerID,
		RuleID:      rule.ID,
		Basis:       rule.Basis,
		Amount:      amount,
		Currency:    n.Currency,
		ComputedAt:  now,
	})
	if err != nil {
		return decimal.Zero, err
	}
	row.TransactionID = &txn.ID
	row.Outcome = OutcomeMatched
	return txn.Amount, nil
}

// Finalize moves a reviewed batch to finalized. Batches carrying error rows
// finalize only when the operator acknowledges them; acknowledged error rows
// stay excluded from totals rather than silently booking.
func (p *Pipeline) Finalize(ctx context.Context, batchID, operatorID uuid.UUID, ackErrors bool) (*ImportBatch, error) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case BatchFinalized:
		return batch, nil
	case BatchReviewed:
	default:
		return nil, &TransitionError{From: batch.Status, To: BatchFinalized}
	}
	if batch.Counts.Error > 0 && !ackErrors {
		return nil, &FinalizeError{
			BatchID:   batch.ID.String(),
			ErrorRows: batch.Counts.Error,
			Reason:    "unacknowledged error rows",
		}
	}

	// The finalize stamp rides on the CAS update itself so a batch can never
	// land in finalized state without its timestamp and operator.
	updated, err := p.store.TransitionBatch(ctx, batchID, BatchReviewed, BatchFinalized, p.clock().UTC(), operatorID)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, updated.WorkspaceID, operatorID, "batch.finalize", "batch", updated.ID,
		fmt.Sprintf("matched=%d duplicate=%d error=%d", updated.Counts.Matched, updated.Counts.Duplicate, updated.Counts.Error))
	if p.sink != nil {
		p.sink.BatchFinalized(BatchFinalizedEvent{
			BatchID:     updated.ID,
			WorkspaceID: updated.WorkspaceID,
			CarrierID:   updated.CarrierID,
			Counts:      updated.Counts,
		})
	}
	return updated, nil
}

// Archive retires a finalized batch. Its fingerprints leave the duplicate
// scope so a corrected statement for the same period can be re-imported.
func (p *Pipeline) Archive(ctx context.Context, batchID, operatorID uuid.UUID) (*ImportBatch, error) {
	updated, err := p.store.TransitionBatch(ctx, batchID, BatchFinalized, BatchArchived, p.clock().UTC(), operatorID)
	if err != nil {
		return nil, err
	}
	if err := p.store.ReleaseFingerprints(ctx, batchID); err != nil {
		return nil, err
	}
	p.audit(ctx, updated.WorkspaceID, operatorID, "batch.archive", "batch", updated.ID, "")
	return updated, nil
}

// Discard removes an unfinalized batch, its rows and its fingerprint claims.
func (p *Pipeline) Discard(ctx context.Context, batchID, operatorID uuid.UUID) error {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == BatchFinalized || batch.Status == BatchArchived {
		return ErrBatchImmutable
	}
	if err := p.store.ReleaseFingerprints(ctx, batchID); err != nil {
		return err
	}
	if err := p.store.DiscardBatch(ctx, batchID); err != nil {
		return err
	}
	p.audit(ctx, batch.WorkspaceID, operatorID, "batch.discard", "batch", batch.ID, batch.FileName)
	return nil
}

// ReverseTransaction books a negating transaction against an existing one,
// plus an optional replacement at a corrected amount. The original is never
// touched; the ledger stays append-only.
func (p *Pipeline) ReverseTransaction(ctx context.Context, txnID, operatorID uuid.UUID, replacement *decimal.Decimal) ([]CommissionTransaction, error) {
	orig, err := p.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if orig.ReversalOf != nil {
		return nil, fmt.Errorf("transaction %s is itself a reversal", txnID)
	}
	now := p.clock().UTC()
	out := make([]CommissionTransaction, 0, 2)

	rev := *orig
	rev.ID = uuid.New()
	rev.Amount = orig.Amount.Neg()
	rev.ReversalOf = &orig.ID
	rev.ComputedAt = now
	if err := p.store.AppendTransaction(ctx, &rev); err != nil {
		return nil, err
	}
	out = append(out, rev)

	if replacement != nil {
		repl := *orig
		repl.ID = uuid.New()
		repl.RowID = uuid.Nil // manual correction, not row-derived
		repl.Amount = replacement.RoundBank(2)
		repl.ReversalOf = nil
		repl.ComputedAt = now
		if err := p.store.AppendTransaction(ctx, &repl); err != nil {
			return nil, err
		}
		out = append(out, repl)
	}
	p.audit(ctx, orig.WorkspaceID, operatorID, "transaction.reverse", "transaction", orig.ID,
		fmt.Sprintf("reversal=%s replacements=%d", rev.ID, len(out)-1))
	return out, nil
}

// Batch returns the stored batch.
func (p *Pipeline) Batch(ctx context.Context, batchID uuid.UUID) (*ImportBatch, error) {
	return p.store.GetBatch(ctx, batchID)
}

// Rows lists a batch's rows, optionally filtered by outcome.
func (p *Pipeline) Rows(ctx context.Context, batchID uuid.UUID, outcome string) ([]ImportRow, error) {
	return p.store.ListRows(ctx, batchID, outcome)
}

// CountsFromRows derives batch counts from row state. New counts rows that
// claimed a fresh fingerprint, whatever happened to them afterwards.
func CountsFromRows(rows []ImportRow) BatchCounts {
	c := BatchCounts{Total: len(rows)}
	for i := range rows {
		switch rows[i].Outcome {
		case OutcomeDuplicate:
			c.Duplicate++
		case OutcomeMatched:
			c.Matched++
		case OutcomeError:
			c.Error++
		}
		if rows[i].Fingerprint != "" && rows[i].Outcome != OutcomeDuplicate {
			c.New++
		}
	}
	return c
}

// forEachRow runs fn over [0,n) with bounded parallelism.
func (p *Pipeline) forEachRow(n int, fn func(i int)) {
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) audit(ctx context.Context, workspaceID, actorID uuid.UUID, action, entity string, entityID uuid.UUID, detail string) {
	// Audit failures never fail the operation they describe.
	_ = p.store.AppendAudit(ctx, AuditEntry{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		Detail:      detail,
		At:          p.clock().UTC(),
	})
}
