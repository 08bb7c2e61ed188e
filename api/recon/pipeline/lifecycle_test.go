package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/recon/pipeline"
	"CommitrakCRM/api/recon/store"
)

var testHeader = []string{"Policy Number", "Insured Name", "Agent Code", "Type", "Date", "Premium", "Commission"}

type fixture struct {
	ws       uuid.UUID
	carrier  uuid.UUID
	uploader uuid.UUID
	store    *store.Memory
	pipe     *pipeline.Pipeline
	sink     *captureSink
	hashSeq  int
}

type captureSink struct {
	mu     sync.Mutex
	events []pipeline.BatchFinalizedEvent
}

func (s *captureSink) BatchFinalized(ev pipeline.BatchFinalizedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ws:       uuid.New(),
		carrier:  uuid.New(),
		uploader: uuid.New(),
		store:    store.NewMemory(),
		sink:     &captureSink{},
	}
	f.pipe = pipeline.NewPipeline(f.store,
		pipeline.WithEventSink(f.sink),
		pipeline.WithWorkers(4),
	)
	ctx := context.Background()

	mapping := &pipeline.ColumnMapping{
		ID:          uuid.New(),
		WorkspaceID: f.ws,
		CarrierID:   f.carrier,
		Version:     1,
		Confirmed:   true,
		Columns: []pipeline.ColumnRule{
			{Source: "Policy Number", Field: pipeline.FieldPolicyNumber},
			{Source: "Insured Name", Field: pipeline.FieldInsuredName},
			{Source: "Agent Code", Field: pipeline.FieldProducerCode},
			{Source: "Type", Field: pipeline.FieldTxnType},
			{Source: "Date", Field: pipeline.FieldTxnDate},
			{Source: "Premium", Field: pipeline.FieldPremium},
			{Source: "Commission", Field: pipeline.FieldGrossCommission},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := f.store.SaveMapping(ctx, mapping); err != nil {
		t.Fatal(err)
	}

	rs := &pipeline.Ruleset{
		ID:            uuid.New(),
		WorkspaceID:   f.ws,
		CarrierID:     f.carrier,
		Version:       1,
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rules: []pipeline.CommissionRule{{
			ID:       uuid.New(),
			Basis:    pipeline.BasisPercentOfGross,
			Rate:     decimal.RequireFromString("0.10"),
			TxnType:  pipeline.TxnAny,
			Priority: 1,
		}},
	}
	if err := f.store.SaveRuleset(ctx, rs); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) submit(t *testing.T, records [][]string) *pipeline.ImportBatch {
	t.Helper()
	f.hashSeq++
	batch, err := f.pipe.SubmitBatch(context.Background(), pipeline.Submission{
		WorkspaceID: f.ws,
		CarrierID:   f.carrier,
		UploaderID:  f.uploader,
		PeriodMonth: "2024-03",
		FileName:    fmt.Sprintf("statement-%d.csv", f.hashSeq),
		FileHash:    fmt.Sprintf("hash-%d", f.hashSeq),
		Header:      testHeader,
		Records:     records,
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	return batch
}

func (f *fixture) processed(t *testing.T, records [][]string) *pipeline.ImportBatch {
	t.Helper()
	batch := f.submit(t, records)
	out, err := f.pipe.Process(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return out
}

func row(policy, insured, agent, txnType, date, premium, commission string) []string {
	return []string{policy, insured, agent, txnType, date, premium, commission}
}

func TestProcessMatchesRows(t *testing.T) {
	f := newFixture(t)
	batch := f.processed(t, [][]string{
		row("POL-1", "Acme Corp", "AG7", "new", "2024-03-15", "1000.00", "100.00"),
		row("POL-2", "Beta LLC", "AG7", "renewal", "2024-03-16", "500.00", "50.00"),
	})

	if batch.Status != pipeline.BatchReviewed {
		t.Fatalf("status = %s, want reviewed", batch.Status)
	}
	want := pipeline.BatchCounts{Total: 2, New: 2, Matched: 2}
	if batch.Counts != want {
		t.Errorf("counts = %+v, want %+v", batch.Counts, want)
	}
	if batch.TotalCommission.String() != "15" {
		t.Errorf("total commission = %s, want 15", batch.TotalCommission)
	}
	if batch.ReviewedAt == nil {
		t.Error("reviewed_at not set")
	}

	rows, err := f.pipe.Rows(context.Background(), batch.ID, pipeline.OutcomeMatched)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("matched rows = %d", len(rows))
	}
	for _, r := range rows {
		if r.TransactionID == nil {
			t.Errorf("line %d has no transaction", r.LineNumber)
		}
		if r.PolicyID == uuid.Nil || r.CustomerID == uuid.Nil || r.ProducerID == uuid.Nil {
			t.Errorf("line %d identity links incomplete", r.LineNumber)
		}
	}
}

func TestDuplicateWithinFile(t *testing.T) {
	f := newFixture(t)
	same := row("POL-1", "Acme Corp", "AG7", "new", "2024-03-15", "1000.00", "100.00")
	batch := f.processed(t, [][]string{same, same})

	want := pipeline.BatchCounts{Total: 2, New: 1, Matched: 1, Duplicate: 1}
	if batch.Counts != want {
		t.Fatalf("counts = %+v, want %+v", batch.Counts, want)
	}
	// First occurrence wins deterministically.
	rows, _ := f.pipe.Rows(context.Background(), batch.ID, "")
	if rows[0].Outcome != pipeline.OutcomeMatched || rows[1].Outcome != pipeline.OutcomeDuplicate {
		t.Errorf("outcomes = %s, %s; want matched then duplicate", rows[0].Outcome, rows[1].Outcome)
	}
}

func TestDuplicateAcrossBatches(t *testing.T) {
	f := newFixture(t)
	same := row("POL-1", "Acme Corp", "AG7", "new", "2024-03-15", "1000.00", "100.00")
	f.processed(t, [][]string{same})

	second := f.processed(t, [][]string{same})
	if second.Counts.Duplicate != 1 || second.Counts.Matched != 0 {
		t.Errorf("second batch counts = %+v, want 1 duplicate", second.Counts)
	}
	if second.TotalCommission.String() != "0" {
		t.Errorf("duplicate batch booked commission %s", second.TotalCommission)
	}
}

func TestFormattingVariantsCollapseToOneTransaction(t *testing.T) {
	f := newFixture(t)
	batch := f.processed(t, [][]string{
		row("pol-1", "Acme Corp", "AG7", "new", "2024-03-15", "1,000.00", "100.00"),
		row("POL-1", "Acme Corp", "AG7", "NEW BUSINESS", "03/15/2024", "$1000", "100.00"),
	})
	want := pipeline.BatchCounts{Total: 2, New: 1, Matched: 1, Duplicate: 1}
	if batch.Counts != want {
		t.Errorf("counts = %+v, want %+v", batch.Counts, want)
	}
}

func TestReuploadSameFileYieldsAllDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	records := [][]string{
		row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100"),
		row("POL-2", "Beta", "AG7", "new", "2024-03-16", "500", "50"),
	}
	first := f.processed(t, records)
	if first.Counts.Matched != 2 {
		t.Fatalf("first upload counts = %+v", first.Counts)
	}

	// The byte-identical file again: ingested, but every row dedupes, so the
	// second upload books zero new transactions.
	again, err := f.pipe.SubmitBatch(ctx, pipeline.Submission{
		WorkspaceID: f.ws,
		CarrierID:   f.carrier,
		UploaderID:  f.uploader,
		PeriodMonth: "2024-03",
		FileName:    "statement-copy.csv",
		FileHash:    first.FileHash,
		Header:      testHeader,
		Records:     records,
	})
	if err != nil {
		t.Fatalf("re-upload SubmitBatch: %v", err)
	}
	if again.ID == first.ID {
		t.Fatal("re-upload reused the prior batch instead of ingesting")
	}
	redone, err := f.pipe.Process(ctx, again.ID)
	if err != nil {
		t.Fatalf("re-upload Process: %v", err)
	}
	want := pipeline.BatchCounts{Total: 2, Duplicate: 2}
	if redone.Counts != want {
		t.Errorf("re-upload counts = %+v, want %+v", redone.Counts, want)
	}
	if redone.TotalCommission.String() != "0" {
		t.Errorf("re-upload booked commission %s", redone.TotalCommission)
	}
	ledger, _ := f.store.ListTransactionsByBatch(ctx, again.ID)
	if len(ledger) != 0 {
		t.Errorf("re-upload created %d transactions", len(ledger))
	}
}

func TestSubmitBatchRejectsBadPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.SubmitBatch(context.Background(), pipeline.Submission{
		WorkspaceID: f.ws,
		CarrierID:   f.carrier,
		PeriodMonth: "March 2024",
		Header:      testHeader,
	})
	if err == nil {
		t.Fatal("expected period_month validation error")
	}
}

func TestProcessIsolatesRowErrors(t *testing.T) {
	f := newFixture(t)
	batch := f.processed(t, [][]string{
		row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100"),
		row("POL-2", "Beta", "AG7", "new", "not a date", "500", "50"),
	})
	want := pipeline.BatchCounts{Total: 2, New: 1, Matched: 1, Error: 1}
	if batch.Counts != want {
		t.Fatalf("counts = %+v, want %+v", batch.Counts, want)
	}
	bad, _ := f.pipe.Rows(context.Background(), batch.ID, pipeline.OutcomeError)
	if len(bad) != 1 || bad[0].ErrorKind != pipeline.KindRowParseError {
		t.Errorf("error rows = %+v", bad)
	}
}

func TestRowWithoutRulesetParksAsError(t *testing.T) {
	f := newFixture(t)
	// 2023 predates the only ruleset's effective window.
	batch := f.processed(t, [][]string{
		row("POL-1", "Acme", "AG7", "new", "2023-06-01", "1000", "100"),
	})
	if batch.Counts.Error != 1 {
		t.Fatalf("counts = %+v, want 1 error", batch.Counts)
	}
	bad, _ := f.pipe.Rows(context.Background(), batch.ID, pipeline.OutcomeError)
	if bad[0].ErrorKind != pipeline.KindNoMatchingRule {
		t.Errorf("kind = %s", bad[0].ErrorKind)
	}
}

func TestProcessReprocessIsNoOp(t *testing.T) {
	f := newFixture(t)
	batch := f.processed(t, [][]string{
		row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100"),
	})
	again, err := f.pipe.Process(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("re-process: %v", err)
	}
	if again.Counts != batch.Counts || again.Status != pipeline.BatchReviewed {
		t.Errorf("re-process changed results: %+v", again.Counts)
	}
}

func TestFinalizeBlockedByErrorRowsUntilAcked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	operator := uuid.New()
	batch := f.processed(t, [][]string{
		row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100"),
		row("POL-2", "Beta", "AG7", "new", "not a date", "500", "50"),
	})

	_, err := f.pipe.Finalize(ctx, batch.ID, operator, false)
	var ferr *pipeline.FinalizeError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want FinalizeError", err)
	}
	if ferr.ErrorRows != 1 {
		t.Errorf("FinalizeError.ErrorRows = %d", ferr.ErrorRows)
	}

	final, err := f.pipe.Finalize(ctx, batch.ID, operator, true)
	if err != nil {
		t.Fatalf("acked finalize: %v", err)
	}
	if final.Status != pipeline.BatchFinalized || final.FinalizedBy != operator || final.FinalizedAt == nil {
		t.Errorf("finalized batch = %+v", final)
	}
	if len(f.sink.events) != 1 || f.sink.events[0].BatchID != batch.ID {
		t.Errorf("sink events = %+v", f.sink.events)
	}

	// Finalizing again is idempotent and emits no second event.
	if _, err := f.pipe.Finalize(ctx, batch.ID, operator, false); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Errorf("repeat finalize emitted %d events", len(f.sink.events))
	}
}

func TestFinalizeRequiresReviewed(t *testing.T) {
	f := newFixture(t)
	batch := f.submit(t, [][]string{row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100")})
	_, err := f.pipe.Finalize(context.Background(), batch.ID, uuid.New(), false)
	var terr *pipeline.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
}

func TestArchiveReleasesDuplicateScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	operator := uuid.New()
	same := row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100")

	batch := f.processed(t, [][]string{same})
	if _, err := f.pipe.Finalize(ctx, batch.ID, operator, false); err != nil {
		t.Fatal(err)
	}
	archived, err := f.pipe.Archive(ctx, batch.ID, operator)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if archived.Status != pipeline.BatchArchived || archived.ArchivedAt == nil {
		t.Errorf("archived batch = %+v", archived)
	}

	// A corrected statement for the same period re-imports cleanly.
	redo := f.processed(t, [][]string{same})
	if redo.Counts.Matched != 1 || redo.Counts.Duplicate != 0 {
		t.Errorf("post-archive counts = %+v", redo.Counts)
	}
}

func TestArchiveRequiresFinalized(t *testing.T) {
	f := newFixture(t)
	batch := f.processed(t, [][]string{row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100")})
	_, err := f.pipe.Archive(context.Background(), batch.ID, uuid.New())
	if !errors.Is(err, pipeline.ErrStaleTransition) {
		t.Fatalf("err = %v, want ErrStaleTransition", err)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	operator := uuid.New()
	same := row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100")

	batch := f.processed(t, [][]string{same})
	if err := f.pipe.Discard(ctx, batch.ID, operator); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := f.pipe.Batch(ctx, batch.ID); !errors.Is(err, pipeline.ErrBatchNotFound) {
		t.Errorf("discarded batch still readable: %v", err)
	}
	// Its fingerprints are gone too.
	redo := f.processed(t, [][]string{same})
	if redo.Counts.Matched != 1 {
		t.Errorf("post-discard counts = %+v", redo.Counts)
	}

	if _, err := f.pipe.Finalize(ctx, redo.ID, operator, false); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Discard(ctx, redo.ID, operator); !errors.Is(err, pipeline.ErrBatchImmutable) {
		t.Errorf("finalized discard err = %v, want ErrBatchImmutable", err)
	}
}

func TestReverseTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	operator := uuid.New()

	batch := f.processed(t, [][]string{row("POL-1", "Acme", "AG7", "new", "2024-03-15", "1000", "100")})
	rows, _ := f.pipe.Rows(ctx, batch.ID, pipeline.OutcomeMatched)
	if len(rows) != 1 || rows[0].TransactionID == nil {
		t.Fatal("expected one matched row with a transaction")
	}
	origID := *rows[0].TransactionID

	repl := decimal.RequireFromString("12.345")
	txns, err := f.pipe.ReverseTransaction(ctx, origID, operator, &repl)
	if err != nil {
		t.Fatalf("ReverseTransaction: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want reversal + replacement", len(txns))
	}
	rev, replacement := txns[0], txns[1]
	if rev.Amount.String() != "-10" || rev.ReversalOf == nil || *rev.ReversalOf != origID {
		t.Errorf("reversal = %+v", rev)
	}
	if replacement.Amount.String() != "12.34" || replacement.ReversalOf != nil {
		t.Errorf("replacement = %+v", replacement)
	}
	if replacement.RowID != uuid.Nil {
		t.Error("replacement should not claim the original row")
	}

	// Reversals cannot themselves be reversed.
	if _, err := f.pipe.ReverseTransaction(ctx, rev.ID, operator, nil); err == nil {
		t.Error("expected error reversing a reversal")
	}

	// The original is untouched.
	ledger, _ := f.store.ListTransactionsByBatch(ctx, batch.ID)
	for _, txn := range ledger {
		if txn.ID == origID && txn.Amount.String() != "10" {
			t.Errorf("original amount mutated to %s", txn.Amount)
		}
	}
}

func TestCombinedFileSplitProcessesPerCarrier(t *testing.T) {
	header := []string{"Carrier", "Policy Number", "Type", "Date", "Premium", "Commission"}
	records := [][]string{
		{"Acme Mutual", "P-1", "new", "2024-03-15", "100", "10"},
		{"Zenith", "P-2", "new", "2024-03-15", "200", "20"},
		{"Acme Mutual", "P-3", "new", "2024-03-15", "300", "30"},
	}
	carrierHeader, ok := pipeline.HasCarrierColumn(header)
	if !ok {
		t.Fatal("carrier column not detected")
	}
	parts := pipeline.SplitByCarrier(carrierHeader, header, records)
	if len(parts) != 2 || len(parts["Acme Mutual"]) != 2 {
		t.Fatalf("split = %v", parts)
	}
}
