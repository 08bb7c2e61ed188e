package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/recon/pipeline"
)

func TestClaimFingerprint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ws := uuid.New()
	rowA, rowB := uuid.New(), uuid.New()

	if err := m.ClaimFingerprint(ctx, ws, "fp-1", rowA); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Re-claiming by the same row is a no-op, so re-processing converges.
	if err := m.ClaimFingerprint(ctx, ws, "fp-1", rowA); err != nil {
		t.Fatalf("re-claim by owner: %v", err)
	}
	if err := m.ClaimFingerprint(ctx, ws, "fp-1", rowB); !errors.Is(err, pipeline.ErrDuplicateFingerprint) {
		t.Fatalf("claim by other row: %v, want ErrDuplicateFingerprint", err)
	}
	// Fingerprints are workspace-scoped.
	if err := m.ClaimFingerprint(ctx, uuid.New(), "fp-1", rowB); err != nil {
		t.Fatalf("claim in other workspace: %v", err)
	}
}

func TestReleaseFingerprintsByBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ws := uuid.New()
	batch := &pipeline.ImportBatch{ID: uuid.New(), WorkspaceID: ws, Status: pipeline.BatchUploaded}
	rows := []pipeline.ImportRow{{ID: uuid.New(), BatchID: batch.ID, LineNumber: 2}}
	if err := m.CreateBatch(ctx, batch, rows); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimFingerprint(ctx, ws, "fp-1", rows[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := m.ReleaseFingerprints(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimFingerprint(ctx, ws, "fp-1", uuid.New()); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestTransitionBatchCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	b := &pipeline.ImportBatch{ID: uuid.New(), WorkspaceID: uuid.New(), Status: pipeline.BatchUploaded}
	if err := m.CreateBatch(ctx, b, nil); err != nil {
		t.Fatal(err)
	}

	got, err := m.TransitionBatch(ctx, b.ID, pipeline.BatchUploaded, pipeline.BatchReviewed, now, uuid.Nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != pipeline.BatchReviewed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(now) {
		t.Errorf("reviewed_at = %v, want %v", got.ReviewedAt, now)
	}

	// The losing side of a race sees a stale transition.
	if _, err := m.TransitionBatch(ctx, b.ID, pipeline.BatchUploaded, pipeline.BatchReviewed, now, uuid.Nil); !errors.Is(err, pipeline.ErrStaleTransition) {
		t.Errorf("second transition err = %v, want ErrStaleTransition", err)
	}
	if _, err := m.TransitionBatch(ctx, uuid.New(), pipeline.BatchUploaded, pipeline.BatchReviewed, now, uuid.Nil); !errors.Is(err, pipeline.ErrBatchNotFound) {
		t.Errorf("missing batch err = %v", err)
	}
}

func TestTransitionBatchStampsFinalize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	at := time.Now().UTC()
	operator := uuid.New()
	b := &pipeline.ImportBatch{ID: uuid.New(), WorkspaceID: uuid.New(), Status: pipeline.BatchReviewed}
	if err := m.CreateBatch(ctx, b, nil); err != nil {
		t.Fatal(err)
	}

	// The stamp rides on the same update as the status change.
	got, err := m.TransitionBatch(ctx, b.ID, pipeline.BatchReviewed, pipeline.BatchFinalized, at, operator)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.FinalizedAt == nil || !got.FinalizedAt.Equal(at) || got.FinalizedBy != operator {
		t.Errorf("finalize stamp = %v by %s, want %v by %s", got.FinalizedAt, got.FinalizedBy, at, operator)
	}

	got, err = m.TransitionBatch(ctx, b.ID, pipeline.BatchFinalized, pipeline.BatchArchived, at.Add(time.Hour), operator)
	if err != nil {
		t.Fatalf("archive transition: %v", err)
	}
	if got.ArchivedAt == nil || !got.ArchivedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("archived_at = %v", got.ArchivedAt)
	}
	if got.FinalizedAt == nil || !got.FinalizedAt.Equal(at) {
		t.Errorf("archive overwrote finalize stamp: %v", got.FinalizedAt)
	}
}

func TestUpsertPolicyConverges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ws := uuid.New()

	first, created, err := m.UpsertPolicy(ctx, &pipeline.Policy{
		ID: uuid.New(), WorkspaceID: ws, PolicyNumber: "POL-1", Status: "active",
	})
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	// Case and whitespace variants hit the same record.
	second, created, err := m.UpsertPolicy(ctx, &pipeline.Policy{
		ID: uuid.New(), WorkspaceID: ws, PolicyNumber: " pol-1 ", Status: "active",
	})
	if err != nil || created {
		t.Fatalf("second upsert: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Error("upsert created a second policy record")
	}
}

func TestCreateTransactionIdempotentPerRow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rowID := uuid.New()

	first, err := m.CreateTransaction(ctx, &pipeline.CommissionTransaction{
		ID: uuid.New(), RowID: rowID, Amount: decimal.RequireFromString("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.CreateTransaction(ctx, &pipeline.CommissionTransaction{
		ID: uuid.New(), RowID: rowID, Amount: decimal.RequireFromString("99"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Amount.String() != "10" {
		t.Errorf("second create returned %+v, want the original transaction", second)
	}
}

func TestRulesetForPicksCoveringVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ws, carrier := uuid.New(), uuid.New()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	v1 := &pipeline.Ruleset{ID: uuid.New(), WorkspaceID: ws, CarrierID: carrier, Version: 1, EffectiveFrom: jan, EffectiveTo: jul}
	v2 := &pipeline.Ruleset{ID: uuid.New(), WorkspaceID: ws, CarrierID: carrier, Version: 2, EffectiveFrom: jul}
	if err := m.SaveRuleset(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveRuleset(ctx, v2); err != nil {
		t.Fatal(err)
	}

	got, err := m.RulesetFor(ctx, ws, carrier, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("march ruleset = v%d, want v1", got.Version)
	}
	got, err = m.RulesetFor(ctx, ws, carrier, jul)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("july ruleset = v%d, want v2 (effective_to is exclusive)", got.Version)
	}
	if _, err := m.RulesetFor(ctx, ws, carrier, jan.AddDate(-1, 0, 0)); !errors.Is(err, pipeline.ErrRulesetNotFound) {
		t.Errorf("uncovered date err = %v", err)
	}
}

func TestPayoutSummary(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ws := uuid.New()

	prod, _, err := m.UpsertProducer(ctx, &pipeline.Producer{
		ID: uuid.New(), WorkspaceID: ws, Code: "AG7", DisplayName: "Agent Seven", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	finalized := &pipeline.ImportBatch{ID: uuid.New(), WorkspaceID: ws, PeriodMonth: "2024-03", Status: pipeline.BatchFinalized}
	pending := &pipeline.ImportBatch{ID: uuid.New(), WorkspaceID: ws, PeriodMonth: "2024-03", Status: pipeline.BatchReviewed}
	for _, b := range []*pipeline.ImportBatch{finalized, pending} {
		if err := m.CreateBatch(ctx, b, nil); err != nil {
			t.Fatal(err)
		}
	}

	add := func(batchID, producerID uuid.UUID, amount string) {
		t.Helper()
		if _, err := m.CreateTransaction(ctx, &pipeline.CommissionTransaction{
			ID: uuid.New(), WorkspaceID: ws, BatchID: batchID, RowID: uuid.New(),
			ProducerID: producerID, Amount: decimal.RequireFromString(amount), Currency: "USD",
		}); err != nil {
			t.Fatal(err)
		}
	}
	add(finalized.ID, prod.ID, "10.00")
	add(finalized.ID, prod.ID, "5.50")
	// House-account transaction plus one in a still-unfinalized batch.
	add(finalized.ID, uuid.Nil, "3.00")
	add(pending.ID, prod.ID, "99.00")

	totals, err := m.PayoutSummary(ctx, ws, "2024-03")
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 2 {
		t.Fatalf("totals = %+v", totals)
	}
	byName := map[string]pipeline.ProducerTotal{}
	for _, pt := range totals {
		byName[pt.DisplayName] = pt
	}
	if got := byName["Agent Seven"]; got.Total != "15.50" || got.TxnCount != 2 {
		t.Errorf("Agent Seven = %+v", got)
	}
	if got := byName["House"]; got.Total != "3.00" || got.TxnCount != 1 {
		t.Errorf("House = %+v", got)
	}
}
