package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/recon/pipeline"
	"CommitrakCRM/api/recon/store"
)

func normalized(policy, insured, agent, txnType string) *pipeline.NormalizedRow {
	return &pipeline.NormalizedRow{
		PolicyNumber:    policy,
		InsuredName:     insured,
		ProducerCode:    agent,
		TxnType:         txnType,
		TxnDate:         time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Premium:         decimal.RequireFromString("1000"),
		GrossCommission: decimal.RequireFromString("100"),
		Currency:        "USD",
	}
}

func TestResolveIdentitiesCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ws, carrier := uuid.New(), uuid.New()
	now := time.Now().UTC()

	first, err := pipeline.ResolveIdentities(ctx, mem, ws, carrier, normalized("POL-1", "Acme Corp", "AG7", pipeline.TxnNew), now)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Policy == nil || first.Customer == nil || first.ProducerID == uuid.Nil {
		t.Fatalf("incomplete resolution: %+v", first)
	}
	if len(first.Flags) != 0 {
		t.Errorf("new-business row flagged: %v", first.Flags)
	}

	// Same policy, differently-spelled insured: the policy's stored customer
	// link is authoritative.
	second, err := pipeline.ResolveIdentities(ctx, mem, ws, carrier, normalized("pol-1", "ACME CORPORATION", "AG7", pipeline.TxnRenewal), now)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Policy.ID != first.Policy.ID {
		t.Error("policy was not reused")
	}
	if second.CustomerID() != first.CustomerID() {
		t.Error("customer link changed across rows of one policy")
	}
	if second.ProducerID != first.ProducerID {
		t.Error("producer was not reused by code")
	}
}

func TestResolveIdentitiesImplicitPolicyFlag(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	res, err := pipeline.ResolveIdentities(ctx, mem, uuid.New(), uuid.New(),
		normalized("POL-9", "Acme", "AG7", pipeline.TxnRenewal), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fl := range res.Flags {
		if fl == pipeline.FlagImplicitPolicy {
			found = true
		}
	}
	if !found {
		t.Errorf("renewal creating its policy should be flagged; got %v", res.Flags)
	}
}

func TestResolveIdentitiesHouseAccount(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	res, err := pipeline.ResolveIdentities(ctx, mem, uuid.New(), uuid.New(),
		normalized("POL-1", "Acme", "", pipeline.TxnNew), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if res.ProducerID != uuid.Nil {
		t.Errorf("row without producer code credited %s, want house account", res.ProducerID)
	}
}

func TestResolveIdentitiesAnonymousInsured(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	res, err := pipeline.ResolveIdentities(ctx, mem, uuid.New(), uuid.New(),
		normalized("POL-7", "", "AG7", pipeline.TxnNew), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if res.Customer == nil || res.Customer.Name != "Policyholder POL-7" {
		t.Errorf("customer = %+v, want placeholder keyed to the policy", res.Customer)
	}
}

func TestResolveIdentitiesAssignsKnownProducerToNewPolicy(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ws, carrier := uuid.New(), uuid.New()
	now := time.Now().UTC()

	// AG7 enters the workspace servicing POL-1.
	first, err := pipeline.ResolveIdentities(ctx, mem, ws, carrier, normalized("POL-1", "Acme", "AG7", pipeline.TxnNew), now)
	if err != nil {
		t.Fatal(err)
	}
	// A second policy explicitly credits the same, already-known producer.
	second, err := pipeline.ResolveIdentities(ctx, mem, ws, carrier, normalized("POL-2", "Beta", "AG7", pipeline.TxnNew), now)
	if err != nil {
		t.Fatal(err)
	}
	if second.ProducerID != first.ProducerID {
		t.Fatalf("producer not reused: %s vs %s", second.ProducerID, first.ProducerID)
	}

	// A later POL-2 row without a producer code resolves through the policy's
	// active association, not the house account.
	later, err := pipeline.ResolveIdentities(ctx, mem, ws, carrier, normalized("POL-2", "Beta", "", pipeline.TxnEndorsement), now)
	if err != nil {
		t.Fatal(err)
	}
	if later.ProducerID != first.ProducerID {
		t.Errorf("codeless row credited %s, want %s", later.ProducerID, first.ProducerID)
	}
}

// ambiguousStore simulates a workspace where one insured name already matches
// several customer records.
type ambiguousStore struct {
	pipeline.Store
}

func (s *ambiguousStore) FindCustomersByName(ctx context.Context, workspaceID uuid.UUID, name string) ([]pipeline.Customer, error) {
	return []pipeline.Customer{
		{ID: uuid.New(), WorkspaceID: workspaceID, Name: name},
		{ID: uuid.New(), WorkspaceID: workspaceID, Name: name},
	}, nil
}

func TestResolveIdentitiesConflictNeverGuesses(t *testing.T) {
	ctx := context.Background()
	st := &ambiguousStore{Store: store.NewMemory()}
	_, err := pipeline.ResolveIdentities(ctx, st, uuid.New(), uuid.New(),
		normalized("POL-1", "Acme Corp", "AG7", pipeline.TxnNew), time.Now().UTC())
	var conflict *pipeline.ResolutionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ResolutionConflictError", err)
	}
	if conflict.Count != 2 || conflict.Name != "Acme Corp" {
		t.Errorf("conflict = %+v", conflict)
	}
}
