package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolutionConflictError means a row referenced an entity that matches more
// than one existing record and the pipeline refuses to guess.
type ResolutionConflictError struct {
	Name  string
	Count int
}

func (e *ResolutionConflictError) Error() string {
	return fmt.Sprintf("insured name %q matches %d existing customers", e.Name, e.Count)
}

// Resolution is the identity linkage for one matched row. Customer is set
// only when the row resolved one itself; for pre-existing policies the
// policy's stored customer link is authoritative even when the statement
// spells the insured name differently.
type Resolution struct {
	Policy     *Policy
	Customer   *Customer
	ProducerID uuid.UUID // uuid.Nil when the row credits the house account
	Flags      []string
}

// CustomerID returns the customer the row books against.
func (r *Resolution) CustomerID() uuid.UUID {
	if r.Customer != nil {
		return r.Customer.ID
	}
	return r.Policy.CustomerID
}

// ResolveIdentities links a normalized row to customer, policy and producer
// records, creating missing ones through atomic upserts. Two rows racing on
// the same new policy number converge on one record; ambiguity over which
// existing customer a row means is surfaced as a conflict, never guessed.
func ResolveIdentities(ctx context.Context, store Store, workspaceID, carrierID uuid.UUID, n *NormalizedRow, now time.Time) (*Resolution, error) {
	res := &Resolution{}

	pol, err := store.FindPolicy(ctx, workspaceID, n.PolicyNumber)
	if err != nil {
		return nil, fmt.Errorf("lookup policy %s: %w", n.PolicyNumber, err)
	}

	if pol == nil {
		cust, err := resolveCustomer(ctx, store, workspaceID, n, now)
		if err != nil {
			return nil, err
		}
		res.Customer = cust

		candidate := &Policy{
			ID:           uuid.New(),
			WorkspaceID:  workspaceID,
			CarrierID:    carrierID,
			CustomerID:   cust.ID,
			PolicyNumber: n.PolicyNumber,
			LOB:          n.LOB,
			Effective:    n.EffectiveDate,
			Status:       "active",
			CreatedAt:    now,
		}
		stored, created, err := store.UpsertPolicy(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("upsert policy %s: %w", n.PolicyNumber, err)
		}
		pol = stored
		if created && n.TxnType != TxnNew {
			// A renewal or endorsement referencing a policy we have never
			// seen: the book of business predates the workspace. Create it
			// anyway but flag the row so reviewers can backfill inception.
			res.Flags = append(res.Flags, FlagImplicitPolicy)
		}
	}
	res.Policy = pol

	producerID, err := resolveProducer(ctx, store, workspaceID, pol, n, now)
	if err != nil {
		return nil, err
	}
	res.ProducerID = producerID
	return res, nil
}

func resolveCustomer(ctx context.Context, store Store, workspaceID uuid.UUID, n *NormalizedRow, now time.Time) (*Customer, error) {
	name := n.InsuredName
	if name == "" {
		// Statements without an insured column still produce a bookable
		// customer record keyed to the policy number.
		name = "Policyholder " + n.PolicyNumber
	}
	existing, err := store.FindCustomersByName(ctx, workspaceID, name)
	if err != nil {
		return nil, fmt.Errorf("lookup customer %q: %w", name, err)
	}
	switch len(existing) {
	case 0:
		cust, _, err := store.UpsertCustomer(ctx, &Customer{
			ID:          uuid.New(),
			WorkspaceID: workspaceID,
			Name:        name,
			Active:      true,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert customer %q: %w", name, err)
		}
		return cust, nil
	case 1:
		c := existing[0]
		return &c, nil
	default:
		return nil, &ResolutionConflictError{Name: name, Count: len(existing)}
	}
}

func resolveProducer(ctx context.Context, store Store, workspaceID uuid.UUID, pol *Policy, n *NormalizedRow, now time.Time) (uuid.UUID, error) {
	if n.ProducerCode != "" {
		prod, _, err := store.UpsertProducer(ctx, &Producer{
			ID:          uuid.New(),
			WorkspaceID: workspaceID,
			Code:        n.ProducerCode,
			DisplayName: n.ProducerCode,
			Active:      true,
			CreatedAt:   now,
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("upsert producer %s: %w", n.ProducerCode, err)
		}
		current, err := store.ActiveProducerFor(ctx, pol.ID, n.TxnDate)
		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup producer assignment: %w", err)
		}
		if current != prod.ID {
			// First explicit credit for this policy, or a reassignment. Either
			// way the servicing producer is recorded as a new effective-dated
			// association so later rows without a code resolve to it.
			if err := store.AssignProducer(ctx, ProducerAssignment{
				PolicyID:      pol.ID,
				ProducerID:    prod.ID,
				EffectiveFrom: n.TxnDate,
			}); err != nil {
				return uuid.Nil, fmt.Errorf("assign producer %s: %w", n.ProducerCode, err)
			}
		}
		return prod.ID, nil
	}
	id, err := store.ActiveProducerFor(ctx, pol.ID, n.TxnDate)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup producer assignment: %w", err)
	}
	return id, nil
}
