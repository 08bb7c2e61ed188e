package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/recon/pipeline"
)

type wsCarrierKey struct {
	workspace uuid.UUID
	carrier   uuid.UUID
}

type fpKey struct {
	workspace   uuid.UUID
	fingerprint string
}

type fpClaim struct {
	rowID   uuid.UUID
	batchID uuid.UUID
}

// Memory is a process-local Store used by tests and single-node deployments.
// One mutex guards everything; the atomicity the pipeline relies on for
// fingerprint claims and identity upserts falls out of that.
type Memory struct {
	mu sync.Mutex

	mappings  map[uuid.UUID]pipeline.ColumnMapping
	confirmed map[wsCarrierKey]uuid.UUID

	batches map[uuid.UUID]pipeline.ImportBatch
	rows    map[uuid.UUID][]pipeline.ImportRow
	byHash  map[wsCarrierKey]map[string]uuid.UUID

	fingerprints map[fpKey]fpClaim

	policies     map[uuid.UUID]pipeline.Policy
	policyByNum  map[wsCarrierKey]map[string]uuid.UUID
	customers    map[uuid.UUID]pipeline.Customer
	producers    map[uuid.UUID]pipeline.Producer
	producerCode map[wsCarrierKey]map[string]uuid.UUID
	assignments  map[uuid.UUID][]pipeline.ProducerAssignment

	rulesets map[uuid.UUID]pipeline.Ruleset

	txns     map[uuid.UUID]pipeline.CommissionTransaction
	txnByRow map[uuid.UUID]uuid.UUID

	audits []pipeline.AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mappings:     map[uuid.UUID]pipeline.ColumnMapping{},
		confirmed:    map[wsCarrierKey]uuid.UUID{},
		batches:      map[uuid.UUID]pipeline.ImportBatch{},
		rows:         map[uuid.UUID][]pipeline.ImportRow{},
		byHash:       map[wsCarrierKey]map[string]uuid.UUID{},
		fingerprints: map[fpKey]fpClaim{},
		policies:     map[uuid.UUID]pipeline.Policy{},
		policyByNum:  map[wsCarrierKey]map[string]uuid.UUID{},
		customers:    map[uuid.UUID]pipeline.Customer{},
		producers:    map[uuid.UUID]pipeline.Producer{},
		producerCode: map[wsCarrierKey]map[string]uuid.UUID{},
		assignments:  map[uuid.UUID][]pipeline.ProducerAssignment{},
		rulesets:     map[uuid.UUID]pipeline.Ruleset{},
		txns:         map[uuid.UUID]pipeline.CommissionTransaction{},
		txnByRow:     map[uuid.UUID]uuid.UUID{},
	}
}

var _ pipeline.Store = (*Memory)(nil)

func wsOnly(workspace uuid.UUID) wsCarrierKey {
	return wsCarrierKey{workspace: workspace}
}

func policyKey(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

// --- mappings ---

func (m *Memory) GetMapping(ctx context.Context, workspaceID, carrierID uuid.UUID) (*pipeline.ColumnMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.confirmed[wsCarrierKey{workspaceID, carrierID}]
	if !ok {
		return nil, pipeline.ErrMappingNotFound
	}
	cp := m.mappings[id]
	return &cp, nil
}

func (m *Memory) GetMappingByID(ctx context.Context, id uuid.UUID) (*pipeline.ColumnMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.mappings[id]
	if !ok {
		return nil, pipeline.ErrMappingNotFound
	}
	return &cp, nil
}

func (m *Memory) SaveMapping(ctx context.Context, cm *pipeline.ColumnMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[cm.ID] = *cm
	if cm.Confirmed {
		m.confirmed[wsCarrierKey{cm.WorkspaceID, cm.CarrierID}] = cm.ID
	}
	return nil
}

func (m *Memory) MappingInUse(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.MappingID == id {
			return true, nil
		}
	}
	return false, nil
}

// --- batches ---

func (m *Memory) CreateBatch(ctx context.Context, b *pipeline.ImportBatch, rows []pipeline.ImportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = *b
	m.rows[b.ID] = append([]pipeline.ImportRow(nil), rows...)
	if b.FileHash != "" {
		key := wsOnly(b.WorkspaceID)
		if m.byHash[key] == nil {
			m.byHash[key] = map[string]uuid.UUID{}
		}
		m.byHash[key][b.FileHash] = b.ID
	}
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, id uuid.UUID) (*pipeline.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, pipeline.ErrBatchNotFound
	}
	return &b, nil
}

func (m *Memory) ListBatches(ctx context.Context, workspaceID uuid.UUID) ([]pipeline.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.ImportBatch
	for _, b := range m.batches {
		if b.WorkspaceID == workspaceID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindBatchByFileHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*pipeline.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[wsOnly(workspaceID)][hash]
	if !ok {
		return nil, nil
	}
	b := m.batches[id]
	return &b, nil
}

func (m *Memory) UpdateBatchResults(ctx context.Context, b *pipeline.ImportBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return pipeline.ErrBatchNotFound
	}
	cur.Counts = b.Counts
	cur.TotalCommission = b.TotalCommission
	cur.SourceURL = b.SourceURL
	cur.ReviewedAt = b.ReviewedAt
	cur.FinalizedAt = b.FinalizedAt
	cur.FinalizedBy = b.FinalizedBy
	cur.ArchivedAt = b.ArchivedAt
	m.batches[b.ID] = cur
	return nil
}

func (m *Memory) TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, at time.Time, actorID uuid.UUID) (*pipeline.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, pipeline.ErrBatchNotFound
	}
	if b.Status != from {
		return nil, pipeline.ErrStaleTransition
	}
	b.Status = to
	stamp := at
	switch to {
	case pipeline.BatchReviewed:
		b.ReviewedAt = &stamp
	case pipeline.BatchFinalized:
		b.FinalizedAt = &stamp
		b.FinalizedBy = actorID
	case pipeline.BatchArchived:
		b.ArchivedAt = &stamp
	}
	m.batches[id] = b
	return &b, nil
}

func (m *Memory) DiscardBatch(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return pipeline.ErrBatchNotFound
	}
	if b.FileHash != "" {
		delete(m.byHash[wsOnly(b.WorkspaceID)], b.FileHash)
	}
	delete(m.rows, id)
	delete(m.batches, id)
	return nil
}

// --- rows ---

func (m *Memory) SaveRows(ctx context.Context, rows []pipeline.ImportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		stored := m.rows[r.BatchID]
		for i := range stored {
			if stored[i].ID == r.ID {
				stored[i] = r
				break
			}
		}
	}
	return nil
}

func (m *Memory) ListRows(ctx context.Context, batchID uuid.UUID, outcome string) ([]pipeline.ImportRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.ImportRow
	for _, r := range m.rows[batchID] {
		if outcome == "" || r.Outcome == outcome {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

// --- fingerprints ---

func (m *Memory) ClaimFingerprint(ctx context.Context, workspaceID uuid.UUID, fingerprint string, rowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fpKey{workspaceID, fingerprint}
	if claim, ok := m.fingerprints[key]; ok {
		if claim.rowID == rowID {
			return nil
		}
		return pipeline.ErrDuplicateFingerprint
	}
	var batchID uuid.UUID
	for bid, rows := range m.rows {
		for i := range rows {
			if rows[i].ID == rowID {
				batchID = bid
			}
		}
	}
	m.fingerprints[key] = fpClaim{rowID: rowID, batchID: batchID}
	return nil
}

func (m *Memory) ReleaseFingerprints(ctx context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, claim := range m.fingerprints {
		if claim.batchID == batchID {
			delete(m.fingerprints, key)
		}
	}
	return nil
}

// --- identities ---

func (m *Memory) UpsertPolicy(ctx context.Context, p *pipeline.Policy) (*pipeline.Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := wsOnly(p.WorkspaceID)
	num := policyKey(p.PolicyNumber)
	if m.policyByNum[key] == nil {
		m.policyByNum[key] = map[string]uuid.UUID{}
	}
	if id, ok := m.policyByNum[key][num]; ok {
		existing := m.policies[id]
		return &existing, false, nil
	}
	m.policies[p.ID] = *p
	m.policyByNum[key][num] = p.ID
	cp := *p
	return &cp, true, nil
}

func (m *Memory) FindPolicy(ctx context.Context, workspaceID uuid.UUID, policyNumber string) (*pipeline.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.policyByNum[wsOnly(workspaceID)][policyKey(policyNumber)]
	if !ok {
		return nil, nil
	}
	p := m.policies[id]
	return &p, nil
}

func (m *Memory) FindCustomersByName(ctx context.Context, workspaceID uuid.UUID, name string) ([]pipeline.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.ToLower(strings.TrimSpace(name))
	var out []pipeline.Customer
	for _, c := range m.customers {
		if c.WorkspaceID == workspaceID && strings.ToLower(c.Name) == want {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpsertCustomer(ctx context.Context, c *pipeline.Customer) (*pipeline.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.ToLower(strings.TrimSpace(c.Name))
	for _, existing := range m.customers {
		if existing.WorkspaceID == c.WorkspaceID && strings.ToLower(existing.Name) == want {
			cp := existing
			return &cp, false, nil
		}
	}
	m.customers[c.ID] = *c
	cp := *c
	return &cp, true, nil
}

func (m *Memory) UpsertProducer(ctx context.Context, p *pipeline.Producer) (*pipeline.Producer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := wsOnly(p.WorkspaceID)
	code := strings.ToUpper(strings.TrimSpace(p.Code))
	if m.producerCode[key] == nil {
		m.producerCode[key] = map[string]uuid.UUID{}
	}
	if id, ok := m.producerCode[key][code]; ok {
		existing := m.producers[id]
		return &existing, false, nil
	}
	m.producers[p.ID] = *p
	m.producerCode[key][code] = p.ID
	cp := *p
	return &cp, true, nil
}

func (m *Memory) GetProducer(ctx context.Context, id uuid.UUID) (*pipeline.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.producers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ActiveProducerFor(ctx context.Context, policyID uuid.UUID, asOf time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best      uuid.UUID
		bestSince time.Time
		found     bool
	)
	for _, a := range m.assignments[policyID] {
		if a.EffectiveFrom.After(asOf) {
			continue
		}
		if !found || a.EffectiveFrom.After(bestSince) {
			best, bestSince, found = a.ProducerID, a.EffectiveFrom, true
		}
	}
	if !found {
		return uuid.Nil, nil
	}
	return best, nil
}

func (m *Memory) AssignProducer(ctx context.Context, a pipeline.ProducerAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.PolicyID] = append(m.assignments[a.PolicyID], a)
	return nil
}

// --- rulesets ---

func (m *Memory) RulesetFor(ctx context.Context, workspaceID, carrierID uuid.UUID, txnDate time.Time) (*pipeline.Ruleset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *pipeline.Ruleset
	for id := range m.rulesets {
		rs := m.rulesets[id]
		if rs.WorkspaceID != workspaceID || rs.CarrierID != carrierID || !rs.Covers(txnDate) {
			continue
		}
		if best == nil || rs.Version > best.Version {
			cp := rs
			best = &cp
		}
	}
	if best == nil {
		return nil, pipeline.ErrRulesetNotFound
	}
	return best, nil
}

func (m *Memory) SaveRuleset(ctx context.Context, rs *pipeline.Ruleset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rulesets[rs.ID] = *rs
	return nil
}

func (m *Memory) ListRulesets(ctx context.Context, workspaceID, carrierID uuid.UUID) ([]pipeline.Ruleset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.Ruleset
	for _, rs := range m.rulesets {
		if rs.WorkspaceID == workspaceID && rs.CarrierID == carrierID {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- transactions ---

func (m *Memory) CreateTransaction(ctx context.Context, t *pipeline.CommissionTransaction) (*pipeline.CommissionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.txnByRow[t.RowID]; ok {
		existing := m.txns[id]
		return &existing, nil
	}
	m.txns[t.ID] = *t
	m.txnByRow[t.RowID] = t.ID
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTransaction(ctx context.Context, id uuid.UUID) (*pipeline.CommissionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, pipeline.ErrTransactionNotFound
	}
	return &t, nil
}

func (m *Memory) ListTransactionsByBatch(ctx context.Context, batchID uuid.UUID) ([]pipeline.CommissionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.CommissionTransaction
	for _, t := range m.txns {
		if t.BatchID == batchID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

func (m *Memory) AppendTransaction(ctx context.Context, t *pipeline.CommissionTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = *t
	return nil
}

// --- payout ---

func (m *Memory) PayoutSummary(ctx context.Context, workspaceID uuid.UUID, period string) ([]pipeline.ProducerTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type agg struct {
		count    int
		total    decimal.Decimal
		currency string
	}
	sums := map[uuid.UUID]*agg{}
	for _, t := range m.txns {
		if t.WorkspaceID != workspaceID {
			continue
		}
		b, ok := m.batches[t.BatchID]
		if !ok || b.PeriodMonth != period {
			continue
		}
		if b.Status != pipeline.BatchFinalized && b.Status != pipeline.BatchArchived {
			continue
		}
		a := sums[t.ProducerID]
		if a == nil {
			a = &agg{currency: t.Currency}
			sums[t.ProducerID] = a
		}
		a.count++
		a.total = a.total.Add(t.Amount)
	}
	var out []pipeline.ProducerTotal
	for pid, a := range sums {
		name := "House"
		if p, ok := m.producers[pid]; ok {
			name = p.DisplayName
		}
		out = append(out, pipeline.ProducerTotal{
			ProducerID:  pid,
			DisplayName: name,
			TxnCount:    a.count,
			Total:       a.total.StringFixed(2),
			Currency:    a.currency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

// --- audit ---

func (m *Memory) AppendAudit(ctx context.Context, e pipeline.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

// Audits returns the recorded audit trail, for tests and dev tooling.
func (m *Memory) Audits() []pipeline.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.AuditEntry(nil), m.audits...)
}
