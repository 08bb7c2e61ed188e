package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/recon/pipeline"
)

const pgUniqueViolation = "23505"

// Postgres implements pipeline.Store on a pgx pool. Fingerprint claims and
// identity upserts ride on unique constraints, so concurrent workers get
// database-enforced atomicity rather than advisory locking.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ pipeline.Store = (*Postgres)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- mappings ---

func (s *Postgres) GetMapping(ctx context.Context, workspaceID, carrierID uuid.UUID) (*pipeline.ColumnMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT spec FROM recon_mappings
		WHERE workspace_id=$1 AND carrier_id=$2 AND confirmed
		ORDER BY version DESC LIMIT 1`, workspaceID, carrierID)
	return scanMapping(row)
}

func (s *Postgres) GetMappingByID(ctx context.Context, id uuid.UUID) (*pipeline.ColumnMapping, error) {
	row := s.pool.QueryRow(ctx, `SELECT spec FROM recon_mappings WHERE id=$1`, id)
	return scanMapping(row)
}

func scanMapping(row pgx.Row) (*pipeline.ColumnMapping, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrMappingNotFound
		}
		return nil, err
	}
	var m pipeline.ColumnMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return &m, nil
}

func (s *Postgres) SaveMapping(ctx context.Context, m *pipeline.ColumnMapping) error {
	spec, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recon_mappings (id, workspace_id, carrier_id, version, confirmed, spec, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET version=EXCLUDED.version, confirmed=EXCLUDED.confirmed, spec=EXCLUDED.spec`,
		m.ID, m.WorkspaceID, m.CarrierID, m.Version, m.Confirmed, spec, m.CreatedAt)
	return err
}

func (s *Postgres) MappingInUse(ctx context.Context, id uuid.UUID) (bool, error) {
	var used bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recon_batches WHERE mapping_id=$1)`, id).Scan(&used)
	return used, err
}

// --- batches ---

const batchColumns = `id, workspace_id, carrier_id, uploader_id, mapping_id, period_month,
	file_name, file_hash, source_url, status, counts, total_commission::text,
	created_at, reviewed_at, finalized_at, finalized_by, archived_at`

func scanBatch(row pgx.Row) (*pipeline.ImportBatch, error) {
	var (
		b           pipeline.ImportBatch
		countsRaw   []byte
		total       string
		finalizedBy *uuid.UUID
	)
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.CarrierID, &b.UploaderID, &b.MappingID, &b.PeriodMonth,
		&b.FileName, &b.FileHash, &b.SourceURL, &b.Status, &countsRaw, &total,
		&b.CreatedAt, &b.ReviewedAt, &b.FinalizedAt, &finalizedBy, &b.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrBatchNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(countsRaw, &b.Counts); err != nil {
		return nil, fmt.Errorf("decode batch counts: %w", err)
	}
	if b.TotalCommission, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("decode total commission: %w", err)
	}
	if finalizedBy != nil {
		b.FinalizedBy = *finalizedBy
	}
	return &b, nil
}

func (s *Postgres) CreateBatch(ctx context.Context, b *pipeline.ImportBatch, rows []pipeline.ImportRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	counts, err := json.Marshal(b.Counts)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO recon_batches (id, workspace_id, carrier_id, uploader_id, mapping_id, period_month,
			file_name, file_hash, source_url, status, counts, total_commission,
			created_at, reviewed_at, finalized_at, finalized_by, archived_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		b.ID, b.WorkspaceID, b.CarrierID, b.UploaderID, b.MappingID, b.PeriodMonth,
		b.FileName, b.FileHash, b.SourceURL, b.Status, counts, b.TotalCommission.String(),
		b.CreatedAt, b.ReviewedAt, b.FinalizedAt, nullableUUID(b.FinalizedBy), b.ArchivedAt)
	if err != nil {
		return err
	}
	for i := range rows {
		if err := insertRow(ctx, tx, &rows[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func insertRow(ctx context.Context, tx pgx.Tx, r *pipeline.ImportRow) error {
	raw, err := json.Marshal(r.Raw)
	if err != nil {
		return err
	}
	normalized, err := jsonOrNil(r.Normalized)
	if err != nil {
		return err
	}
	flags, err := jsonOrNil(r.QualityFlags)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO recon_rows (id, batch_id, line_number, raw, normalized, fingerprint,
			outcome, error_kind, error_detail, quality_flags,
			policy_id, customer_id, producer_id, transaction_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.BatchID, r.LineNumber, raw, normalized, r.Fingerprint,
		r.Outcome, r.ErrorKind, r.ErrorDetail, flags,
		nullableUUID(r.PolicyID), nullableUUID(r.CustomerID), nullableUUID(r.ProducerID), r.TransactionID)
	return err
}

func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case *pipeline.NormalizedRow:
		if x == nil {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (s *Postgres) GetBatch(ctx context.Context, id uuid.UUID) (*pipeline.ImportBatch, error) {
	return scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM recon_batches WHERE id=$1`, id))
}

func (s *Postgres) ListBatches(ctx context.Context, workspaceID uuid.UUID) ([]pipeline.ImportBatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM recon_batches
		WHERE workspace_id=$1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Postgres) FindBatchByFileHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*pipeline.ImportBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM recon_batches
		WHERE workspace_id=$1 AND file_hash=$2
		ORDER BY created_at DESC LIMIT 1`, workspaceID, hash))
	if errors.Is(err, pipeline.ErrBatchNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *Postgres) UpdateBatchResults(ctx context.Context, b *pipeline.ImportBatch) error {
	counts, err := json.Marshal(b.Counts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE recon_batches SET counts=$2, total_commission=$3, source_url=$4,
			reviewed_at=$5, finalized_at=$6, finalized_by=$7, archived_at=$8
		WHERE id=$1`,
		b.ID, counts, b.TotalCommission.String(), b.SourceURL,
		b.ReviewedAt, b.FinalizedAt, nullableUUID(b.FinalizedBy), b.ArchivedAt)
	return err
}

func (s *Postgres) TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, at time.Time, actorID uuid.UUID) (*pipeline.ImportBatch, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recon_batches SET status=$3,
			reviewed_at  = CASE WHEN $3='reviewed'  THEN $4::timestamptz ELSE reviewed_at END,
			finalized_at = CASE WHEN $3='finalized' THEN $4::timestamptz ELSE finalized_at END,
			finalized_by = CASE WHEN $3='finalized' THEN $5::uuid ELSE finalized_by END,
			archived_at  = CASE WHEN $3='archived'  THEN $4::timestamptz ELSE archived_at END
		WHERE id=$1 AND status=$2`, id, from, to, at, nullableUUID(actorID))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return nil, err
		}
		return nil, pipeline.ErrStaleTransition
	}
	return s.GetBatch(ctx, id)
}

func (s *Postgres) DiscardBatch(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM recon_rows WHERE batch_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM recon_batches WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- rows ---

func (s *Postgres) SaveRows(ctx context.Context, rows []pipeline.ImportRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for i := range rows {
		r := &rows[i]
		normalized, err := jsonOrNil(r.Normalized)
		if err != nil {
			return err
		}
		flags, err := jsonOrNil(r.QualityFlags)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE recon_rows SET normalized=$2, fingerprint=$3, outcome=$4,
				error_kind=$5, error_detail=$6, quality_flags=$7,
				policy_id=$8, customer_id=$9, producer_id=$10, transaction_id=$11
			WHERE id=$1`,
			r.ID, normalized, r.Fingerprint, r.Outcome,
			r.ErrorKind, r.ErrorDetail, flags,
			nullableUUID(r.PolicyID), nullableUUID(r.CustomerID), nullableUUID(r.ProducerID), r.TransactionID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListRows(ctx context.Context, batchID uuid.UUID, outcome string) ([]pipeline.ImportRow, error) {
	q := `SELECT id, batch_id, line_number, raw, normalized, fingerprint, outcome,
		error_kind, error_detail, quality_flags, policy_id, customer_id, producer_id, transaction_id
		FROM recon_rows WHERE batch_id=$1`
	args := []any{batchID}
	if outcome != "" {
		q += ` AND outcome=$2`
		args = append(args, outcome)
	}
	q += ` ORDER BY line_number`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.ImportRow
	for rows.Next() {
		var (
			r          pipeline.ImportRow
			raw        []byte
			normalized []byte
			flags      []byte
			policyID   *uuid.UUID
			customerID *uuid.UUID
			producerID *uuid.UUID
		)
		err := rows.Scan(&r.ID, &r.BatchID, &r.LineNumber, &raw, &normalized, &r.Fingerprint,
			&r.Outcome, &r.ErrorKind, &r.ErrorDetail, &flags,
			&policyID, &customerID, &producerID, &r.TransactionID)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.Raw); err != nil {
			return nil, fmt.Errorf("decode row raw cells: %w", err)
		}
		if normalized != nil {
			r.Normalized = &pipeline.NormalizedRow{}
			if err := json.Unmarshal(normalized, r.Normalized); err != nil {
				return nil, fmt.Errorf("decode normalized row: %w", err)
			}
		}
		if flags != nil {
			if err := json.Unmarshal(flags, &r.QualityFlags); err != nil {
				return nil, fmt.Errorf("decode quality flags: %w", err)
			}
		}
		if policyID != nil {
			r.PolicyID = *policyID
		}
		if customerID != nil {
			r.CustomerID = *customerID
		}
		if producerID != nil {
			r.ProducerID = *producerID
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- fingerprints ---

func (s *Postgres) ClaimFingerprint(ctx context.Context, workspaceID uuid.UUID, fingerprint string, rowID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recon_fingerprints (workspace_id, fingerprint, row_id, batch_id)
		SELECT $1, $2, $3, batch_id FROM recon_rows WHERE id=$3`,
		workspaceID, fingerprint, rowID)
	if isUniqueViolation(err) {
		var owner uuid.UUID
		lookupErr := s.pool.QueryRow(ctx, `
			SELECT row_id FROM recon_fingerprints WHERE workspace_id=$1 AND fingerprint=$2`,
			workspaceID, fingerprint).Scan(&owner)
		if lookupErr == nil && owner == rowID {
			return nil
		}
		return pipeline.ErrDuplicateFingerprint
	}
	return err
}

func (s *Postgres) ReleaseFingerprints(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recon_fingerprints WHERE batch_id=$1`, batchID)
	return err
}

// --- identities ---

func (s *Postgres) UpsertPolicy(ctx context.Context, p *pipeline.Policy) (*pipeline.Policy, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recon_policies (id, workspace_id, carrier_id, customer_id, policy_number, lob, effective, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, upper(policy_number)) DO NOTHING`,
		p.ID, p.WorkspaceID, p.CarrierID, p.CustomerID, p.PolicyNumber, p.LOB, nullableTime(p.Effective), p.Status, p.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		cp := *p
		return &cp, true, nil
	}
	existing, err := s.FindPolicy(ctx, p.WorkspaceID, p.PolicyNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Postgres) FindPolicy(ctx context.Context, workspaceID uuid.UUID, policyNumber string) (*pipeline.Policy, error) {
	var (
		p         pipeline.Policy
		effective *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, carrier_id, customer_id, policy_number, lob, effective, status, created_at
		FROM recon_policies WHERE workspace_id=$1 AND upper(policy_number)=upper($2)`,
		workspaceID, policyNumber).
		Scan(&p.ID, &p.WorkspaceID, &p.CarrierID, &p.CustomerID, &p.PolicyNumber, &p.LOB, &effective, &p.Status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if effective != nil {
		p.Effective = *effective
	}
	return &p, nil
}

func (s *Postgres) FindCustomersByName(ctx context.Context, workspaceID uuid.UUID, name string) ([]pipeline.Customer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, name, active, created_at FROM recon_customers
		WHERE workspace_id=$1 AND lower(name)=lower($2) ORDER BY created_at`,
		workspaceID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Customer
	for rows.Next() {
		var c pipeline.Customer
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertCustomer(ctx context.Context, c *pipeline.Customer) (*pipeline.Customer, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recon_customers (id, workspace_id, name, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (workspace_id, lower(name)) DO NOTHING`,
		c.ID, c.WorkspaceID, c.Name, c.Active, c.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		cp := *c
		return &cp, true, nil
	}
	existing, err := s.FindCustomersByName(ctx, c.WorkspaceID, c.Name)
	if err != nil {
		return nil, false, err
	}
	if len(existing) == 0 {
		return nil, false, fmt.Errorf("customer upsert lost record %q", c.Name)
	}
	return &existing[0], false, nil
}

func (s *Postgres) UpsertProducer(ctx context.Context, p *pipeline.Producer) (*pipeline.Producer, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recon_producers (id, workspace_id, code, display_name, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (workspace_id, upper(code)) DO NOTHING`,
		p.ID, p.WorkspaceID, p.Code, p.DisplayName, p.Active, p.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		cp := *p
		return &cp, true, nil
	}
	var existing pipeline.Producer
	err = s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, code, display_name, active, created_at
		FROM recon_producers WHERE workspace_id=$1 AND upper(code)=upper($2)`,
		p.WorkspaceID, p.Code).
		Scan(&existing.ID, &existing.WorkspaceID, &existing.Code, &existing.DisplayName, &existing.Active, &existing.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *Postgres) GetProducer(ctx context.Context, id uuid.UUID) (*pipeline.Producer, error) {
	var p pipeline.Producer
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, code, display_name, active, created_at
		FROM recon_producers WHERE id=$1`, id).
		Scan(&p.ID, &p.WorkspaceID, &p.Code, &p.DisplayName, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) ActiveProducerFor(ctx context.Context, policyID uuid.UUID, asOf time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT producer_id FROM recon_producer_assignments
		WHERE policy_id=$1 AND effective_from<=$2
		ORDER BY effective_from DESC LIMIT 1`, policyID, asOf).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

func (s *Postgres) AssignProducer(ctx context.Context, a pipeline.ProducerAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recon_producer_assignments (policy_id, producer_id, effective_from)
		VALUES ($1,$2,$3)`, a.PolicyID, a.ProducerID, a.EffectiveFrom)
	return err
}

// --- rulesets ---

func (s *Postgres) RulesetFor(ctx context.Context, workspaceID, carrierID uuid.UUID, txnDate time.Time) (*pipeline.Ruleset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT spec FROM recon_rulesets
		WHERE workspace_id=$1 AND carrier_id=$2
			AND effective_from<=$3
			AND (effective_to IS NULL OR effective_to>$3)
		ORDER BY version DESC LIMIT 1`, workspaceID, carrierID, txnDate)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrRulesetNotFound
		}
		return nil, err
	}
	var rs pipeline.Ruleset
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	return &rs, nil
}

func (s *Postgres) SaveRuleset(ctx context.Context, rs *pipeline.Ruleset) error {
	spec, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recon_rulesets (id, workspace_id, carrier_id, version, effective_from, effective_to, spec)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET effective_to=EXCLUDED.effective_to, spec=EXCLUDED.spec`,
		rs.ID, rs.WorkspaceID, rs.CarrierID, rs.Version, rs.EffectiveFrom, nullableTime(rs.EffectiveTo), spec)
	return err
}

func (s *Postgres) ListRulesets(ctx context.Context, workspaceID, carrierID uuid.UUID) ([]pipeline.Ruleset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT spec FROM recon_rulesets
		WHERE workspace_id=$1 AND carrier_id=$2 ORDER BY version`, workspaceID, carrierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Ruleset
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rs pipeline.Ruleset
		if err := json.Unmarshal(raw, &rs); err != nil {
			return nil, fmt.Errorf("decode ruleset: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// --- transactions ---

const txnColumns = `id, workspace_id, batch_id, row_id, policy_id, customer_id, producer_id,
	rule_id, basis, amount::text, currency, reversal_of, computed_at`

func scanTxn(row pgx.Row) (*pipeline.CommissionTransaction, error) {
	var (
		t          pipeline.CommissionTransaction
		amount     string
		rowID      *uuid.UUID
		producerID *uuid.UUID
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.BatchID, &rowID, &t.PolicyID, &t.CustomerID, &producerID,
		&t.RuleID, &t.Basis, &amount, &t.Currency, &t.ReversalOf, &t.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrTransactionNotFound
		}
		return nil, err
	}
	if rowID != nil {
		t.RowID = *rowID
	}
	if producerID != nil {
		t.ProducerID = *producerID
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode transaction amount: %w", err)
	}
	return &t, nil
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *pipeline.CommissionTransaction) (*pipeline.CommissionTransaction, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recon_transactions (id, workspace_id, batch_id, row_id, policy_id, customer_id, producer_id,
			rule_id, basis, amount, currency, reversal_of, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (row_id) WHERE reversal_of IS NULL DO NOTHING`,
		t.ID, t.WorkspaceID, t.BatchID, nullableUUID(t.RowID), t.PolicyID, t.CustomerID, nullableUUID(t.ProducerID),
		t.RuleID, t.Basis, t.Amount.String(), t.Currency, t.ReversalOf, t.ComputedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		cp := *t
		return &cp, nil
	}
	return scanTxn(s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM recon_transactions WHERE row_id=$1 AND reversal_of IS NULL`, t.RowID))
}

func (s *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*pipeline.CommissionTransaction, error) {
	return scanTxn(s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM recon_transactions WHERE id=$1`, id))
}

func (s *Postgres) ListTransactionsByBatch(ctx context.Context, batchID uuid.UUID) ([]pipeline.CommissionTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txnColumns+` FROM recon_transactions
		WHERE batch_id=$1 ORDER BY computed_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.CommissionTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendTransaction(ctx context.Context, t *pipeline.CommissionTransaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recon_transactions (id, workspace_id, batch_id, row_id, policy_id, customer_id, producer_id,
			rule_id, basis, amount, currency, reversal_of, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.WorkspaceID, t.BatchID, nullableUUID(t.RowID), t.PolicyID, t.CustomerID, nullableUUID(t.ProducerID),
		t.RuleID, t.Basis, t.Amount.String(), t.Currency, t.ReversalOf, t.ComputedAt)
	return err
}

// --- payout ---

func (s *Postgres) PayoutSummary(ctx context.Context, workspaceID uuid.UUID, period string) ([]pipeline.ProducerTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.producer_id, COALESCE(p.display_name, 'House'), COUNT(*), SUM(t.amount)::text, MIN(t.currency)
		FROM recon_transactions t
		JOIN recon_batches b ON b.id=t.batch_id
		LEFT JOIN recon_producers p ON p.id=t.producer_id
		WHERE t.workspace_id=$1 AND b.period_month=$2 AND b.status IN ('finalized','archived')
		GROUP BY t.producer_id, p.display_name
		ORDER BY 2`, workspaceID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.ProducerTotal
	for rows.Next() {
		var (
			pt         pipeline.ProducerTotal
			producerID *uuid.UUID
			total      string
		)
		if err := rows.Scan(&producerID, &pt.DisplayName, &pt.TxnCount, &total, &pt.Currency); err != nil {
			return nil, err
		}
		if producerID != nil {
			pt.ProducerID = *producerID
		}
		d, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("decode payout total: %w", err)
		}
		pt.Total = d.StringFixed(2)
		out = append(out, pt)
	}
	return out, rows.Err()
}

// --- audit ---

func (s *Postgres) AppendAudit(ctx context.Context, e pipeline.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recon_audit (id, workspace_id, actor_id, action, entity, entity_id, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.WorkspaceID, e.ActorID, e.Action, e.Entity, e.EntityID, e.Detail, e.At)
	return err
}
