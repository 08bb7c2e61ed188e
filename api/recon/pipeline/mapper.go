package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fieldAliases maps lowercased header names seen in real carrier exports to
// canonical fields. Matching is case-insensitive and whitespace-collapsed.
var fieldAliases = map[string]string{
	"policy number":   FieldPolicyNumber,
	"policy no":       FieldPolicyNumber,
	"policy no.":      FieldPolicyNumber,
	"policy #":        FieldPolicyNumber,
	"policy":          FieldPolicyNumber,
	"pol num":         FieldPolicyNumber,
	"contract number": FieldPolicyNumber,

	"insured name":  FieldInsuredName,
	"insured":       FieldInsuredName,
	"customer name": FieldInsuredName,
	"client name":   FieldInsuredName,
	"name":          FieldInsuredName,

	"producer":      FieldProducerCode,
	"producer code": FieldProducerCode,
	"agent":         FieldProducerCode,
	"agent code":    FieldProducerCode,
	"agent id":      FieldProducerCode,
	"writing agent": FieldProducerCode,

	"lob":              FieldLOB,
	"line of business": FieldLOB,
	"line":             FieldLOB,
	"product":          FieldLOB,
	"product type":     FieldLOB,

	"transaction type": FieldTxnType,
	"txn type":         FieldTxnType,
	"trans type":       FieldTxnType,
	"type":             FieldTxnType,

	"transaction date": FieldTxnDate,
	"txn date":         FieldTxnDate,
	"trans date":       FieldTxnDate,
	"statement date":   FieldTxnDate,
	"date":             FieldTxnDate,

	"effective date": FieldEffectiveDate,
	"eff date":       FieldEffectiveDate,
	"effective":      FieldEffectiveDate,

	"premium":         FieldPremium,
	"premium amount":  FieldPremium,
	"written premium": FieldPremium,
	"gross premium":   FieldPremium,

	"gross commission":  FieldGrossCommission,
	"commission":        FieldGrossCommission,
	"commission amount": FieldGrossCommission,
	"comm amt":          FieldGrossCommission,

	"currency":      FieldCurrency,
	"currency code": FieldCurrency,
	"ccy":           FieldCurrency,

	"carrier":      FieldCarrier,
	"carrier name": FieldCarrier,
	"company":      FieldCarrier,
}

// normalizeHeader trims, strips non-breaking spaces and collapses whitespace
// before alias lookup.
func normalizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.TrimSpace(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CanonicalFieldFor resolves one header against the alias table, or "".
func CanonicalFieldFor(header string) string {
	return fieldAliases[normalizeHeader(header)]
}

// InferMapping builds an unconfirmed ColumnMapping from a sample header row.
// Inference alone never persists anything durable: the caller must route the
// result through an explicit confirmation step before reuse across uploads.
func InferMapping(workspaceID, carrierID uuid.UUID, header []string, now time.Time) *ColumnMapping {
	m := &ColumnMapping{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		CarrierID:   carrierID,
		Version:     1,
		Confirmed:   false,
		DayFirst:    false,
		CreatedAt:   now,
	}
	seen := map[string]bool{}
	for _, h := range header {
		field := CanonicalFieldFor(h)
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		m.Columns = append(m.Columns, ColumnRule{Source: h, Field: field})
	}
	return m
}

// HasCarrierColumn reports whether the header carries a carrier column,
// meaning the file is a combined multi-carrier export that must be split
// into per-carrier batches before mapping applies.
func HasCarrierColumn(header []string) (string, bool) {
	for _, h := range header {
		if CanonicalFieldFor(h) == FieldCarrier {
			return h, true
		}
	}
	return "", false
}

// SplitByCarrier partitions raw records by the value of the carrier column.
// Row order inside each partition is preserved so line numbers stay stable.
func SplitByCarrier(carrierHeader string, header []string, records [][]string) map[string][][]string {
	idx := -1
	for i, h := range header {
		if h == carrierHeader {
			idx = i
			break
		}
	}
	out := map[string][][]string{}
	if idx < 0 {
		out[""] = records
		return out
	}
	for _, rec := range records {
		key := ""
		if idx < len(rec) {
			key = strings.TrimSpace(rec[idx])
		}
		out[key] = append(out[key], rec)
	}
	return out
}

// ResolveMapping returns the carrier's confirmed mapping, or infers one from
// the header when none exists. A mapping that leaves required fields
// unmapped fails the batch fast with MappingIncompleteError: no partial
// pipeline run proceeds without policy number, premium and transaction date.
func ResolveMapping(ctx context.Context, store Store, workspaceID, carrierID uuid.UUID, header []string, now time.Time) (*ColumnMapping, error) {
	m, err := store.GetMapping(ctx, workspaceID, carrierID)
	if err != nil && err != ErrMappingNotFound {
		return nil, err
	}
	if m == nil {
		m = InferMapping(workspaceID, carrierID, header, now)
	}
	if missing := m.MissingRequired(); len(missing) > 0 {
		return nil, &MappingIncompleteError{Missing: missing}
	}
	return m, nil
}
