package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// DefaultFingerprintFields is the duplicate key used when a carrier mapping
// does not override it. Chosen so the same statement row collapses to the
// same fingerprint across uploads regardless of incidental formatting.
var DefaultFingerprintFields = []string{
	FieldPolicyNumber, FieldTxnDate, FieldTxnType, FieldPremium,
}

// Fingerprint derives the deterministic duplicate-detection key for a
// normalized row. The hash input is built from canonical renderings (upper
// policy number, ISO date, fixed two-decimal premium) so thousand
// separators, casing and date layout differences in the source never split
// otherwise-identical rows.
func Fingerprint(workspaceID, carrierID uuid.UUID, n *NormalizedRow, fields []string) string {
	if len(fields) == 0 {
		fields = DefaultFingerprintFields
	}
	parts := []string{workspaceID.String(), carrierID.String()}
	for _, f := range fields {
		switch f {
		case FieldPolicyNumber:
			parts = append(parts, strings.ToUpper(strings.TrimSpace(n.PolicyNumber)))
		case FieldTxnDate:
			parts = append(parts, n.TxnDate.Format("2006-01-02"))
		case FieldTxnType:
			parts = append(parts, n.TxnType)
		case FieldPremium:
			parts = append(parts, n.Premium.StringFixed(2))
		case FieldGrossCommission:
			parts = append(parts, n.GrossCommission.StringFixed(2))
		case FieldInsuredName:
			parts = append(parts, strings.ToUpper(strings.TrimSpace(n.InsuredName)))
		case FieldLOB:
			parts = append(parts, n.LOB)
		case FieldProducerCode:
			parts = append(parts, strings.ToUpper(n.ProducerCode))
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
