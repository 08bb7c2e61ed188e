package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestFingerprintIgnoresIncidentalFormatting(t *testing.T) {
	ws, carrier := uuid.New(), uuid.New()
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	a := &NormalizedRow{
		PolicyNumber: "pol-001",
		TxnType:      TxnNew,
		TxnDate:      date,
		Premium:      decimal.RequireFromString("1000"),
	}
	b := &NormalizedRow{
		PolicyNumber: "POL-001",
		TxnType:      TxnNew,
		TxnDate:      date,
		Premium:      decimal.RequireFromString("1000.00"),
	}
	if Fingerprint(ws, carrier, a, nil) != Fingerprint(ws, carrier, b, nil) {
		t.Error("casing and decimal padding changed the fingerprint")
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	ws, carrier := uuid.New(), uuid.New()
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	base := &NormalizedRow{
		PolicyNumber: "POL-001",
		TxnType:      TxnNew,
		TxnDate:      date,
		Premium:      decimal.RequireFromString("1000.00"),
	}
	fp := Fingerprint(ws, carrier, base, nil)

	diffPremium := *base
	diffPremium.Premium = decimal.RequireFromString("1000.01")
	if Fingerprint(ws, carrier, &diffPremium, nil) == fp {
		t.Error("premium change did not change the fingerprint")
	}

	diffType := *base
	diffType.TxnType = TxnRenewal
	if Fingerprint(ws, carrier, &diffType, nil) == fp {
		t.Error("transaction type change did not change the fingerprint")
	}

	if Fingerprint(uuid.New(), carrier, base, nil) == fp {
		t.Error("fingerprint is not workspace-scoped")
	}
}

func TestFingerprintCustomFields(t *testing.T) {
	ws, carrier := uuid.New(), uuid.New()
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	a := &NormalizedRow{PolicyNumber: "POL-1", TxnType: TxnNew, TxnDate: date,
		Premium: decimal.RequireFromString("100"), InsuredName: "Acme"}
	b := &NormalizedRow{PolicyNumber: "POL-1", TxnType: TxnNew, TxnDate: date,
		Premium: decimal.RequireFromString("999"), InsuredName: "acme"}

	fields := []string{FieldPolicyNumber, FieldTxnDate, FieldInsuredName}
	if Fingerprint(ws, carrier, a, fields) != Fingerprint(ws, carrier, b, fields) {
		t.Error("custom field set should ignore premium and insured-name casing")
	}
	if Fingerprint(ws, carrier, a, nil) == Fingerprint(ws, carrier, b, nil) {
		t.Error("default field set should see the premium difference")
	}
}
