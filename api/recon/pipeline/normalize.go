package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

// DecodeStatementBytes sniffs the statement encoding and returns UTF-8 text.
// UTF-8 (with or without BOM) passes through; anything that fails strict
// UTF-8 validation is treated as Latin-1, which covers the carrier exports
// we actually see.
func DecodeStatementBytes(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode latin-1 statement: %w", err)
	}
	return string(decoded), nil
}

// normalizeCell trims, removes non-breaking spaces and collapses whitespace.
func normalizeCell(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

var currencySymbols = strings.NewReplacer("$", "", "€", "", "£", "", "₹", "", "¥", "", "USD", "", "usd", "")

// ParseAmount parses a statement money cell into a decimal. It strips
// currency symbols and thousands separators, honours the mapping's
// decimal-comma hint, and accepts both (123.45) and 123.45- negatives.
// Binary floating point never enters the computation.
func ParseAmount(s string, m *ColumnMapping) (decimal.Decimal, error) {
	v := normalizeCell(s)
	if v == "" || v == "-" {
		return decimal.Zero, nil
	}
	neg := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		neg = true
		v = v[1 : len(v)-1]
	}
	if strings.HasSuffix(v, "-") {
		neg = true
		v = strings.TrimSuffix(v, "-")
	}
	v = currencySymbols.Replace(v)
	v = strings.TrimSpace(v)
	if m != nil && m.DecimalComma {
		v = strings.ReplaceAll(v, ".", "")
		v = strings.ReplaceAll(v, ",", ".")
	} else {
		sep := ","
		if m != nil && m.ThousandsSep != "" {
			sep = m.ThousandsSep
		}
		v = strings.ReplaceAll(v, sep, "")
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, "+"))
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// dateLayouts tried after the mapping's configured format. Day-first and
// month-first variants are ordered by the mapping's declared locale so
// ambiguous dates like 01/02/2024 are never guessed per-row.
var (
	dayFirstLayouts = []string{
		"02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "02.01.2006",
		"02-Jan-2006", "02-Jan-06", "02/Jan/2006",
	}
	monthFirstLayouts = []string{
		"01/02/2006", "1/2/2006", "01-02-2006", "1-2-2006", "01.02.2006",
		"Jan 02, 2006", "Jan 2, 2006",
	}
	isoLayouts = []string{
		"2006-01-02", "2006/01/02", time.RFC3339, "2006-01-02 15:04:05",
	}
)

// ParseDate parses a statement date cell using the mapping's configured
// layout first, then locale-ordered fallbacks.
func ParseDate(s string, m *ColumnMapping) (time.Time, error) {
	v := normalizeCell(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if m != nil && m.DateFormat != "" {
		if t, err := time.Parse(m.DateFormat, v); err == nil {
			return t, nil
		}
	}
	layouts := make([]string, 0, len(isoLayouts)+len(dayFirstLayouts)+len(monthFirstLayouts))
	layouts = append(layouts, isoLayouts...)
	if m != nil && m.DayFirst {
		layouts = append(layouts, dayFirstLayouts...)
		layouts = append(layouts, monthFirstLayouts...)
	} else {
		layouts = append(layouts, monthFirstLayouts...)
		layouts = append(layouts, dayFirstLayouts...)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// txnTypeAliases folds carrier vocabulary onto the canonical transaction
// types. Unknown values are a row-level parse error, not a coercion.
var txnTypeAliases = map[string]string{
	"new":          TxnNew,
	"new business": TxnNew,
	"nb":           TxnNew,
	"renewal":      TxnRenewal,
	"renew":        TxnRenewal,
	"rn":           TxnRenewal,
	"rwl":          TxnRenewal,
	"endorsement":  TxnEndorsement,
	"endt":         TxnEndorsement,
	"end":          TxnEndorsement,
	"change":       TxnEndorsement,
	"cancellation": TxnCancellation,
	"cancel":       TxnCancellation,
	"canc":         TxnCancellation,
	"xln":          TxnCancellation,
}

// ParseTxnType folds a raw transaction-type cell onto the canonical set.
// An empty cell defaults to new, matching how carriers omit the column for
// new-business-only statements.
func ParseTxnType(s string) (string, error) {
	v := strings.ToLower(normalizeCell(s))
	if v == "" {
		return TxnNew, nil
	}
	if t, ok := txnTypeAliases[v]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// RawRow captures one source line verbatim, outcome pending, before any
// parsing happens. Batches persist raw rows at upload so normalization can
// run (and re-run) from durable input.
func RawRow(batchID uuid.UUID, lineNumber int, header []string, record []string) ImportRow {
	raw := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(record) {
			raw[h] = record[i]
		} else {
			raw[h] = ""
		}
	}
	return ImportRow{
		ID:         uuid.New(),
		BatchID:    batchID,
		LineNumber: lineNumber,
		Raw:        raw,
		Outcome:    OutcomePending,
	}
}

// NormalizeRow parses one raw record into a typed ImportRow according to the
// mapping. Failures mark the row's outcome error with a reason and never
// abort the batch: one malformed line must not block the rest. The original
// line number and verbatim cells are preserved for audit.
func NormalizeRow(batchID uuid.UUID, lineNumber int, header []string, record []string, m *ColumnMapping) ImportRow {
	row := RawRow(batchID, lineNumber, header, record)
	ApplyMapping(&row, m)
	return row
}

// ApplyMapping normalizes a stored raw row in place.
func ApplyMapping(row *ImportRow, m *ColumnMapping) {
	fail := func(detail string) {
		row.Outcome = OutcomeError
		row.ErrorKind = KindRowParseError
		row.ErrorDetail = detail
	}

	cell := func(field string) string {
		src := m.SourceFor(field)
		if src == "" {
			return ""
		}
		return row.Raw[src]
	}

	n := &NormalizedRow{
		PolicyNumber: normalizeCell(cell(FieldPolicyNumber)),
		InsuredName:  normalizeCell(cell(FieldInsuredName)),
		ProducerCode: normalizeCell(cell(FieldProducerCode)),
		LOB:          strings.ToLower(normalizeCell(cell(FieldLOB))),
		Currency:     strings.ToUpper(normalizeCell(cell(FieldCurrency))),
	}
	if n.PolicyNumber == "" {
		fail("missing policy number")
		return
	}
	if n.Currency == "" {
		n.Currency = "USD"
	}

	txnType, err := ParseTxnType(cell(FieldTxnType))
	if err != nil {
		fail(err.Error())
		return
	}
	n.TxnType = txnType

	txnDate, err := ParseDate(cell(FieldTxnDate), m)
	if err != nil {
		fail("transaction date: " + err.Error())
		return
	}
	n.TxnDate = txnDate

	if s := cell(FieldEffectiveDate); normalizeCell(s) != "" {
		eff, err := ParseDate(s, m)
		if err != nil {
			fail("effective date: " + err.Error())
			return
		}
		n.EffectiveDate = eff
	}

	premium, err := ParseAmount(cell(FieldPremium), m)
	if err != nil {
		fail("premium: " + err.Error())
		return
	}
	n.Premium = premium

	gross, err := ParseAmount(cell(FieldGrossCommission), m)
	if err != nil {
		fail("gross commission: " + err.Error())
		return
	}
	n.GrossCommission = gross

	row.Normalized = n
}
