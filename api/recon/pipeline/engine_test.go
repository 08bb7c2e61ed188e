package pipeline

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func pct(t *testing.T, rate string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(rate)
}

func TestSelectRulePriorityAndTieBreak(t *testing.T) {
	idLow := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	idHigh := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	rules := []CommissionRule{
		{ID: uuid.New(), Basis: BasisPercentOfGross, Rate: pct(t, "0.50"), TxnType: TxnAny, Priority: 10},
		{ID: idHigh, Basis: BasisPercentOfGross, Rate: pct(t, "0.20"), TxnType: TxnNew, Priority: 5},
		{ID: idLow, Basis: BasisPercentOfGross, Rate: pct(t, "0.10"), TxnType: TxnNew, Priority: 5},
	}

	winner, ok := SelectRule(rules, TxnNew, "auto")
	if !ok {
		t.Fatal("expected a matching rule")
	}
	if winner.ID != idLow {
		t.Errorf("tie at priority 5 should break on rule ID; got %s", winner.ID)
	}

	// Same ruleset presented in a different slice order selects the same rule.
	reversed := []CommissionRule{rules[2], rules[0], rules[1]}
	again, _ := SelectRule(reversed, TxnNew, "auto")
	if again.ID != winner.ID {
		t.Error("selection depends on slice order")
	}
}

func TestSelectRuleFilters(t *testing.T) {
	rules := []CommissionRule{
		{ID: uuid.New(), TxnType: TxnRenewal, LOB: "auto", Priority: 1},
		{ID: uuid.New(), TxnType: TxnAny, Priority: 9},
	}
	winner, ok := SelectRule(rules, TxnNew, "home")
	if !ok || winner.TxnType != TxnAny {
		t.Errorf("expected the any-type fallback rule, got %+v ok=%v", winner, ok)
	}
	if _, ok := SelectRule(rules[:1], TxnNew, "home"); ok {
		t.Error("renewal/auto rule must not match a new/home row")
	}
}

func TestComputeAmountRoundsHalfToEvenOnce(t *testing.T) {
	rule := &CommissionRule{Basis: BasisPercentOfGross, Rate: pct(t, "0.10")}
	n := &NormalizedRow{TxnType: TxnNew, GrossCommission: decimal.RequireFromString("1000.005")}
	got := ComputeAmount(rule, n)
	if got.String() != "100" {
		// 100.0005 rounds half-to-even to 100.00, never 100.01.
		t.Errorf("amount = %s, want 100", got)
	}
}

func TestComputeAmountBases(t *testing.T) {
	n := &NormalizedRow{
		TxnType:         TxnNew,
		Premium:         decimal.RequireFromString("2000"),
		GrossCommission: decimal.RequireFromString("150"),
	}
	cases := []struct {
		rule CommissionRule
		want string
	}{
		{CommissionRule{Basis: BasisPercentOfGross, Rate: pct(t, "0.10")}, "15"},
		{CommissionRule{Basis: BasisPercentOfPremium, Rate: pct(t, "0.02")}, "40"},
		{CommissionRule{Basis: BasisFlatAmount, FlatAmount: pct(t, "25")}, "25"},
	}
	for _, tc := range cases {
		if got := ComputeAmount(&tc.rule, n); got.String() != tc.want {
			t.Errorf("%s = %s, want %s", tc.rule.Basis, got, tc.want)
		}
	}
}

func TestComputeAmountFlatIgnoresRowMagnitude(t *testing.T) {
	rule := &CommissionRule{Basis: BasisFlatAmount, FlatAmount: pct(t, "25")}
	for _, txnType := range []string{TxnNew, TxnEndorsement, TxnCancellation} {
		n := &NormalizedRow{TxnType: txnType, Premium: decimal.RequireFromString("-9000")}
		if got := ComputeAmount(rule, n); got.String() != "25" {
			t.Errorf("%s flat amount = %s, want 25", txnType, got)
		}
	}
}

func TestEvaluateRowNoMatch(t *testing.T) {
	rs := &Ruleset{Rules: []CommissionRule{
		{ID: uuid.New(), Basis: BasisPercentOfGross, Rate: pct(t, "0.10"), TxnType: TxnRenewal, Priority: 1},
	}}
	_, _, err := EvaluateRow(rs, &NormalizedRow{TxnType: TxnCancellation})
	var noRule *NoMatchingRuleError
	if !errors.As(err, &noRule) {
		t.Fatalf("expected NoMatchingRuleError, got %v", err)
	}
}
