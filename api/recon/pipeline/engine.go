package pipeline

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// NoMatchingRuleError marks a row no rule in the effective ruleset covers.
// The row is parked for review rather than silently paid at zero.
type NoMatchingRuleError struct {
	TxnType string
	LOB     string
}

func (e *NoMatchingRuleError) Error() string {
	if e.LOB != "" {
		return fmt.Sprintf("no commission rule matches transaction type %q, lob %q", e.TxnType, e.LOB)
	}
	return fmt.Sprintf("no commission rule matches transaction type %q", e.TxnType)
}

// ruleMatches applies a rule's filters. An empty LOB filter matches any line
// of business; TxnAny matches any transaction type.
func ruleMatches(r *CommissionRule, txnType, lob string) bool {
	if r.TxnType != TxnAny && r.TxnType != txnType {
		return false
	}
	if r.LOB != "" && r.LOB != lob {
		return false
	}
	return true
}

// SelectRule picks the winning rule for a row: lowest priority first, rule ID
// as the deterministic tie-break. Ties never depend on slice order, so the
// same ruleset and row always select the same rule.
func SelectRule(rules []CommissionRule, txnType, lob string) (*CommissionRule, bool) {
	var winner *CommissionRule
	for i := range rules {
		r := &rules[i]
		if !ruleMatches(r, txnType, lob) {
			continue
		}
		if winner == nil ||
			r.Priority < winner.Priority ||
			(r.Priority == winner.Priority && r.ID.String() < winner.ID.String()) {
			winner = r
		}
	}
	return winner, winner != nil
}

// ComputeAmount applies a rule's basis to the row's amounts. All arithmetic
// is exact decimal; rounding happens exactly once, half-to-even to cents, at
// the end. 1000.005 * 0.10 therefore books as 100.00, not 100.01.
func ComputeAmount(r *CommissionRule, n *NormalizedRow) decimal.Decimal {
	var amt decimal.Decimal
	switch r.Basis {
	case BasisPercentOfGross:
		amt = n.GrossCommission.Mul(r.Rate)
	case BasisPercentOfPremium:
		amt = n.Premium.Mul(r.Rate)
	case BasisFlatAmount:
		// Independent of row magnitude and sign; cancellation clawbacks are
		// modeled as negative-rate or reversal entries, not by flipping here.
		amt = r.FlatAmount
	}
	return amt.RoundBank(2)
}

// EvaluateRow selects and applies the winning rule from a ruleset.
func EvaluateRow(rs *Ruleset, n *NormalizedRow) (*CommissionRule, decimal.Decimal, error) {
	rule, ok := SelectRule(rs.Rules, n.TxnType, n.LOB)
	if !ok {
		return nil, decimal.Zero, &NoMatchingRuleError{TxnType: n.TxnType, LOB: n.LOB}
	}
	return rule, ComputeAmount(rule, n), nil
}

// SortRules orders rules the way evaluation considers them, for display.
func SortRules(rules []CommissionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}
