/*
Package commission computes the commission owed on a sale.

PURPOSE:
  Pure calculation, no side effects. The rules form an ordered decision
  table evaluated top to bottom; the first rule whose predicate matches
  wins. Rules are mutually exclusive, never additive.

RULES (in priority order):
  1. product-percent:   product percent > 0 -> value * percent / 100,
                        clamped up to the product minimum when one is set.
                        PercentUsed reports the configured percent.
  2. product-flat:      product minimum > 0 and no percent -> the minimum,
                        PercentUsed is nil (flat fee, not a rate).
  3. affiliate-default: affiliate fallback rate > 0 -> value * rate / 100.
  otherwise            ErrNoCommissionConfigured.

POST-CONDITION:
  The amount is rounded half-up to cents. An amount <= 0 fails with
  ErrInvalidCommission.

EXAMPLE:
  res, err := commission.Compute(sale, product, affiliate)
  // percent=10, minimum=5, value=30 -> 5.00, PercentUsed=10
*/
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

var hundred = decimal.NewFromInt(100)

// Input is what every rule sees.
type Input struct {
	SaleValue     decimal.Decimal
	Percent       decimal.Decimal
	Minimum       decimal.Decimal
	AffiliateRate decimal.Decimal
}

// Result is the computed commission.
type Result struct {
	Amount decimal.Decimal
	// PercentUsed is nil when a flat commission was applied.
	PercentUsed *decimal.Decimal
	Rule        string
}

// Rule is one row of the decision table.
type Rule struct {
	Name    string
	Applies func(in Input) bool
	Apply   func(in Input) Result
}

// rules is the decision table in priority order.
var rules = []Rule{
	{
		Name:    "product-percent",
		Applies: func(in Input) bool { return in.Percent.IsPositive() },
		Apply: func(in Input) Result {
			amount := in.SaleValue.Mul(in.Percent).Div(hundred)
			if in.Minimum.IsPositive() && amount.LessThan(in.Minimum) {
				amount = in.Minimum
			}
			pct := in.Percent
			return Result{Amount: amount, PercentUsed: &pct}
		},
	},
	{
		Name:    "product-flat",
		Applies: func(in Input) bool { return in.Minimum.IsPositive() },
		Apply: func(in Input) Result {
			return Result{Amount: in.Minimum}
		},
	},
	{
		Name:    "affiliate-default",
		Applies: func(in Input) bool { return in.AffiliateRate.IsPositive() },
		Apply: func(in Input) Result {
			rate := in.AffiliateRate
			return Result{Amount: in.SaleValue.Mul(rate).Div(hundred), PercentUsed: &rate}
		},
	},
}

// Rules returns a copy of the decision table in priority order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Evaluate runs the decision table against in.
func Evaluate(in Input) (Result, error) {
	for _, rule := range rules {
		if !rule.Applies(in) {
			continue
		}
		res := rule.Apply(in)
		res.Rule = rule.Name
		res.Amount = ledger.RoundMoney(res.Amount)
		if !res.Amount.IsPositive() {
			return Result{}, fmt.Errorf("%w: rule %s produced %s for sale value %s",
				ledger.ErrInvalidCommission, rule.Name, res.Amount.StringFixed(ledger.MoneyPlaces), in.SaleValue.String())
		}
		return res, nil
	}
	return Result{}, ledger.ErrNoCommissionConfigured
}

// Compute derives the Input from the sale, product and affiliate and evaluates it.
func Compute(sale ledger.Sale, product ledger.Product, affiliate ledger.Affiliate) (Result, error) {
	return Evaluate(Input{
		SaleValue:     sale.Value,
		Percent:       product.CommissionPercent,
		Minimum:       product.CommissionMinimum,
		AffiliateRate: affiliate.CommissionPercentual,
	})
}
