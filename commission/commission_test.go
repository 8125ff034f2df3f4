package commission_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
)

func sale(value float64) ledger.Sale {
	return ledger.Sale{ID: "sale-1", Value: ledger.Money(value)}
}

func product(percent, minimum float64) ledger.Product {
	return ledger.Product{
		ID:                "prod-1",
		CommissionPercent: ledger.Money(percent),
		CommissionMinimum: ledger.Money(minimum),
		AllowsAffiliation: true,
	}
}

func affiliate(rate float64) ledger.Affiliate {
	return ledger.Affiliate{ID: "aff-1", CommissionPercentual: ledger.Money(rate)}
}

// =============================================================================
// PRIORITY ORDER
// =============================================================================

func TestCompute_PercentClampedToMinimum(t *testing.T) {
	// GIVEN: percent=10, minimum=5, sale value 30
	// WHEN: computing
	// THEN: max(3, 5) = 5, percent still reported as 10

	res, err := commission.Compute(sale(30), product(10, 5), affiliate(0))
	require.NoError(t, err)

	assert.Equal(t, "5.00", res.Amount.StringFixed(2))
	require.NotNil(t, res.PercentUsed)
	assert.Equal(t, "10", res.PercentUsed.String())
	assert.Equal(t, "product-percent", res.Rule)
}

func TestCompute_PercentAboveMinimum(t *testing.T) {
	res, err := commission.Compute(sale(200), product(10, 5), affiliate(0))
	require.NoError(t, err)
	assert.Equal(t, "20.00", res.Amount.StringFixed(2))
}

func TestCompute_FlatMinimumOnly(t *testing.T) {
	// GIVEN: product with only minimum=20, sale value 1000
	// THEN: flat 20, PercentUsed nil

	res, err := commission.Compute(sale(1000), product(0, 20), affiliate(30))
	require.NoError(t, err)

	assert.Equal(t, "20.00", res.Amount.StringFixed(2))
	assert.Nil(t, res.PercentUsed)
	assert.Equal(t, "product-flat", res.Rule)
}

func TestCompute_AffiliateFallback(t *testing.T) {
	// GIVEN: product without config, affiliate rate 15%
	// WHEN: sale value 100
	// THEN: commission 15

	res, err := commission.Compute(sale(100), product(0, 0), affiliate(15))
	require.NoError(t, err)

	assert.Equal(t, "15.00", res.Amount.StringFixed(2))
	require.NotNil(t, res.PercentUsed)
	assert.Equal(t, "15", res.PercentUsed.String())
	assert.Equal(t, "affiliate-default", res.Rule)
}

func TestCompute_ProductPercentWinsOverAffiliateRate(t *testing.T) {
	res, err := commission.Compute(sale(100), product(5, 0), affiliate(50))
	require.NoError(t, err)
	assert.Equal(t, "5.00", res.Amount.StringFixed(2))
}

// =============================================================================
// FAILURES
// =============================================================================

func TestCompute_NothingConfigured(t *testing.T) {
	_, err := commission.Compute(sale(100), product(0, 0), affiliate(0))
	assert.ErrorIs(t, err, ledger.ErrNoCommissionConfigured)
}

func TestCompute_ZeroSaleValueIsInvalid(t *testing.T) {
	_, err := commission.Compute(sale(0), product(10, 0), affiliate(0))
	assert.ErrorIs(t, err, ledger.ErrInvalidCommission)
}

func TestCompute_RoundsToZeroIsInvalid(t *testing.T) {
	// 0.04 * 10% = 0.004 -> rounds to 0.00
	_, err := commission.Compute(sale(0.04), product(10, 0), affiliate(0))
	assert.ErrorIs(t, err, ledger.ErrInvalidCommission)
}

func TestCompute_RoundsHalfUp(t *testing.T) {
	// 10.05 * 50% = 5.025 -> 5.03
	res, err := commission.Compute(sale(10.05), product(50, 0), affiliate(0))
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("5.03")), res.Amount.String())
}

func TestRules_Order(t *testing.T) {
	table := commission.Rules()
	names := make([]string, len(table))
	for i, r := range table {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"product-percent", "product-flat", "affiliate-default"}, names)
}

func TestRules_CallerCannotRewriteTable(t *testing.T) {
	table := commission.Rules()
	table[0] = commission.Rule{
		Name:    "hijacked",
		Applies: func(commission.Input) bool { return true },
		Apply:   func(commission.Input) commission.Result { return commission.Result{Amount: decimal.NewFromInt(999)} },
	}

	res, err := commission.Compute(sale(100), product(10, 0), affiliate(0))

	require.NoError(t, err)
	assert.Equal(t, "product-percent", res.Rule)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(10)), res.Amount.String())
}
