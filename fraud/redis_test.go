package fraud_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
)

func newGuard(t *testing.T) (*fraud.RedisCustomerGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := fraud.Connect(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return fraud.NewRedisCustomerGuard(client, time.Hour), mr
}

func customerCheck(sale ledger.SaleID) fraud.CustomerCheck {
	return fraud.CustomerCheck{
		AffiliateID: "aff-1",
		ProductID:   "p-1",
		SaleID:      sale,
		Customer:    ledger.Customer{Email: "Buyer@Example.com", Contact: "+55 (11) 9999-0000"},
	}
}

func TestRedisCustomerGuard_RepeatBuyerIsDuplicate(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()

	// GIVEN: the first sale claims the buyer
	first, err := guard.CheckDuplicateCustomer(ctx, customerCheck("sale-1"))
	require.NoError(t, err)
	assert.True(t, first.Valid)

	// WHEN: the same buyer comes back with another sale
	second, err := guard.CheckDuplicateCustomer(ctx, customerCheck("sale-2"))

	// THEN
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, "duplicate customer (email)", second.Reason)
}

func TestRedisCustomerGuard_RetriedSaleStaysValid(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()

	// GIVEN: a check that succeeded but whose ledger transaction rolled back
	first, err := guard.CheckDuplicateCustomer(ctx, customerCheck("sale-1"))
	require.NoError(t, err)
	require.True(t, first.Valid)

	// WHEN: the same sale is checked again on retry
	again, err := guard.CheckDuplicateCustomer(ctx, customerCheck("sale-1"))

	// THEN: the sale is not a duplicate of itself
	require.NoError(t, err)
	assert.True(t, again.Valid)
	assert.Empty(t, again.Reason)
}

func TestRedisCustomerGuard_OtherPairAndExpiry(t *testing.T) {
	guard, mr := newGuard(t)
	ctx := context.Background()

	_, err := guard.CheckDuplicateCustomer(ctx, customerCheck("sale-1"))
	require.NoError(t, err)

	other := customerCheck("sale-2")
	other.ProductID = "p-2"
	v, err := guard.CheckDuplicateCustomer(ctx, other)
	require.NoError(t, err)
	assert.True(t, v.Valid, "identities are scoped per (affiliate, product)")

	mr.FastForward(2 * time.Hour)
	v, err = guard.CheckDuplicateCustomer(ctx, customerCheck("sale-3"))
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestRedisCustomerGuard_NoIdentityPasses(t *testing.T) {
	guard, mr := newGuard(t)

	v, err := guard.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{AffiliateID: "aff-1", ProductID: "p-1", SaleID: "s"})

	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, mr.Keys())
}

func TestRedisCustomerGuard_ServerDownIsError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	guard := fraud.NewRedisCustomerGuard(client, time.Hour)
	mr.Close()

	_, err := guard.CheckDuplicateCustomer(context.Background(), customerCheck("sale-1"))

	assert.Error(t, err)
}
