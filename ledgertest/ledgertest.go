// Package ledgertest provides fixtures shared by the ledger package tests.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/store/sqlite"
)

// Epoch is the fixed clock used by tests.
var Epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock.
type Clock struct {
	T time.Time
}

func NewClock() *Clock { return &Clock{T: Epoch} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// NewStore opens an in-memory SQLite store closed at test end.
func NewStore(t testing.TB) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// AffiliateOpt customizes a seeded affiliate.
type AffiliateOpt func(*ledger.Affiliate)

func WithVendor(id ledger.VendorID) AffiliateOpt {
	return func(a *ledger.Affiliate) { a.VendorID = id }
}

func WithRate(percent float64) AffiliateOpt {
	return func(a *ledger.Affiliate) { a.CommissionPercentual = ledger.Money(percent) }
}

func WithStatus(s ledger.AffiliateStatus) AffiliateOpt {
	return func(a *ledger.Affiliate) { a.Status = s }
}

func WithCode(code string) AffiliateOpt {
	return func(a *ledger.Affiliate) { a.Code = code }
}

// SeedAffiliate creates an active affiliate.
func SeedAffiliate(t testing.TB, store ledger.Store, id ledger.AffiliateID, opts ...AffiliateOpt) *ledger.Affiliate {
	t.Helper()
	a := &ledger.Affiliate{
		ID:        id,
		Name:      string(id),
		Email:     string(id) + "@example.com",
		Code:      "AF" + string(id),
		Status:    ledger.AffiliateActive,
		CreatedAt: Epoch,
	}
	for _, opt := range opts {
		opt(a)
	}
	require.NoError(t, store.CreateAffiliate(context.Background(), a))
	return a
}

// ProductOpt customizes a seeded product.
type ProductOpt func(*ledger.Product)

func WithCommission(percent, minimum float64) ProductOpt {
	return func(p *ledger.Product) {
		p.CommissionPercent = ledger.Money(percent)
		p.CommissionMinimum = ledger.Money(minimum)
	}
}

func CreditingOnSale() ProductOpt {
	return func(p *ledger.Product) { p.ClickCrediting = ledger.CreditOnSale }
}

func ClosedToAffiliation() ProductOpt {
	return func(p *ledger.Product) { p.AllowsAffiliation = false }
}

// SeedProduct creates an affiliable product paying 10% by default.
func SeedProduct(t testing.TB, store ledger.Store, id ledger.ProductID, opts ...ProductOpt) *ledger.Product {
	t.Helper()
	p := &ledger.Product{
		ID:                id,
		Name:              string(id),
		VendorID:          "vendor-of-" + ledger.VendorID(id),
		CommissionPercent: ledger.Money(10),
		AllowsAffiliation: true,
		ClickCrediting:    ledger.CreditOnTraffic,
	}
	for _, opt := range opts {
		opt(p)
	}
	require.NoError(t, store.SaveProduct(context.Background(), p))
	return p
}

// SeedLink creates the tracking link of a pair.
func SeedLink(t testing.TB, store ledger.Store, affiliateID ledger.AffiliateID, productID ledger.ProductID) *ledger.TrackingLink {
	t.Helper()
	l := &ledger.TrackingLink{
		ID:          ledger.LinkID("link-" + string(affiliateID) + "-" + string(productID)),
		AffiliateID: affiliateID,
		ProductID:   productID,
		URL:         ledger.ReferralURL("https://shop.example.com", "AF"+string(affiliateID)),
		CreatedAt:   Epoch,
	}
	require.NoError(t, store.CreateLink(context.Background(), l))
	return l
}

// Sale builds a sale of the product.
func Sale(id ledger.SaleID, productID ledger.ProductID, value float64) ledger.Sale {
	return ledger.Sale{
		ID:        id,
		ProductID: productID,
		Value:     ledger.Money(value),
		Customer: ledger.Customer{
			Name:  "Customer " + string(id),
			Email: string(id) + "@buyer.example.com",
		},
		OccurredAt: Epoch,
	}
}

// Affiliate reloads an affiliate.
func Affiliate(t testing.TB, store ledger.Reader, id ledger.AffiliateID) *ledger.Affiliate {
	t.Helper()
	a, err := store.GetAffiliate(context.Background(), id)
	require.NoError(t, err)
	return a
}

// Link reloads a link.
func Link(t testing.TB, store ledger.Reader, id ledger.LinkID) *ledger.TrackingLink {
	t.Helper()
	l, err := store.GetLink(context.Background(), id)
	require.NoError(t, err)
	return l
}

// Dec parses a decimal literal.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AssertMoney compares decimals by value.
func AssertMoney(t testing.TB, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, Dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}
