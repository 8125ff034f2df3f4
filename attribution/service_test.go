package attribution_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/attribution"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledgertest"
	"github.com/warp/affiliate-ledger/notify"
	"github.com/warp/affiliate-ledger/release"
	"github.com/warp/affiliate-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []notify.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store   *sqlite.Store
	clock   *ledgertest.Clock
	sink    *recordingSink
	service *attribution.Service
	product *ledger.Product
}

func newFixture(t *testing.T, productOpts ...ledgertest.ProductOpt) *fixture {
	t.Helper()
	store := ledgertest.NewStore(t)
	clock := ledgertest.NewClock()
	sink := &recordingSink{}

	product := ledgertest.SeedProduct(t, store, "p-1", productOpts...)
	ledgertest.SeedAffiliate(t, store, "aff-1")
	ledgertest.SeedLink(t, store, "aff-1", "p-1")

	clickLedger := clicks.New(store, store, fraud.Passthrough{}, zerolog.Nop(), clicks.WithClock(clock.Now))
	engine := release.NewEngine(store, zerolog.Nop(), release.WithClock(clock.Now), release.WithSink(sink))
	service := attribution.New(store, clickLedger, engine, zerolog.Nop(),
		attribution.WithClock(clock.Now),
		attribution.WithSink(sink),
		attribution.WithLinkBaseURL("https://shop.example.com"),
	)
	return &fixture{store: store, clock: clock, sink: sink, service: service, product: product}
}

func (f *fixture) attribute(t *testing.T, sale ledger.Sale, code string) attribution.Result {
	t.Helper()
	res, err := f.service.AttributeSale(context.Background(), sale, *f.product, code)
	require.NoError(t, err)
	return res
}

// =============================================================================
// ATTRIBUTE SALE
// =============================================================================

func TestAttributeSale_CreditsPendingCommission(t *testing.T) {
	f := newFixture(t)

	// WHEN: a 200.00 sale at 10%
	res := f.attribute(t, ledgertest.Sale("s-1", "p-1", 200), "AFaff-1")

	// THEN
	require.True(t, res.Processed)
	assert.False(t, res.AlreadyExisted)
	require.NotNil(t, res.Attribution)
	assert.Equal(t, ledger.StatusPending, res.Attribution.Status)
	ledgertest.AssertMoney(t, "20", res.Attribution.CommissionValue)
	ledgertest.AssertMoney(t, "20", res.Attribution.CreditedValue)
	require.NotNil(t, res.Attribution.PercentUsed)
	ledgertest.AssertMoney(t, "10", *res.Attribution.PercentUsed)

	aff := ledgertest.Affiliate(t, f.store, "aff-1")
	assert.Equal(t, 1, aff.TotalSales)
	ledgertest.AssertMoney(t, "20", aff.TotalCommissions)
	ledgertest.AssertMoney(t, "20", aff.AvailableBalance)

	link := ledgertest.Link(t, f.store, "link-aff-1-p-1")
	assert.Equal(t, 1, link.Conversions)

	assert.Contains(t, f.sink.types(), notify.AttributionCreated)
}

func TestAttributeSale_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	sale := ledgertest.Sale("s-1", "p-1", 200)
	first := f.attribute(t, sale, "AFaff-1")

	// WHEN: the same sale is delivered again
	second := f.attribute(t, sale, "AFaff-1")

	// THEN: the existing record comes back and nothing is credited twice
	assert.True(t, second.Processed)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.Attribution.ID, second.Attribution.ID)

	aff := ledgertest.Affiliate(t, f.store, "aff-1")
	assert.Equal(t, 1, aff.TotalSales)
	ledgertest.AssertMoney(t, "20", aff.AvailableBalance)
	assert.Equal(t, 1, ledgertest.Link(t, f.store, "link-aff-1-p-1").Conversions)
}

func TestAttributeSale_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	f := newFixture(t)
	sale := ledgertest.Sale("s-1", "p-1", 200)

	var wg sync.WaitGroup
	results := make([]attribution.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.AttributeSale(context.Background(), sale, *f.product, "AFaff-1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		assert.True(t, res.Processed)
		if !res.AlreadyExisted {
			created++
		}
	}
	assert.Equal(t, 1, created)
	ledgertest.AssertMoney(t, "20", ledgertest.Affiliate(t, f.store, "aff-1").AvailableBalance)
}

func TestAttributeSale_SkipsWithoutFailing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) (ledger.Product, string)
		want  error
	}{
		{
			name:  "no referral code",
			setup: func(t *testing.T, f *fixture) (ledger.Product, string) { return *f.product, "" },
			want:  ledger.ErrNotFound,
		},
		{
			name:  "unknown referral code",
			setup: func(t *testing.T, f *fixture) (ledger.Product, string) { return *f.product, "NOPE" },
			want:  ledger.ErrNotFound,
		},
		{
			name: "inactive affiliate",
			setup: func(t *testing.T, f *fixture) (ledger.Product, string) {
				ledgertest.SeedAffiliate(t, f.store, "aff-off", ledgertest.WithStatus(ledger.AffiliateSuspended))
				return *f.product, "AFaff-off"
			},
			want: ledger.ErrAffiliateInactive,
		},
		{
			name: "product closed to affiliation",
			setup: func(t *testing.T, f *fixture) (ledger.Product, string) {
				p := ledgertest.SeedProduct(t, f.store, "p-closed", ledgertest.ClosedToAffiliation())
				return *p, "AFaff-1"
			},
			want: ledger.ErrProductNotAffiliable,
		},
		{
			name: "no commission configured",
			setup: func(t *testing.T, f *fixture) (ledger.Product, string) {
				p := ledgertest.SeedProduct(t, f.store, "p-free", ledgertest.WithCommission(0, 0))
				return *p, "AFaff-1"
			},
			want: ledger.ErrNoCommissionConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			product, code := tt.setup(t, f)

			res, err := f.service.AttributeSale(context.Background(), ledgertest.Sale("s-1", product.ID, 200), product, code)

			require.NoError(t, err)
			assert.False(t, res.Processed)
			assert.ErrorIs(t, res.Skipped, tt.want)
			assert.Nil(t, res.Attribution)
			assert.Equal(t, 0, ledgertest.Affiliate(t, f.store, "aff-1").TotalSales)
		})
	}
}

func TestAttributeSale_CreatesMissingLink(t *testing.T) {
	f := newFixture(t)
	other := ledgertest.SeedProduct(t, f.store, "p-2")

	res, err := f.service.AttributeSale(context.Background(), ledgertest.Sale("s-1", "p-2", 100), *other, "AFaff-1")

	require.NoError(t, err)
	require.True(t, res.Processed)
	link, err := f.store.FindLink(context.Background(), "aff-1", "p-2")
	require.NoError(t, err)
	assert.Equal(t, res.Attribution.LinkID, link.ID)
	assert.Equal(t, 1, link.Conversions)
	assert.Equal(t, "https://shop.example.com/checkout?ref=AFaff-1", link.URL)
}

func TestAttributeSale_SkippedCommissionLeavesNoLink(t *testing.T) {
	f := newFixture(t)
	free := ledgertest.SeedProduct(t, f.store, "p-free", ledgertest.WithCommission(0, 0))

	// WHEN: a sale on a product without any commission
	res, err := f.service.AttributeSale(context.Background(), ledgertest.Sale("s-1", "p-free", 100), *free, "AFaff-1")

	// THEN: skipped, and no tracking link was created for the pair
	require.NoError(t, err)
	assert.ErrorIs(t, res.Skipped, ledger.ErrNoCommissionConfigured)
	_, err = f.store.FindLink(context.Background(), "aff-1", "p-free")
	assert.True(t, ledger.IsNotFound(err))
}

func TestAttributeSale_CountsSaleClickForSaleCreditedProduct(t *testing.T) {
	f := newFixture(t, ledgertest.CreditingOnSale())

	f.attribute(t, ledgertest.Sale("s-1", "p-1", 200), "AFaff-1")

	// THEN: the sale-time click was validated and counted
	link := ledgertest.Link(t, f.store, "link-aff-1-p-1")
	assert.Equal(t, 1, link.Clicks)
	valid, _, err := f.store.CountClicks(context.Background(), "aff-1")
	require.NoError(t, err)
	assert.Equal(t, 1, valid)
}

func TestAttributeSale_TriggersReleaseForVendorAffiliate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ledgertest.SeedAffiliate(t, f.store, "aff-v", ledgertest.WithVendor("vendor-9"))

	// WHEN: a sale whose commission alone reaches the threshold
	res := f.attribute(t, ledgertest.Sale("s-1", "p-1", 500), "AFaff-v")

	// THEN
	require.NotNil(t, res.Release)
	ledgertest.AssertMoney(t, "50", res.Release.Value)
	assert.Equal(t, ledger.StatusPaid, res.Attribution.Status)

	stored, err := f.store.FindAttribution(ctx, "aff-v", "s-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, stored.Status)
	assert.Equal(t, res.Release.MovementID, stored.ReleaseID)

	balance, err := f.store.GetVendorBalance(ctx, "vendor-9")
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "50", balance.Current)

	// Affiliate aggregates are untouched by the release
	ledgertest.AssertMoney(t, "50", ledgertest.Affiliate(t, f.store, "aff-v").AvailableBalance)
}

// =============================================================================
// UPDATE STATUS
// =============================================================================

func TestUpdateStatus_CancelReversesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.attribute(t, ledgertest.Sale("s-1", "p-1", 100), "AFaff-1")
	f.attribute(t, ledgertest.Sale("s-2", "p-1", 200), "AFaff-1")

	// GIVEN: balance 30 after two sales
	ledgertest.AssertMoney(t, "30", ledgertest.Affiliate(t, f.store, "aff-1").AvailableBalance)

	// WHEN: the 20.00 sale is cancelled
	res, err := f.service.UpdateAttributionStatus(ctx, "s-2", ledger.StatusCancelled)

	// THEN
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, ledger.StatusPending, res.Previous)
	ledgertest.AssertMoney(t, "20", res.Reversed)

	aff := ledgertest.Affiliate(t, f.store, "aff-1")
	ledgertest.AssertMoney(t, "10", aff.AvailableBalance)
	ledgertest.AssertMoney(t, "10", aff.TotalCommissions)
	assert.Equal(t, 1, aff.TotalSales)

	// WHEN: cancelled again
	again, err := f.service.UpdateAttributionStatus(ctx, "s-2", ledger.StatusCancelled)

	// THEN: no-op
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, ledger.StatusCancelled, again.Attribution.Status)
	ledgertest.AssertMoney(t, "10", ledgertest.Affiliate(t, f.store, "aff-1").AvailableBalance)

	assert.Contains(t, f.sink.types(), notify.AttributionCancelled)
}

func TestUpdateStatus_PaidCreditsOnlyTheDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: an already-credited attribution
	f.attribute(t, ledgertest.Sale("s-1", "p-1", 200), "AFaff-1")

	// WHEN
	res, err := f.service.UpdateAttributionStatus(ctx, "s-1", ledger.StatusPaid)

	// THEN: status moves, nothing is credited twice
	require.NoError(t, err)
	assert.True(t, res.Changed)
	ledgertest.AssertMoney(t, "0", res.Credited)
	require.NotNil(t, res.Attribution.PaidAt)
	ledgertest.AssertMoney(t, "20", ledgertest.Affiliate(t, f.store, "aff-1").AvailableBalance)
}

func TestUpdateStatus_PaidCreditsUncreditedCommission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: a pending attribution whose commission never reached the balance
	err := f.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertAttribution(ctx, &ledger.Attribution{
			ID: "att-legacy", SaleID: "s-legacy", AffiliateID: "aff-1", ProductID: "p-1",
			SaleValue: ledgertest.Dec("80"), CommissionValue: ledgertest.Dec("8"),
			CreditedValue: ledgertest.Dec("0"), Status: ledger.StatusPending, CreatedAt: ledgertest.Epoch,
		})
	})
	require.NoError(t, err)

	// WHEN
	res, err := f.service.UpdateAttributionStatus(ctx, "s-legacy", ledger.StatusPaid)

	// THEN
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "8", res.Credited)
	aff := ledgertest.Affiliate(t, f.store, "aff-1")
	ledgertest.AssertMoney(t, "8", aff.AvailableBalance)
	ledgertest.AssertMoney(t, "8", aff.TotalCommissions)

	// WHEN: paid again
	again, err := f.service.UpdateAttributionStatus(ctx, "s-legacy", ledger.StatusPaid)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	ledgertest.AssertMoney(t, "8", ledgertest.Affiliate(t, f.store, "aff-1").AvailableBalance)
}

func TestUpdateStatus_BackwardsTransitionIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.attribute(t, ledgertest.Sale("s-1", "p-1", 200), "AFaff-1")
	_, err := f.service.UpdateAttributionStatus(ctx, "s-1", ledger.StatusPaid)
	require.NoError(t, err)

	res, err := f.service.UpdateAttributionStatus(ctx, "s-1", ledger.StatusPending)

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, ledger.StatusPaid, res.Attribution.Status)
}

func TestUpdateStatus_CancelReleasedDebitsVendor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ledgertest.SeedAffiliate(t, f.store, "aff-v", ledgertest.WithVendor("vendor-9"))
	res := f.attribute(t, ledgertest.Sale("s-1", "p-1", 500), "AFaff-v")
	require.NotNil(t, res.Release)

	// WHEN
	cancelled, err := f.service.UpdateAttributionStatus(ctx, "s-1", ledger.StatusCancelled)

	// THEN: affiliate and vendor both give the 50.00 back
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, cancelled.Previous)
	ledgertest.AssertMoney(t, "0", ledgertest.Affiliate(t, f.store, "aff-v").AvailableBalance)

	balance, err := f.store.GetVendorBalance(ctx, "vendor-9")
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "0", balance.Current)
	ledgertest.AssertMoney(t, "50", balance.TotalRevenue)

	movements, err := f.store.ListMovements(ctx, "vendor-9")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	kinds := []ledger.MovementKind{movements[0].Kind, movements[1].Kind}
	assert.ElementsMatch(t, []ledger.MovementKind{ledger.MovementCredit, ledger.MovementDebit}, kinds)
}

func TestUpdateStatus_ReversalUnderflowIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: an attribution claiming credit the affiliate balance never received
	err := f.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertAttribution(ctx, &ledger.Attribution{
			ID: "att-x", SaleID: "s-x", AffiliateID: "aff-1", ProductID: "p-1",
			SaleValue: ledgertest.Dec("200"), CommissionValue: ledgertest.Dec("20"),
			CreditedValue: ledgertest.Dec("20"), Status: ledger.StatusPending, CreatedAt: ledgertest.Epoch,
		})
	})
	require.NoError(t, err)

	// WHEN
	_, err = f.service.UpdateAttributionStatus(ctx, "s-x", ledger.StatusCancelled)

	// THEN: refused, nothing changes
	require.ErrorIs(t, err, ledger.ErrInconsistent)
	var inc *ledger.InconsistentError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, "available_balance", inc.Field)

	a, err := f.store.FindAttribution(ctx, "aff-1", "s-x")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, a.Status)
}

func TestUpdateStatus_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.UpdateAttributionStatus(context.Background(), "missing", ledger.StatusPaid)
	assert.True(t, ledger.IsNotFound(err))

	_, err = f.service.UpdateAttributionStatus(context.Background(), "missing", "refunded")
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}
