package sqldb

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/attribution"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledgertest"
	"github.com/warp/affiliate-ledger/release"
)

// =============================================================================
// CONCURRENCY CONTRACT (needs a database, real row locks)
// =============================================================================

func runID() string { return uuid.NewString()[:8] }

func TestContract_ConcurrentClicksConvertOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run := runID()
	affID := ledger.AffiliateID("aff-" + run)
	productID := ledger.ProductID("p-" + run)

	// GIVEN: 9 unpaid clicks on a traffic-credited link
	ledgertest.SeedAffiliate(t, store, affID)
	ledgertest.SeedProduct(t, store, productID)
	link := ledgertest.SeedLink(t, store, affID, productID)
	l := clicks.New(store, store, fraud.Passthrough{}, zerolog.Nop())

	click := func(i int) (clicks.Outcome, error) {
		return l.RecordClick(ctx, clicks.Click{
			LinkID: link.ID, AffiliateID: affID, ProductID: productID,
			Signals: ledger.FraudSignals{Fingerprint: fmt.Sprintf("%s-%d", run, i), Valid: true},
		})
	}
	for i := 0; i < 9; i++ {
		_, err := click(i)
		require.NoError(t, err)
	}

	// WHEN: several clicks push unpaid past 10 at once
	var wg sync.WaitGroup
	results := make([]clicks.Outcome, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = click(100 + i)
		}(i)
	}
	wg.Wait()

	// THEN: one conversion, no deadlock
	conversions := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].CreditsGenerated {
			conversions++
		}
	}
	assert.Equal(t, 1, conversions)

	got := ledgertest.Link(t, store, link.ID)
	assert.Equal(t, 13, got.Clicks)
	assert.Equal(t, 10, got.ClicksPaid)
	ledgertest.AssertMoney(t, "1", ledgertest.Affiliate(t, store, affID).AvailableBalance)
}

func TestContract_ConcurrentFirstReleasesShareVendor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run := runID()
	vendorID := ledger.VendorID("vendor-" + run)
	productID := ledger.ProductID("p-" + run)
	affA, affB := ledger.AffiliateID("aff-a-"+run), ledger.AffiliateID("aff-b-"+run)

	// GIVEN: two affiliates of one vendor with releasable pending sums
	product := ledgertest.SeedProduct(t, store, productID)
	ledgertest.SeedAffiliate(t, store, affA, ledgertest.WithVendor(vendorID))
	ledgertest.SeedAffiliate(t, store, affB, ledgertest.WithVendor(vendorID))
	service := attribution.New(store, nil, nil, zerolog.Nop())
	engine := release.NewEngine(store, zerolog.Nop())

	_, err := service.AttributeSale(ctx, ledgertest.Sale(ledger.SaleID("s-a-"+run), productID, 500), *product, "AF"+string(affA))
	require.NoError(t, err)
	_, err = service.AttributeSale(ctx, ledgertest.Sale(ledger.SaleID("s-b-"+run), productID, 700), *product, "AF"+string(affB))
	require.NoError(t, err)

	// WHEN: both release while the vendor has no balance row
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []ledger.AffiliateID{affA, affB} {
		wg.Add(1)
		go func(i int, id ledger.AffiliateID) {
			defer wg.Done()
			_, errs[i] = engine.Evaluate(ctx, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// THEN: no credit is lost
	balance, err := store.GetVendorBalance(ctx, vendorID)
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "120", balance.Current)
	ledgertest.AssertMoney(t, "120", balance.TotalRevenue)

	movements, err := store.ListMovements(ctx, vendorID)
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestContract_CancelRacingRelease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	run := runID()
	vendorID := ledger.VendorID("vendor-" + run)
	productID := ledger.ProductID("p-" + run)
	affID := ledger.AffiliateID("aff-" + run)
	cancelled := ledger.SaleID("s-2-" + run)

	// GIVEN: pending 40.00 + 20.00, releasable together but not alone
	product := ledgertest.SeedProduct(t, store, productID)
	ledgertest.SeedAffiliate(t, store, affID, ledgertest.WithVendor(vendorID))
	service := attribution.New(store, nil, nil, zerolog.Nop())
	engine := release.NewEngine(store, zerolog.Nop())

	_, err := service.AttributeSale(ctx, ledgertest.Sale(ledger.SaleID("s-1-"+run), productID, 400), *product, "AF"+string(affID))
	require.NoError(t, err)
	_, err = service.AttributeSale(ctx, ledgertest.Sale(cancelled, productID, 200), *product, "AF"+string(affID))
	require.NoError(t, err)

	// WHEN: the 20.00 sale is cancelled while a release runs
	var wg sync.WaitGroup
	var releaseErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = engine.Evaluate(ctx, affID)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = service.UpdateAttributionStatus(ctx, cancelled, ledger.StatusCancelled)
	}()
	wg.Wait()

	// THEN: both complete and the books agree in either order
	require.NoError(t, releaseErr)
	require.NoError(t, cancelErr)
	ledgertest.AssertMoney(t, "40", ledgertest.Affiliate(t, store, affID).AvailableBalance)

	balance, err := store.GetVendorBalance(ctx, vendorID)
	if ledger.IsNotFound(err) {
		return // cancel won; 40.00 alone stays under the threshold
	}
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "40", balance.Current)
	ledgertest.AssertMoney(t, "60", balance.TotalRevenue)
}
