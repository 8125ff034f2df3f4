package release_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	events []notify.Event
}

func (s *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func seedPending(t *testing.T, store *sqlite.Store, affiliateID ledger.AffiliateID, sale string, commission string) *ledger.Attribution {
	t.Helper()
	a := &ledger.Attribution{
		ID:              ledger.AttributionID("att-" + sale),
		SaleID:          ledger.SaleID(sale),
		AffiliateID:     affiliateID,
		ProductID:       "p-1",
		LinkID:          ledger.LinkID("link-" + string(affiliateID) + "-p-1"),
		SaleValue:       ledgertest.Dec(commission).Mul(ledgertest.Dec("10")),
		CommissionValue: ledgertest.Dec(commission),
		CreditedValue:   ledgertest.Dec(commission),
		Status:          ledger.StatusPending,
		CreatedAt:       ledgertest.Epoch,
	}
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertAttribution(context.Background(), a)
	})
	require.NoError(t, err)
	return a
}

func newEngine(t *testing.T, opts ...release.Option) (*sqlite.Store, *release.Engine, *recordingSink) {
	t.Helper()
	store := ledgertest.NewStore(t)
	ledgertest.SeedProduct(t, store, "p-1")
	ledgertest.SeedAffiliate(t, store, "aff-v", ledgertest.WithVendor("vendor-9"))
	ledgertest.SeedLink(t, store, "aff-v", "p-1")

	sink := &recordingSink{}
	clock := ledgertest.NewClock()
	opts = append([]release.Option{release.WithClock(clock.Now), release.WithSink(sink)}, opts...)
	return store, release.NewEngine(store, zerolog.Nop(), opts...), sink
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_BelowThresholdReleasesNothing(t *testing.T) {
	// GIVEN: 49.00 pending across two sales
	store, engine, sink := newEngine(t)
	seedPending(t, store, "aff-v", "s-1", "30.00")
	seedPending(t, store, "aff-v", "s-2", "19.00")

	// WHEN
	rel, err := engine.Evaluate(context.Background(), "aff-v")

	// THEN
	require.NoError(t, err)
	assert.Nil(t, rel)
	_, err = store.GetVendorBalance(context.Background(), "vendor-9")
	assert.True(t, ledger.IsNotFound(err))
	assert.Empty(t, sink.events)
}

func TestEvaluate_ReachingThresholdReleasesAll(t *testing.T) {
	ctx := context.Background()

	// GIVEN: 49.00 pending, then one more 1.00 sale
	store, engine, sink := newEngine(t)
	seedPending(t, store, "aff-v", "s-1", "30.00")
	seedPending(t, store, "aff-v", "s-2", "19.00")
	seedPending(t, store, "aff-v", "s-3", "1.00")

	// WHEN
	rel, err := engine.Evaluate(ctx, "aff-v")

	// THEN: the full 50.00 moves to the vendor in one credit movement
	require.NoError(t, err)
	require.NotNil(t, rel)
	ledgertest.AssertMoney(t, "50", rel.Value)
	assert.Equal(t, ledger.VendorID("vendor-9"), rel.VendorID)
	assert.Len(t, rel.Attributions, 3)

	balance, err := store.GetVendorBalance(ctx, "vendor-9")
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "50", balance.Current)
	ledgertest.AssertMoney(t, "50", balance.TotalRevenue)

	movements, err := store.ListMovements(ctx, "vendor-9")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, ledger.MovementCredit, movements[0].Kind)
	assert.Equal(t, ledger.OriginAffiliateCommission, movements[0].Origin)
	assert.Equal(t, "aff-v", movements[0].ReferenceID)
	assert.Equal(t, rel.MovementID, movements[0].ID)

	for _, sale := range []ledger.SaleID{"s-1", "s-2", "s-3"} {
		a, err := store.FindAttribution(ctx, "aff-v", sale)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPaid, a.Status, sale)
		assert.Equal(t, rel.MovementID, a.ReleaseID, sale)
		require.NotNil(t, a.PaidAt, sale)
		assert.True(t, a.PaidAt.Equal(ledgertest.Epoch), sale)
	}

	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.CommissionsReleased, sink.events[0].Type)
}

func TestEvaluate_RepeatIsIdempotent(t *testing.T) {
	ctx := context.Background()

	// GIVEN: a committed release
	store, engine, _ := newEngine(t)
	seedPending(t, store, "aff-v", "s-1", "60.00")
	first, err := engine.Evaluate(ctx, "aff-v")
	require.NoError(t, err)
	require.NotNil(t, first)

	// WHEN: evaluated again with nothing pending
	second, err := engine.Evaluate(ctx, "aff-v")

	// THEN
	require.NoError(t, err)
	assert.Nil(t, second)
	balance, err := store.GetVendorBalance(ctx, "vendor-9")
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "60", balance.Current)
	movements, err := store.ListMovements(ctx, "vendor-9")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestEvaluate_SkipsAffiliateWithoutVendor(t *testing.T) {
	ctx := context.Background()

	// GIVEN: a plain affiliate with plenty pending
	store, engine, _ := newEngine(t)
	ledgertest.SeedAffiliate(t, store, "aff-plain")
	seedPending(t, store, "aff-plain", "s-1", "500.00")

	// WHEN
	rel, err := engine.Evaluate(ctx, "aff-plain")

	// THEN: nothing moves and the attribution stays pending
	require.NoError(t, err)
	assert.Nil(t, rel)
	a, err := store.FindAttribution(ctx, "aff-plain", "s-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, a.Status)
}

func TestEvaluate_CustomThreshold(t *testing.T) {
	store, engine, _ := newEngine(t, release.WithThreshold(ledgertest.Dec("10")))
	seedPending(t, store, "aff-v", "s-1", "12.00")

	rel, err := engine.Evaluate(context.Background(), "aff-v")

	require.NoError(t, err)
	require.NotNil(t, rel)
	ledgertest.AssertMoney(t, "12", rel.Value)
	ledgertest.AssertMoney(t, "10", engine.Threshold())
}

func TestEvaluate_DefaultThreshold(t *testing.T) {
	_, engine, _ := newEngine(t)

	ledgertest.AssertMoney(t, "50", engine.Threshold())
	ledgertest.AssertMoney(t, "50", release.DefaultThreshold())
}

func TestEvaluate_FirstReleaseCreatesVendorBalance(t *testing.T) {
	ctx := context.Background()
	store, engine, _ := newEngine(t)
	seedPending(t, store, "aff-v", "s-1", "55.00")

	_, err := store.GetVendorBalance(ctx, "vendor-9")
	require.True(t, ledger.IsNotFound(err))

	rel, err := engine.Evaluate(ctx, "aff-v")

	require.NoError(t, err)
	require.NotNil(t, rel)
	balance, err := store.GetVendorBalance(ctx, "vendor-9")
	require.NoError(t, err)
	ledgertest.AssertMoney(t, "55", balance.Current)
	ledgertest.AssertMoney(t, "55", balance.TotalRevenue)
}

func TestEvaluate_UnknownAffiliate(t *testing.T) {
	_, engine, _ := newEngine(t)

	_, err := engine.Evaluate(context.Background(), "nobody")

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_ReleasesEveryCandidateAboveThreshold(t *testing.T) {
	ctx := context.Background()

	// GIVEN: two vendor-linked affiliates, one above and one below threshold
	store, engine, _ := newEngine(t)
	ledgertest.SeedAffiliate(t, store, "aff-w", ledgertest.WithVendor("vendor-10"))
	seedPending(t, store, "aff-v", "s-1", "75.00")
	seedPending(t, store, "aff-w", "s-2", "20.00")

	// WHEN
	res, err := engine.Sweep(ctx)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 0, res.Failed)
	ledgertest.AssertMoney(t, "75", res.Value)

	a, err := store.FindAttribution(ctx, "aff-w", "s-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, a.Status)
}

func TestSweeper_RunNowRecordsResult(t *testing.T) {
	store, engine, _ := newEngine(t)
	seedPending(t, store, "aff-v", "s-1", "50.00")
	sweeper := release.NewSweeper(engine, time.Hour, zerolog.Nop())

	res := sweeper.RunNow(context.Background())

	assert.Equal(t, 1, res.Released)
	last, runs := sweeper.Last()
	assert.Equal(t, 1, runs)
	assert.Equal(t, res.Released, last.Released)
}

func TestSweeper_StartRunsImmediatelyAndStops(t *testing.T) {
	store, engine, _ := newEngine(t)
	for i := 0; i < 5; i++ {
		seedPending(t, store, "aff-v", fmt.Sprintf("s-%d", i), "10.00")
	}
	sweeper := release.NewSweeper(engine, time.Hour, zerolog.Nop())

	sweeper.Start()
	require.Eventually(t, func() bool {
		_, runs := sweeper.Last()
		return runs >= 1
	}, 2*time.Second, 10*time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()

	last, _ := sweeper.Last()
	assert.Equal(t, 1, last.Released)
	ledgertest.AssertMoney(t, "50", last.Value)
}

func TestSweeper_DisabledWithZeroInterval(t *testing.T) {
	_, engine, _ := newEngine(t)
	sweeper := release.NewSweeper(engine, 0, zerolog.Nop())

	sweeper.Start()
	sweeper.Stop()

	_, runs := sweeper.Last()
	assert.Equal(t, 0, runs)
}
