/*
Package release implements the release engine.

PURPOSE:
  Moves an affiliate's accumulated pending commissions into the payable
  balance of the vendor account the affiliate is linked to, once their
  sum reaches the release threshold.

ALGORITHM (one transaction):
  1. Lock the affiliate; skip unless vendor-linked
  2. Lock all pending attributions, sum commission_value
  3. sum < Threshold -> no change (repeat evaluation is idempotent)
  4. Credit movement of the full sum on the vendor balance
  5. Lock (creating at zero if missing) and update the vendor balance
  6. Flip every locked attribution to paid with paid_at and release_id

TRIGGERS:
  - attribution.Service after every new pending attribution
  - Sweeper on an interval over all release candidates (sweeper.go)

SEE ALSO:
  - attribution/service.go: cancellation debits a released commission back
*/
package release

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/notify"
)

// DefaultThreshold returns the pending sum that triggers a release.
func DefaultThreshold() decimal.Decimal { return decimal.NewFromInt(50) }

// Release describes one committed release.
type Release struct {
	MovementID   ledger.MovementID
	AffiliateID  ledger.AffiliateID
	VendorID     ledger.VendorID
	Value        decimal.Decimal
	Attributions []ledger.AttributionID
	At           time.Time
}

// Engine evaluates and commits releases.
type Engine struct {
	store     ledger.Store
	sink      notify.Sink
	threshold decimal.Decimal
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithThreshold(t decimal.Decimal) Option { return func(e *Engine) { e.threshold = t } }

func WithSink(sink notify.Sink) Option { return func(e *Engine) { e.sink = sink } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a release engine.
func NewEngine(store ledger.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		sink:      notify.Discard{},
		threshold: DefaultThreshold(),
		logger:    logger.With().Str("component", "release").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the configured release threshold.
func (e *Engine) Threshold() decimal.Decimal { return e.threshold }

// Evaluate releases the affiliate's pending commissions when they reach the
// threshold. It returns nil when nothing was released.
func (e *Engine) Evaluate(ctx context.Context, affiliateID ledger.AffiliateID) (*Release, error) {
	now := e.now()
	var rel *Release

	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		aff, err := tx.LockAffiliate(ctx, affiliateID)
		if err != nil {
			return err
		}
		if !aff.VendorLinked() {
			return nil
		}

		pending, err := tx.LockPendingAttributions(ctx, affiliateID)
		if err != nil {
			return err
		}
		sum := decimal.Zero
		ids := make([]ledger.AttributionID, 0, len(pending))
		for _, a := range pending {
			sum = sum.Add(a.CommissionValue)
			ids = append(ids, a.ID)
		}
		if len(ids) == 0 || sum.LessThan(e.threshold) {
			return nil
		}

		balance, err := tx.LockOrCreateVendorBalance(ctx, aff.VendorID)
		if err != nil {
			return err
		}

		movement := &ledger.BalanceMovement{
			ID:          ledger.NewID[ledger.MovementID](),
			VendorID:    aff.VendorID,
			Kind:        ledger.MovementCredit,
			Origin:      ledger.OriginAffiliateCommission,
			ReferenceID: string(affiliateID),
			Amount:      sum,
			Description: fmt.Sprintf("affiliate commissions released: %d sales", len(ids)),
			CreatedAt:   now,
		}
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}

		balance.Current = balance.Current.Add(sum)
		balance.TotalRevenue = balance.TotalRevenue.Add(sum)
		balance.UpdatedAt = now
		if err := tx.SaveVendorBalance(ctx, balance); err != nil {
			return err
		}

		n, err := tx.MarkReleased(ctx, ids, movement.ID, now)
		if err != nil {
			return err
		}
		if n != len(ids) {
			return fmt.Errorf("%w: released %d of %d locked attributions for %s",
				ledger.ErrInconsistent, n, len(ids), affiliateID)
		}

		rel = &Release{
			MovementID:   movement.ID,
			AffiliateID:  affiliateID,
			VendorID:     aff.VendorID,
			Value:        sum,
			Attributions: ids,
			At:           now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, nil
	}

	e.logger.Info().
		Str("affiliate_id", string(rel.AffiliateID)).
		Str("vendor_id", string(rel.VendorID)).
		Str("movement_id", string(rel.MovementID)).
		Str("amount", rel.Value.StringFixed(ledger.MoneyPlaces)).
		Int("attributions", len(rel.Attributions)).
		Msg("commissions released")

	ev := notify.New(notify.CommissionsReleased, rel.AffiliateID, now, notify.ReleasePayload{
		MovementID:   rel.MovementID,
		VendorID:     rel.VendorID,
		Value:        rel.Value.StringFixed(ledger.MoneyPlaces),
		Attributions: len(rel.Attributions),
	})
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("affiliate_id", string(rel.AffiliateID)).Msg("release notification failed")
	}
	return rel, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evaluated int
	Released  int
	Value     decimal.Decimal
	Failed    int
}

// Sweep evaluates every vendor-linked affiliate with pending attributions.
// Per-affiliate failures are logged and counted; the sweep continues.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Value: decimal.Zero}

	candidates, err := e.store.ListReleaseCandidates(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list release candidates: %w", err)
	}

	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Evaluated++
		rel, err := e.Evaluate(ctx, id)
		if err != nil {
			res.Failed++
			e.logger.Error().Err(err).Str("affiliate_id", string(id)).Msg("release evaluation failed")
			continue
		}
		if rel != nil {
			res.Released++
			res.Value = res.Value.Add(rel.Value)
		}
	}
	return res, nil
}
