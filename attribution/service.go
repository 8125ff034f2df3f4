/*
Package attribution implements the attribution ledger.

PURPOSE:
  Creates the single Attribution linking a sale to its referring
  affiliate, credits the commission to the affiliate atomically, and
  moves attributions through their forward-only status arcs.

ATTRIBUTE SALE:
  Phase 1 (one transaction, all-or-nothing):
    - insert Attribution(status=pending, credited_value=commission)
    - affiliate: total_sales+1, total_commissions+=c, available_balance+=c
    - link: conversions+1
  Phase 2 (after commit, failures logged and swallowed):
    - sale-time click validation (dispatched through effects)
    - attribution.created notification
    - release evaluation for vendor-linked affiliates

  A sale without a usable referral never fails: Result.Processed is false
  and Result.Skipped says why.

IDEMPOTENCY:
  (affiliate, sale) is unique. The gate is checked before the transaction,
  again inside it, and finally enforced by the store's unique index. Any
  of the three returns the existing record with AlreadyExisted=true.

STATUS ARCS:
  pending -> paid       credit commission - credited_value (never double)
  pending -> cancelled  compensating reversal of credited_value
  paid    -> cancelled  same; released commissions are also debited back
                        from the vendor balance
  anything else         no-op, current state returned

  A reversal that would push a balance below zero fails with
  ErrInconsistent. It is never clamped.

SEE ALSO:
  - commission/commission.go: amount computation
  - release/engine.go: pending -> paid in bulk
*/
package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/effects"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/notify"
	"github.com/warp/affiliate-ledger/release"
)

// ClickCounter is the part of the click ledger run after commits.
type ClickCounter interface {
	ValidateAndCountClickOnSale(ctx context.Context, sc clicks.SaleClick) (clicks.Outcome, error)
	Reconcile(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (clicks.Outcome, error)
}

// Releaser evaluates the release threshold for one affiliate.
type Releaser interface {
	Evaluate(ctx context.Context, affiliateID ledger.AffiliateID) (*release.Release, error)
}

// Service is the attribution ledger.
type Service struct {
	store    ledger.Store
	clicks   ClickCounter
	releaser Releaser
	effects  notify.Submitter
	sink     notify.Sink
	baseURL  string
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEffects sets where post-commit click validation runs.
func WithEffects(sub notify.Submitter) Option { return func(s *Service) { s.effects = sub } }

func WithSink(sink notify.Sink) Option { return func(s *Service) { s.sink = sink } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLinkBaseURL sets the checkout base used for lazily created links.
func WithLinkBaseURL(url string) Option { return func(s *Service) { s.baseURL = url } }

// New creates the attribution service. clickCounter and releaser may be nil.
func New(store ledger.Store, clickCounter ClickCounter, releaser Releaser, logger zerolog.Logger, opts ...Option) *Service {
	logger = logger.With().Str("component", "attribution").Logger()
	s := &Service{
		store:    store,
		clicks:   clickCounter,
		releaser: releaser,
		effects:  effects.Inline{Logger: logger},
		sink:     notify.Discard{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of AttributeSale.
type Result struct {
	Processed      bool
	AlreadyExisted bool
	// Skipped is why the sale was not attributed when Processed is false.
	Skipped     error
	Attribution *ledger.Attribution
	Commission  commission.Result
	Release     *release.Release
}

// =============================================================================
// ATTRIBUTE SALE
// =============================================================================

// AttributeSale attributes a completed sale to the affiliate owning
// referralCode. It returns an error only when the ledger transaction
// itself failed; the caller may retry those.
func (s *Service) AttributeSale(ctx context.Context, sale ledger.Sale, product ledger.Product, referralCode string) (Result, error) {
	log := s.logger.With().Str("sale_id", string(sale.ID)).Str("product_id", string(product.ID)).Logger()

	if referralCode == "" {
		return skipped(ledger.NotFound("referral_code", "")), nil
	}
	aff, err := s.store.GetAffiliateByCode(ctx, referralCode)
	if ledger.IsNotFound(err) {
		log.Info().Str("code", referralCode).Msg("sale not attributed: unknown referral code")
		return skipped(err), nil
	}
	if err != nil {
		return Result{}, err
	}
	log = log.With().Str("affiliate_id", string(aff.ID)).Logger()

	if !aff.IsActive() {
		log.Info().Str("status", string(aff.Status)).Msg("sale not attributed: affiliate inactive")
		return skipped(fmt.Errorf("affiliate %s: %w", aff.ID, ledger.ErrAffiliateInactive)), nil
	}
	if !product.AllowsAffiliation {
		log.Info().Msg("sale not attributed: product closed to affiliation")
		return skipped(fmt.Errorf("product %s: %w", product.ID, ledger.ErrProductNotAffiliable)), nil
	}

	// Idempotency gate
	if existing, err := s.store.FindAttribution(ctx, aff.ID, sale.ID); err == nil {
		return alreadyExisted(existing), nil
	} else if !ledger.IsNotFound(err) {
		return Result{}, err
	}

	comm, err := commission.Compute(sale, product, *aff)
	if err != nil {
		log.Warn().Err(err).Str("value", sale.Value.String()).Msg("sale not attributed: commission")
		return skipped(err), nil
	}

	link, err := s.resolveLink(ctx, aff, product.ID)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	att := &ledger.Attribution{
		ID:              ledger.NewID[ledger.AttributionID](),
		SaleID:          sale.ID,
		AffiliateID:     aff.ID,
		ProductID:       product.ID,
		LinkID:          link.ID,
		SaleValue:       sale.Value,
		PercentUsed:     comm.PercentUsed,
		CommissionValue: comm.Amount,
		CreditedValue:   comm.Amount,
		Status:          ledger.StatusPending,
		CreatedAt:       now,
	}

	var existing *ledger.Attribution
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if found, err := tx.FindAttribution(ctx, aff.ID, sale.ID); err == nil {
			existing = found
			return nil
		} else if !ledger.IsNotFound(err) {
			return err
		}

		locked, err := tx.LockAffiliate(ctx, aff.ID)
		if err != nil {
			return err
		}
		if !locked.IsActive() {
			return fmt.Errorf("affiliate %s: %w", aff.ID, ledger.ErrAffiliateInactive)
		}
		lockedLink, err := tx.LockLink(ctx, link.ID)
		if err != nil {
			return err
		}

		if err := tx.InsertAttribution(ctx, att); err != nil {
			return err
		}

		locked.TotalSales++
		locked.TotalCommissions = locked.TotalCommissions.Add(comm.Amount)
		locked.AvailableBalance = locked.AvailableBalance.Add(comm.Amount)
		locked.LastActivityAt = &now
		if err := tx.SaveAffiliate(ctx, locked); err != nil {
			return err
		}

		lockedLink.Conversions++
		return tx.SaveLink(ctx, lockedLink)
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		// Lost the insert race; the winner's record is committed.
		found, ferr := s.store.FindAttribution(ctx, aff.ID, sale.ID)
		if ferr != nil {
			return Result{}, ferr
		}
		return alreadyExisted(found), nil
	case errors.Is(err, ledger.ErrAffiliateInactive):
		return skipped(err), nil
	case err != nil:
		log.Error().Err(err).Msg("attribution transaction failed")
		return Result{}, err
	}
	if existing != nil {
		return alreadyExisted(existing), nil
	}

	log.Info().
		Str("attribution_id", string(att.ID)).
		Str("amount", comm.Amount.StringFixed(ledger.MoneyPlaces)).
		Str("rule", comm.Rule).
		Msg("sale attributed")

	res := Result{Processed: true, Attribution: att, Commission: comm}
	s.afterAttribution(ctx, aff, link, sale, att, &res)
	return res, nil
}

// resolveLink returns the pair's link, creating it on first use. A
// concurrent creator winning the unique index is re-fetched.
func (s *Service) resolveLink(ctx context.Context, aff *ledger.Affiliate, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	link, err := s.store.FindLink(ctx, aff.ID, productID)
	if err == nil {
		return link, nil
	}
	if !ledger.IsNotFound(err) {
		return nil, err
	}

	link = &ledger.TrackingLink{
		ID:          ledger.NewID[ledger.LinkID](),
		AffiliateID: aff.ID,
		ProductID:   productID,
		CreatedAt:   s.now(),
	}
	if s.baseURL != "" {
		link.URL = ledger.ReferralURL(s.baseURL, aff.Code)
	}
	err = s.store.CreateLink(ctx, link)
	if errors.Is(err, ledger.ErrDuplicateLink) {
		return s.store.FindLink(ctx, aff.ID, productID)
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// afterAttribution runs phase 2. Nothing here can fail the attribution.
func (s *Service) afterAttribution(ctx context.Context, aff *ledger.Affiliate, link *ledger.TrackingLink, sale ledger.Sale, att *ledger.Attribution, res *Result) {
	if s.clicks != nil {
		sc := clicks.SaleClick{
			AffiliateID: aff.ID,
			ProductID:   att.ProductID,
			LinkID:      link.ID,
			SaleID:      sale.ID,
			Customer:    sale.Customer,
			Signals:     sale.Signals,
		}
		s.effects.Submit("clicks.validate_on_sale", func(ctx context.Context) error {
			_, err := s.clicks.ValidateAndCountClickOnSale(ctx, sc)
			return err
		})
	}

	s.publish(ctx, notify.AttributionCreated, att)

	if s.releaser != nil && aff.VendorLinked() {
		rel, err := s.releaser.Evaluate(ctx, aff.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("affiliate_id", string(aff.ID)).Msg("release evaluation failed")
			return
		}
		res.Release = rel
		if rel != nil {
			att.Status = ledger.StatusPaid
			att.ReleaseID = rel.MovementID
			at := rel.At
			att.PaidAt = &at
		}
	}
}

func (s *Service) publish(ctx context.Context, t notify.EventType, att *ledger.Attribution) {
	ev := notify.New(t, att.AffiliateID, s.now(), notify.AttributionPayloadOf(att))
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Str("sale_id", string(att.SaleID)).Msg("notification failed")
	}
}

func skipped(reason error) Result {
	return Result{Processed: false, Skipped: reason}
}

func alreadyExisted(a *ledger.Attribution) Result {
	return Result{Processed: true, AlreadyExisted: true, Attribution: a}
}

// =============================================================================
// UPDATE STATUS
// =============================================================================

// StatusResult is the outcome of UpdateAttributionStatus.
type StatusResult struct {
	Attribution *ledger.Attribution
	Previous    ledger.AttributionStatus
	Changed     bool
	// Credited is the delta credited on pending -> paid.
	Credited decimal.Decimal
	// Reversed is the amount taken back on cancellation.
	Reversed decimal.Decimal
}

// UpdateAttributionStatus moves the sale's attribution along a valid arc.
// Any other transition returns the current state unchanged.
func (s *Service) UpdateAttributionStatus(ctx context.Context, saleID ledger.SaleID, status ledger.AttributionStatus) (StatusResult, error) {
	if !status.Valid() {
		return StatusResult{}, fmt.Errorf("status %q: %w", status, ledger.ErrInvalidState)
	}
	now := s.now()
	var res StatusResult

	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Lock order is affiliate before attribution, so resolve the
		// owner with a plain read first.
		owner, err := tx.FindAttributionBySale(ctx, saleID)
		if err != nil {
			return err
		}
		aff, err := tx.LockAffiliate(ctx, owner.AffiliateID)
		if err != nil {
			return err
		}
		att, err := tx.LockAttributionBySale(ctx, saleID)
		if err != nil {
			return err
		}
		if att.AffiliateID != aff.ID {
			return fmt.Errorf("%w: sale %s changed owner during status update", ledger.ErrTransientFailure, saleID)
		}
		res = StatusResult{Attribution: att, Previous: att.Status, Credited: decimal.Zero, Reversed: decimal.Zero}

		switch {
		case att.Status == ledger.StatusPending && status == ledger.StatusPaid:
			return s.markPaid(ctx, tx, aff, att, now, &res)
		case att.Status != ledger.StatusCancelled && status == ledger.StatusCancelled:
			return s.cancel(ctx, tx, aff, att, now, &res)
		default:
			return nil
		}
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInconsistent) {
			s.logger.Error().Err(err).Str("sale_id", string(saleID)).Str("status", string(status)).Msg("status update refused")
		}
		return StatusResult{}, err
	}
	if !res.Changed {
		return res, nil
	}

	att := res.Attribution
	log := s.logger.Info().
		Str("sale_id", string(saleID)).
		Str("affiliate_id", string(att.AffiliateID)).
		Str("from", string(res.Previous)).
		Str("to", string(att.Status))

	switch att.Status {
	case ledger.StatusPaid:
		log.Str("amount", res.Credited.StringFixed(ledger.MoneyPlaces)).Msg("attribution paid")
		s.publish(ctx, notify.AttributionPaid, att)
		if s.clicks != nil {
			affiliateID, productID := att.AffiliateID, att.ProductID
			s.effects.Submit("clicks.reconcile", func(ctx context.Context) error {
				_, err := s.clicks.Reconcile(ctx, affiliateID, productID)
				return err
			})
		}
	case ledger.StatusCancelled:
		log.Str("amount", res.Reversed.StringFixed(ledger.MoneyPlaces)).Msg("attribution cancelled")
		s.publish(ctx, notify.AttributionCancelled, att)
	}
	return res, nil
}

// markPaid credits only what never reached the balance.
func (s *Service) markPaid(ctx context.Context, tx ledger.Tx, aff *ledger.Affiliate, att *ledger.Attribution, now time.Time, res *StatusResult) error {
	delta := att.CommissionValue.Sub(att.CreditedValue)
	if delta.IsPositive() {
		aff.AvailableBalance = aff.AvailableBalance.Add(delta)
		aff.TotalCommissions = aff.TotalCommissions.Add(delta)
		aff.LastActivityAt = &now
		if err := tx.SaveAffiliate(ctx, aff); err != nil {
			return err
		}
		att.CreditedValue = att.CommissionValue
		res.Credited = delta
	}

	att.Status = ledger.StatusPaid
	att.PaidAt = &now
	res.Changed = true
	return tx.SaveAttribution(ctx, att)
}

// cancel applies the compensating reversal.
func (s *Service) cancel(ctx context.Context, tx ledger.Tx, aff *ledger.Affiliate, att *ledger.Attribution, now time.Time, res *StatusResult) error {
	amount := att.CreditedValue
	subject := string(aff.ID)
	if aff.AvailableBalance.LessThan(amount) {
		return &ledger.InconsistentError{Subject: subject, Field: "available_balance", Have: aff.AvailableBalance, Need: amount}
	}
	if aff.TotalCommissions.LessThan(amount) {
		return &ledger.InconsistentError{Subject: subject, Field: "total_commissions", Have: aff.TotalCommissions, Need: amount}
	}
	if aff.TotalSales < 1 {
		return &ledger.InconsistentError{Subject: subject, Field: "total_sales", Have: decimal.NewFromInt(int64(aff.TotalSales)), Need: decimal.NewFromInt(1)}
	}

	aff.AvailableBalance = aff.AvailableBalance.Sub(amount)
	aff.TotalCommissions = aff.TotalCommissions.Sub(amount)
	aff.TotalSales--
	aff.LastActivityAt = &now
	if err := tx.SaveAffiliate(ctx, aff); err != nil {
		return err
	}

	if att.ReleaseID != "" {
		if err := debitVendor(ctx, tx, aff, att, now); err != nil {
			return err
		}
	}

	att.Status = ledger.StatusCancelled
	att.CancelledAt = &now
	att.CreditedValue = decimal.Zero
	res.Reversed = amount
	res.Changed = true
	return tx.SaveAttribution(ctx, att)
}

// debitVendor takes a released commission back from the vendor balance.
func debitVendor(ctx context.Context, tx ledger.Tx, aff *ledger.Affiliate, att *ledger.Attribution, now time.Time) error {
	if !aff.VendorLinked() {
		return fmt.Errorf("%w: attribution %s released but affiliate %s has no vendor", ledger.ErrInconsistent, att.ID, aff.ID)
	}
	balance, err := tx.LockVendorBalance(ctx, aff.VendorID)
	if ledger.IsNotFound(err) {
		return fmt.Errorf("%w: attribution %s released but vendor %s has no balance", ledger.ErrInconsistent, att.ID, aff.VendorID)
	}
	if err != nil {
		return err
	}

	amount := att.CommissionValue
	if balance.Current.LessThan(amount) {
		return &ledger.InconsistentError{Subject: string(aff.VendorID), Field: "vendor_balance", Have: balance.Current, Need: amount}
	}

	balance.Current = balance.Current.Sub(amount)
	balance.UpdatedAt = now
	if err := tx.SaveVendorBalance(ctx, balance); err != nil {
		return err
	}
	return tx.InsertMovement(ctx, &ledger.BalanceMovement{
		ID:          ledger.NewID[ledger.MovementID](),
		VendorID:    aff.VendorID,
		Kind:        ledger.MovementDebit,
		Origin:      ledger.OriginCommissionReversal,
		ReferenceID: string(att.ID),
		Amount:      amount,
		Description: fmt.Sprintf("commission reversal for sale %s", att.SaleID),
		CreatedAt:   now,
	})
}
