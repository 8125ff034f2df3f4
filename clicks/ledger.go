/*
Package clicks implements the click ledger.

PURPOSE:
  Records every click evaluation against a tracking link and converts
  completed batches of valid clicks into credit on the affiliate.

TWO COUNTING PATHS (exactly one is active per product):
  traffic (default)  RecordClick counts and converts.
                     ValidateAndCountClickOnSale only audits.
  sale               RecordClick only audits.
                     ValidateAndCountClickOnSale checks the buyer, counts,
                     and converts once the link has >= BatchSize unpaid
                     clicks AND the pair has >= MinQualifyingSales
                     non-cancelled sales of >= QualifyingSaleValue.

BATCH RULE:
  unpaid  = clicks - clicks_paid
  batches = floor(unpaid / BatchSize)
  paid    = batches * BatchSize -> clicks_paid on link and affiliate
  credit  = batches * CreditPerBatch -> link credits_generated,
            affiliate click_credits and available_balance
  The remainder is never reset; it waits for the next batch.

LOCKING:
  Link and affiliate are locked for the whole count-then-convert sequence,
  so two concurrent clicks pushing unpaid from 9 to 10 convert once.

AUDIT:
  A ClickRecord is written for every evaluation, including rejected and
  duplicate clicks. Counters are never touched for invalid clicks.

SEE ALSO:
  - batch.go: pure batch arithmetic
  - fraud/oracle.go: signals and duplicate customers
*/
package clicks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/notify"
)

const ReasonDuplicateClick = "duplicate click"

// Ledger is the click ledger service.
type Ledger struct {
	store   ledger.Store
	catalog ledger.ProductCatalog
	oracle  fraud.Oracle
	sink    notify.Sink
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithConfig(cfg Config) Option { return func(l *Ledger) { l.cfg = cfg } }

func WithSink(sink notify.Sink) Option { return func(l *Ledger) { l.sink = sink } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a click ledger. The catalog is usually the store itself.
func New(store ledger.Store, catalog ledger.ProductCatalog, oracle fraud.Oracle, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		catalog: catalog,
		oracle:  oracle,
		sink:    notify.Discard{},
		cfg:     DefaultConfig(),
		logger:  logger.With().Str("component", "clicks").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the batch configuration in use.
func (l *Ledger) Config() Config { return l.cfg }

// Click is a raw traffic click with signals already scored by the oracle.
type Click struct {
	LinkID      ledger.LinkID
	AffiliateID ledger.AffiliateID
	ProductID   ledger.ProductID
	Signals     ledger.FraudSignals
}

// SaleClick is the originating click of a completed sale.
type SaleClick struct {
	AffiliateID ledger.AffiliateID
	ProductID   ledger.ProductID
	LinkID      ledger.LinkID // optional, resolved from the pair when empty
	SaleID      ledger.SaleID
	Customer    ledger.Customer
	Signals     ledger.FraudSignals // raw request signals, scored here
}

// Outcome is the result of one click evaluation.
type Outcome struct {
	ClickID    ledger.ClickID
	Registered bool
	Valid      bool
	Reason     string
	// Counted is false when the product's other path counts clicks.
	Counted          bool
	CreditsGenerated bool
	Value            decimal.Decimal
	ClicksRemaining  int
	// Gated is true when a full batch waits on qualifying sales.
	Gated bool
}

// =============================================================================
// RECORD CLICK (traffic path)
// =============================================================================

// RecordClick records a traffic click and, for traffic-credited products,
// counts it and converts completed batches.
func (l *Ledger) RecordClick(ctx context.Context, click Click) (Outcome, error) {
	product, err := l.catalog.GetProduct(ctx, click.ProductID)
	if err != nil {
		return Outcome{}, err
	}
	now := l.now()

	var (
		out    Outcome
		credit *notify.ClickCreditPayload
	)
	err = l.store.WithTx(ctx, func(tx ledger.Tx) error {
		aff, err := lockActive(ctx, tx, click.AffiliateID)
		if err != nil {
			return err
		}
		link, err := lockLink(ctx, tx, click.LinkID, click.AffiliateID, click.ProductID)
		if err != nil {
			return err
		}

		rec, err := l.insertRecord(ctx, tx, link, ledger.ClickFromTraffic, "", click.Signals, now)
		if err != nil {
			return err
		}
		out = Outcome{ClickID: rec.ID, Registered: true, Valid: rec.Valid, Reason: rec.Reason}
		if !rec.Valid {
			return nil
		}
		if product.CreditsOnSale() {
			out.ClicksRemaining = l.cfg.Remaining(link.Unpaid())
			return nil
		}

		countClick(link, aff, now)
		out.Counted = true
		credit, err = l.convert(ctx, tx, link, aff, &out)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	l.logOutcome(click.AffiliateID, click.LinkID, out)
	l.publishCredit(ctx, click.AffiliateID, credit)
	return out, nil
}

// =============================================================================
// VALIDATE AND COUNT ON SALE (sale path)
// =============================================================================

// ValidateAndCountClickOnSale scores the click that led to a sale. For
// sale-credited products it also rejects repeat buyers, counts the click
// and converts batches once the qualifying-sales gate is open.
func (l *Ledger) ValidateAndCountClickOnSale(ctx context.Context, sc SaleClick) (Outcome, error) {
	product, err := l.catalog.GetProduct(ctx, sc.ProductID)
	if err != nil {
		return Outcome{}, err
	}

	// Oracle calls stay outside the transaction.
	signals, err := l.oracle.Evaluate(ctx, fraud.RequestFromSignals(sc.AffiliateID, sc.ProductID, sc.LinkID, sc.Signals))
	if err != nil {
		return Outcome{}, fmt.Errorf("fraud evaluation: %w", err)
	}
	if signals.Valid && product.CreditsOnSale() {
		verdict, err := l.oracle.CheckDuplicateCustomer(ctx, fraud.CustomerCheck{
			AffiliateID: sc.AffiliateID,
			ProductID:   sc.ProductID,
			SaleID:      sc.SaleID,
			Customer:    sc.Customer,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("duplicate customer check: %w", err)
		}
		if !verdict.Valid {
			signals.Valid = false
			signals.Reason = verdict.Reason
		}
	}

	now := l.now()
	var (
		out    Outcome
		linkID ledger.LinkID
		credit *notify.ClickCreditPayload
	)
	err = l.store.WithTx(ctx, func(tx ledger.Tx) error {
		aff, err := lockActive(ctx, tx, sc.AffiliateID)
		if err != nil {
			return err
		}
		link, err := lockLink(ctx, tx, sc.LinkID, sc.AffiliateID, sc.ProductID)
		if err != nil {
			return err
		}
		linkID = link.ID

		rec, err := l.insertRecord(ctx, tx, link, ledger.ClickFromSale, sc.SaleID, signals, now)
		if err != nil {
			return err
		}
		out = Outcome{ClickID: rec.ID, Registered: true, Valid: rec.Valid, Reason: rec.Reason}
		if !rec.Valid {
			return nil
		}
		if !product.CreditsOnSale() {
			out.ClicksRemaining = l.cfg.Remaining(link.Unpaid())
			return nil
		}

		countClick(link, aff, now)
		out.Counted = true
		credit, err = l.convertGated(ctx, tx, link, aff, &out)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	l.logOutcome(sc.AffiliateID, linkID, out)
	l.publishCredit(ctx, sc.AffiliateID, credit)
	return out, nil
}

// =============================================================================
// RECONCILE (revalidation without a new click)
// =============================================================================

// Reconcile re-runs the gated conversion for a sale-credited pair. Used
// after an attribution is paid, when a waiting batch may now qualify.
// Traffic-credited pairs and pairs without a link are left untouched.
func (l *Ledger) Reconcile(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (Outcome, error) {
	product, err := l.catalog.GetProduct(ctx, productID)
	if err != nil {
		return Outcome{}, err
	}
	if !product.CreditsOnSale() {
		return Outcome{}, nil
	}

	var (
		out    Outcome
		credit *notify.ClickCreditPayload
	)
	err = l.store.WithTx(ctx, func(tx ledger.Tx) error {
		aff, err := tx.LockAffiliate(ctx, affiliateID)
		if err != nil {
			return err
		}
		link, err := tx.LockLinkFor(ctx, affiliateID, productID)
		if ledger.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !aff.IsActive() {
			return fmt.Errorf("affiliate %s is %s: %w", aff.ID, aff.Status, ledger.ErrAffiliateInactive)
		}
		credit, err = l.convertGated(ctx, tx, link, aff, &out)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.CreditsGenerated {
		l.logger.Info().
			Str("affiliate_id", string(affiliateID)).
			Str("product_id", string(productID)).
			Str("amount", out.Value.StringFixed(ledger.MoneyPlaces)).
			Msg("clicks converted on revalidation")
	}
	l.publishCredit(ctx, affiliateID, credit)
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func lockActive(ctx context.Context, tx ledger.Tx, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	aff, err := tx.LockAffiliate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !aff.IsActive() {
		return nil, fmt.Errorf("affiliate %s is %s: %w", aff.ID, aff.Status, ledger.ErrAffiliateInactive)
	}
	return aff, nil
}

func lockLink(ctx context.Context, tx ledger.Tx, id ledger.LinkID, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	if id == "" {
		return tx.LockLinkFor(ctx, affiliateID, productID)
	}
	link, err := tx.LockLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.AffiliateID != affiliateID || link.ProductID != productID {
		return nil, fmt.Errorf("link %s: %w", link.ID, ledger.ErrLinkMismatch)
	}
	return link, nil
}

// insertRecord writes the audit row. A valid traffic click repeating a
// fingerprint within the duplicate window is downgraded to invalid.
func (l *Ledger) insertRecord(ctx context.Context, tx ledger.Tx, link *ledger.TrackingLink, source ledger.ClickSource, saleID ledger.SaleID, signals ledger.FraudSignals, now time.Time) (*ledger.ClickRecord, error) {
	valid, reason := signals.Valid, signals.Reason
	if !valid && reason == "" {
		reason = "rejected by fraud screening"
	}

	if valid && source == ledger.ClickFromTraffic && l.cfg.DuplicateWindow > 0 {
		dup, err := tx.HasRecentClick(ctx, link.ID, signals.Fingerprint, now.Add(-l.cfg.DuplicateWindow))
		if err != nil {
			return nil, err
		}
		if dup {
			valid, reason = false, ReasonDuplicateClick
		}
	}

	rec := &ledger.ClickRecord{
		ID:          ledger.NewID[ledger.ClickID](),
		LinkID:      link.ID,
		AffiliateID: link.AffiliateID,
		ProductID:   link.ProductID,
		SaleID:      saleID,
		Source:      source,
		Signals:     signals,
		Valid:       valid,
		Reason:      reason,
		CreatedAt:   now,
	}
	if err := tx.InsertClick(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func countClick(link *ledger.TrackingLink, aff *ledger.Affiliate, now time.Time) {
	link.Clicks++
	link.LastClickAt = &now
	aff.TotalClicks++
	aff.LastActivityAt = &now
}

// convert applies the batch rule and saves both rows.
func (l *Ledger) convert(ctx context.Context, tx ledger.Tx, link *ledger.TrackingLink, aff *ledger.Affiliate, out *Outcome) (*notify.ClickCreditPayload, error) {
	conv := l.cfg.Convert(link.Unpaid())
	if conv.Batches == 0 {
		out.ClicksRemaining = l.cfg.Remaining(link.Unpaid())
		return nil, save(ctx, tx, link, aff)
	}

	link.ClicksPaid += conv.PaidNow
	link.CreditsGenerated = link.CreditsGenerated.Add(conv.Credit)
	aff.ClicksPaid += conv.PaidNow
	aff.ClickCredits = aff.ClickCredits.Add(conv.Credit)
	aff.AvailableBalance = aff.AvailableBalance.Add(conv.Credit)

	out.CreditsGenerated = true
	out.Value = conv.Credit
	out.ClicksRemaining = 0

	if err := save(ctx, tx, link, aff); err != nil {
		return nil, err
	}
	return &notify.ClickCreditPayload{
		LinkID:    link.ID,
		ProductID: link.ProductID,
		Value:     conv.Credit.StringFixed(ledger.MoneyPlaces),
		Clicks:    conv.PaidNow,
	}, nil
}

// convertGated converts only when the qualifying-sales gate is open.
func (l *Ledger) convertGated(ctx context.Context, tx ledger.Tx, link *ledger.TrackingLink, aff *ledger.Affiliate, out *Outcome) (*notify.ClickCreditPayload, error) {
	if link.Unpaid() >= l.cfg.BatchSize {
		qualifying, err := tx.CountQualifyingSales(ctx, link.AffiliateID, link.ProductID, l.cfg.QualifyingSaleValue)
		if err != nil {
			return nil, err
		}
		if qualifying < l.cfg.MinQualifyingSales {
			out.Gated = true
			out.ClicksRemaining = l.cfg.Remaining(link.Unpaid())
			return nil, save(ctx, tx, link, aff)
		}
	}
	return l.convert(ctx, tx, link, aff, out)
}

func save(ctx context.Context, tx ledger.Tx, link *ledger.TrackingLink, aff *ledger.Affiliate) error {
	if err := tx.SaveLink(ctx, link); err != nil {
		return err
	}
	return tx.SaveAffiliate(ctx, aff)
}

func (l *Ledger) logOutcome(affiliateID ledger.AffiliateID, linkID ledger.LinkID, out Outcome) {
	ev := l.logger.Debug()
	switch {
	case !out.Valid:
		ev = l.logger.Info().Str("reason", out.Reason)
	case out.CreditsGenerated:
		ev = l.logger.Info().Str("amount", out.Value.StringFixed(ledger.MoneyPlaces))
	}
	ev.Str("affiliate_id", string(affiliateID)).
		Str("link_id", string(linkID)).
		Str("click_id", string(out.ClickID)).
		Bool("valid", out.Valid).
		Bool("counted", out.Counted).
		Bool("gated", out.Gated).
		Int("clicks_remaining", out.ClicksRemaining).
		Msg("click recorded")
}

func (l *Ledger) publishCredit(ctx context.Context, affiliateID ledger.AffiliateID, credit *notify.ClickCreditPayload) {
	if credit == nil {
		return
	}
	ev := notify.New(notify.ClickCredited, affiliateID, l.now(), *credit)
	if err := l.sink.Publish(ctx, ev); err != nil {
		l.logger.Warn().Err(err).Str("affiliate_id", string(affiliateID)).Msg("click credit notification failed")
	}
}
