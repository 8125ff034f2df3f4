/*
Package ledger provides the core types of the affiliate commission ledger.

PURPOSE:
  This package contains the domain types shared by every ledger component:
  affiliates and their running aggregates, tracking links and their click
  counters, click records, attributions, and the vendor payable balance.
  It has no knowledge of persistence or transport.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts (never float64)
  - Affiliate: referring party with running aggregates
  - TrackingLink: per (affiliate, product) counters
  - ClickRecord: immutable audit row for each click evaluation
  - Attribution: the one record linking a sale to its affiliate
  - VendorBalance / BalanceMovement: the payable side of a release

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal
  2. Type Safety: distinct ID types so links and affiliates can't be mixed
  3. Forward-only status: attributions move pending -> paid -> cancelled

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence ports
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept for currency amounts.
const MoneyPlaces = 2

// Money returns a decimal from a float literal. Intended for constants and tests.
func Money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// MustParseMoney parses a decimal string, returning zero on malformed input.
func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundMoney rounds half-up to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AffiliateID string
type ProductID string
type LinkID string
type SaleID string
type VendorID string
type AttributionID string
type ClickID string
type MovementID string

// =============================================================================
// AFFILIATE
// =============================================================================

type AffiliateStatus string

const (
	AffiliateActive    AffiliateStatus = "active"
	AffiliateInactive  AffiliateStatus = "inactive"
	AffiliateSuspended AffiliateStatus = "suspended"
)

// Affiliate is a referring party. Aggregates only grow, except for the
// explicit reversal applied when an attribution is cancelled.
type Affiliate struct {
	ID                   AffiliateID
	Name                 string
	Email                string
	Code                 string // referral code used in links
	Status               AffiliateStatus
	CommissionPercentual decimal.Decimal // fallback rate when the product has none
	VendorID             VendorID        // empty unless the affiliate has a payable vendor account

	TotalClicks      int
	ClicksPaid       int
	TotalSales       int
	TotalCommissions decimal.Decimal
	AvailableBalance decimal.Decimal
	ClickCredits     decimal.Decimal

	LastActivityAt *time.Time
	CreatedAt      time.Time
}

func (a *Affiliate) IsActive() bool { return a.Status == AffiliateActive }

// VendorLinked reports whether releases apply to this affiliate.
func (a *Affiliate) VendorLinked() bool { return a.VendorID != "" }

// =============================================================================
// PRODUCT (read-only catalog view)
// =============================================================================

// ClickCrediting selects which path counts clicks for a product's links.
type ClickCrediting string

const (
	// CreditOnTraffic counts and converts clicks when they are recorded.
	CreditOnTraffic ClickCrediting = "traffic"
	// CreditOnSale counts clicks only when a sale completes, under the
	// qualifying-sales gate.
	CreditOnSale ClickCrediting = "sale"
)

type Product struct {
	ID                ProductID
	Name              string
	VendorID          VendorID
	CommissionPercent decimal.Decimal // 0 means no percentage configured
	CommissionMinimum decimal.Decimal // 0 means no minimum configured
	AllowsAffiliation bool
	ClickCrediting    ClickCrediting
}

// CreditsOnSale reports whether clicks for this product are counted at sale time.
func (p Product) CreditsOnSale() bool { return p.ClickCrediting == CreditOnSale }

// =============================================================================
// TRACKING LINK
// =============================================================================

// TrackingLink holds the counters for one (affiliate, product) pair.
// At most one link exists per pair.
type TrackingLink struct {
	ID               LinkID
	AffiliateID      AffiliateID
	ProductID        ProductID
	URL              string
	Clicks           int // valid clicks counted
	ClicksPaid       int // clicks already converted into credit
	CreditsGenerated decimal.Decimal
	Conversions      int
	LastClickAt      *time.Time
	CreatedAt        time.Time
}

// Unpaid returns the valid clicks not yet converted into credit.
func (l *TrackingLink) Unpaid() int { return l.Clicks - l.ClicksPaid }

// =============================================================================
// CLICK RECORD
// =============================================================================

type ClickSource string

const (
	ClickFromTraffic ClickSource = "traffic"
	ClickFromSale    ClickSource = "sale"
)

// FraudSignals are the request signals for a click plus the oracle's verdict.
type FraudSignals struct {
	IPAddress   string
	UserAgent   string
	Fingerprint string
	Referer     string
	SessionID   string
	Browser     string
	OS          string
	Device      string

	Valid  bool
	Reason string
}

// ClickRecord is written once per click evaluation, valid or not.
// Immutable once written.
type ClickRecord struct {
	ID          ClickID
	LinkID      LinkID
	AffiliateID AffiliateID
	ProductID   ProductID
	SaleID      SaleID // set for sale-time validation
	Source      ClickSource
	Signals     FraudSignals
	Valid       bool
	Reason      string
	CreatedAt   time.Time
}

// =============================================================================
// ATTRIBUTION
// =============================================================================

type AttributionStatus string

const (
	StatusPending   AttributionStatus = "pending"
	StatusPaid      AttributionStatus = "paid"
	StatusCancelled AttributionStatus = "cancelled"
)

func (s AttributionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// Attribution links one sale to the affiliate who referred it.
// Unique per (AffiliateID, SaleID).
type Attribution struct {
	ID          AttributionID
	SaleID      SaleID
	AffiliateID AffiliateID
	ProductID   ProductID
	LinkID      LinkID
	SaleValue   decimal.Decimal
	// PercentUsed is nil when a flat commission was applied.
	PercentUsed     *decimal.Decimal
	CommissionValue decimal.Decimal
	// CreditedValue is how much of the commission reached AvailableBalance.
	CreditedValue decimal.Decimal
	Status        AttributionStatus
	ReleaseID     MovementID // movement that released this commission, if any
	PaidAt        *time.Time
	CancelledAt   *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// SALE (input)
// =============================================================================

// Customer identifies the buyer for duplicate-customer detection.
type Customer struct {
	Name      string
	Contact   string
	Email     string
	IPAddress string
	UserAgent string
}

// Sale is the completed purchase handed in by the sale pipeline.
type Sale struct {
	ID         SaleID
	ProductID  ProductID
	Value      decimal.Decimal
	Customer   Customer
	Signals    FraudSignals // signals of the originating click, if known
	OccurredAt time.Time
}

// =============================================================================
// VENDOR PAYABLE
// =============================================================================

type MovementKind string

const (
	MovementCredit MovementKind = "credit"
	MovementDebit  MovementKind = "debit"
)

const (
	OriginAffiliateCommission = "affiliate_commission"
	OriginCommissionReversal  = "affiliate_commission_reversal"
)

// BalanceMovement is an append-only entry on a vendor's payable balance.
type BalanceMovement struct {
	ID          MovementID
	VendorID    VendorID
	Kind        MovementKind
	Origin      string
	ReferenceID string // affiliate or attribution the movement came from
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// VendorBalance is the aggregate of a vendor's movements.
type VendorBalance struct {
	VendorID     VendorID
	Current      decimal.Decimal
	TotalRevenue decimal.Decimal
	UpdatedAt    time.Time
}
