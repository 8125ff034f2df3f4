/*
store.go - Persistence ports for the affiliate ledger

PURPOSE:
  Defines the interface between ledger logic and the relational store.
  Ledger components never see SQL; they see Reader (plain reads),
  Registry (non-ledger setup writes) and Tx (everything that moves money).

KEY INTERFACES:
  Reader:         Unlocked reads for lookups and reports
  Registry:       Affiliate/product/link setup, outside ledger transactions
  Tx:             Locked reads and writes inside one database transaction
  Store:          Reader + Registry + WithTx
  ProductCatalog: Read-only product lookup

LOCKING CONTRACT:
  Every Lock* method takes a row lock held until the transaction ends
  (SELECT ... FOR UPDATE on PostgreSQL/MySQL, the database write lock on
  SQLite). Counters are read, changed and saved under that lock, so two
  concurrent clicks can never both see the same unpaid count.

LOCK ORDER:
  Transactions lock in one global order, skipping what they do not need:
    affiliate -> tracking link -> attribution(s) -> vendor balance
  Rows needed to find a lockable row (the owner of a sale) are read with
  the unlocked Find* methods first.

UNIQUENESS:
  - one TrackingLink per (affiliate, product): CreateLink -> ErrDuplicateLink
  - one Attribution per (affiliate, sale): InsertAttribution -> ErrDuplicateAttribution

TIMEOUTS:
  WithTx bounds each transaction. Deadline and lock-wait failures surface
  as ErrTransientFailure so callers can retry.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: database/sql + go-sqlite3
  - store/sqldb/store.go:   gorm on PostgreSQL or MySQL
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER - Unlocked reads
// =============================================================================

type Reader interface {
	GetAffiliate(ctx context.Context, id AffiliateID) (*Affiliate, error)
	GetAffiliateByCode(ctx context.Context, code string) (*Affiliate, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetLink(ctx context.Context, id LinkID) (*TrackingLink, error)
	FindLink(ctx context.Context, affiliateID AffiliateID, productID ProductID) (*TrackingLink, error)
	FindAttribution(ctx context.Context, affiliateID AffiliateID, saleID SaleID) (*Attribution, error)

	ListLinks(ctx context.Context, affiliateID AffiliateID) ([]TrackingLink, error)
	// ListAttributions returns attributions created at or after since, newest first.
	ListAttributions(ctx context.Context, affiliateID AffiliateID, since time.Time) ([]Attribution, error)
	CountClicks(ctx context.Context, affiliateID AffiliateID) (valid, invalid int, err error)

	GetVendorBalance(ctx context.Context, vendorID VendorID) (*VendorBalance, error)
	ListMovements(ctx context.Context, vendorID VendorID) ([]BalanceMovement, error)

	// ListReleaseCandidates returns vendor-linked affiliates with pending attributions.
	ListReleaseCandidates(ctx context.Context) ([]AffiliateID, error)
}

// ProductCatalog is the read-only product view the ledger consumes.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
}

// =============================================================================
// REGISTRY - Setup writes that never move money
// =============================================================================

type Registry interface {
	CreateAffiliate(ctx context.Context, a *Affiliate) error
	SaveProduct(ctx context.Context, p *Product) error
	// CreateLink returns ErrDuplicateLink when the pair already has a link.
	CreateLink(ctx context.Context, l *TrackingLink) error
}

// =============================================================================
// TX - Locked operations inside one database transaction
// =============================================================================

type Tx interface {
	LockAffiliate(ctx context.Context, id AffiliateID) (*Affiliate, error)
	SaveAffiliate(ctx context.Context, a *Affiliate) error

	LockLink(ctx context.Context, id LinkID) (*TrackingLink, error)
	LockLinkFor(ctx context.Context, affiliateID AffiliateID, productID ProductID) (*TrackingLink, error)
	SaveLink(ctx context.Context, l *TrackingLink) error

	InsertClick(ctx context.Context, c *ClickRecord) error
	// HasRecentClick reports a valid traffic click on the link with the fingerprint at or after since.
	HasRecentClick(ctx context.Context, linkID LinkID, fingerprint string, since time.Time) (bool, error)

	FindAttribution(ctx context.Context, affiliateID AffiliateID, saleID SaleID) (*Attribution, error)
	// FindAttributionBySale reads the sale's earliest attribution without locking it.
	FindAttributionBySale(ctx context.Context, saleID SaleID) (*Attribution, error)
	LockAttributionBySale(ctx context.Context, saleID SaleID) (*Attribution, error)
	InsertAttribution(ctx context.Context, a *Attribution) error
	SaveAttribution(ctx context.Context, a *Attribution) error
	// LockPendingAttributions returns all pending attributions of the affiliate, oldest first.
	LockPendingAttributions(ctx context.Context, affiliateID AffiliateID) ([]Attribution, error)
	// MarkReleased flips the given pending attributions to paid.
	MarkReleased(ctx context.Context, ids []AttributionID, releaseID MovementID, paidAt time.Time) (int, error)
	// CountQualifyingSales counts non-cancelled attributions for the pair with sale value >= minValue.
	CountQualifyingSales(ctx context.Context, affiliateID AffiliateID, productID ProductID, minValue decimal.Decimal) (int, error)

	LockVendorBalance(ctx context.Context, vendorID VendorID) (*VendorBalance, error)
	// LockOrCreateVendorBalance inserts a zero balance when the vendor has
	// none, then locks it. Concurrent first credits serialize on the row.
	LockOrCreateVendorBalance(ctx context.Context, vendorID VendorID) (*VendorBalance, error)
	// SaveVendorBalance inserts or updates the aggregate.
	SaveVendorBalance(ctx context.Context, b *VendorBalance) error
	InsertMovement(ctx context.Context, m *BalanceMovement) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader
	Registry

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
