/*
Package sqldb provides a gorm-backed implementation of the ledger store for
PostgreSQL and MySQL.

PURPOSE:
  Production store. Same contract as store/sqlite, but with real row locks:
  every ledger.Tx Lock* method issues SELECT ... FOR UPDATE, so concurrent
  transactions on different affiliates proceed in parallel while two
  transactions on the same link or affiliate serialize.

SCHEMA:
  Created with gorm AutoMigrate from models.go. Uniqueness that the ledger
  relies on is declared there as unique indexes:
    ux_links_pair          (affiliate_id, product_id)
    ux_attributions_sale   (affiliate_id, sale_id)

ERRORS:
  Opened with TranslateError, so unique violations arrive as
  gorm.ErrDuplicatedKey. Lock waits, deadlocks and serialization failures
  (MySQL 1205/1213, PostgreSQL 55P03/40001/40P01) become
  ledger.ErrTransientFailure.

MYSQL DSN:
  Requires parseTime=true, e.g.
  ledger:secret@tcp(localhost:3306)/ledger?parseTime=true&loc=UTC

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package sqldb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store implements ledger.Store on gorm.
type Store struct {
	db        *gorm.DB
	txTimeout time.Duration
}

// Options configures Open.
type Options struct {
	MaxOpenConns int
	TxTimeout    time.Duration
}

// Open connects to PostgreSQL ("postgres") or MySQL ("mysql") and migrates
// the schema.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = gormmysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError:         true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(max(opts.MaxOpenConns/2, 1))
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := &Store{db: db, txTimeout: opts.TxTimeout}
	if store.txTimeout <= 0 {
		store.txTimeout = 5 * time.Second
	}
	if err := store.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&affiliateRow{},
		&productRow{},
		&linkRow{},
		&clickRow{},
		&attributionRow{},
		&vendorBalanceRow{},
		&movementRow{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction bounded by the tx timeout.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
	return classify(ctx, err)
}

// classify marks timeouts and lock contention as transient.
func classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ledger.ErrTransientFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrTransientFailure, err)
	}
	if isLockError(err) {
		return fmt.Errorf("%w: %w", ledger.ErrTransientFailure, err)
	}
	return err
}

// isLockError reports lock wait timeouts, deadlocks and serialization failures.
func isLockError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return true
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return true
		}
	}
	return false
}

type txStore struct {
	db *gorm.DB
}

func locked(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// take loads one row or returns a NotFoundError for kind/id.
func take[T any](q *gorm.DB, kind string, id any) (T, error) {
	var row T
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ledger.NotFound(kind, id)
	}
	if err != nil {
		return row, fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return row, nil
}

// =============================================================================
// AFFILIATES
// =============================================================================

func (s *Store) GetAffiliate(ctx context.Context, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	row, err := take[affiliateRow](s.db.WithContext(ctx).Where("id = ?", string(id)), "affiliate", id)
	if err != nil {
		return nil, err
	}
	return toAffiliate(row), nil
}

func (s *Store) GetAffiliateByCode(ctx context.Context, code string) (*ledger.Affiliate, error) {
	row, err := take[affiliateRow](s.db.WithContext(ctx).Where("code = ?", code), "affiliate", code)
	if err != nil {
		return nil, err
	}
	return toAffiliate(row), nil
}

func (s *Store) CreateAffiliate(ctx context.Context, a *ledger.Affiliate) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	row := fromAffiliate(a)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

func (t *txStore) LockAffiliate(ctx context.Context, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	row, err := take[affiliateRow](locked(t.db.WithContext(ctx)).Where("id = ?", string(id)), "affiliate", id)
	if err != nil {
		return nil, err
	}
	return toAffiliate(row), nil
}

func (t *txStore) SaveAffiliate(ctx context.Context, a *ledger.Affiliate) error {
	err := t.db.WithContext(ctx).Model(&affiliateRow{}).Where("id = ?", string(a.ID)).Updates(map[string]any{
		"status":            string(a.Status),
		"total_clicks":      a.TotalClicks,
		"clicks_paid":       a.ClicksPaid,
		"total_sales":       a.TotalSales,
		"total_commissions": a.TotalCommissions,
		"available_balance": a.AvailableBalance,
		"click_credits":     a.ClickCredits,
		"last_activity_at":  a.LastActivityAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save affiliate: %w", err)
	}
	return nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	row, err := take[productRow](s.db.WithContext(ctx).Where("id = ?", string(id)), "product", id)
	if err != nil {
		return nil, err
	}
	return toProduct(row), nil
}

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p *ledger.Product) error {
	if p.ClickCrediting == "" {
		p.ClickCrediting = ledger.CreditOnTraffic
	}
	row := productRow{
		ID:                string(p.ID),
		Name:              p.Name,
		VendorID:          string(p.VendorID),
		CommissionPercent: p.CommissionPercent,
		CommissionMinimum: p.CommissionMinimum,
		AllowsAffiliation: p.AllowsAffiliation,
		ClickCrediting:    string(p.ClickCrediting),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// =============================================================================
// TRACKING LINKS
// =============================================================================

func (s *Store) GetLink(ctx context.Context, id ledger.LinkID) (*ledger.TrackingLink, error) {
	row, err := take[linkRow](s.db.WithContext(ctx).Where("id = ?", string(id)), "tracking_link", id)
	if err != nil {
		return nil, err
	}
	return toLink(row), nil
}

func (s *Store) FindLink(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	q := s.db.WithContext(ctx).Where("affiliate_id = ? AND product_id = ?", string(affiliateID), string(productID))
	row, err := take[linkRow](q, "tracking_link", string(affiliateID)+"/"+string(productID))
	if err != nil {
		return nil, err
	}
	return toLink(row), nil
}

// ListLinks returns the affiliate's links, most recently clicked first.
func (s *Store) ListLinks(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.TrackingLink, error) {
	var rows []linkRow
	err := s.db.WithContext(ctx).
		Where("affiliate_id = ?", string(affiliateID)).
		Order("last_click_at DESC").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking links: %w", err)
	}
	out := make([]ledger.TrackingLink, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toLink(r))
	}
	return out, nil
}

// CreateLink returns ErrDuplicateLink when the pair already has a link.
func (s *Store) CreateLink(ctx context.Context, l *ledger.TrackingLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	row := fromLink(l)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrDuplicateLink
	}
	if err != nil {
		return fmt.Errorf("failed to create tracking link: %w", err)
	}
	return nil
}

func (t *txStore) LockLink(ctx context.Context, id ledger.LinkID) (*ledger.TrackingLink, error) {
	row, err := take[linkRow](locked(t.db.WithContext(ctx)).Where("id = ?", string(id)), "tracking_link", id)
	if err != nil {
		return nil, err
	}
	return toLink(row), nil
}

func (t *txStore) LockLinkFor(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	q := locked(t.db.WithContext(ctx)).Where("affiliate_id = ? AND product_id = ?", string(affiliateID), string(productID))
	row, err := take[linkRow](q, "tracking_link", string(affiliateID)+"/"+string(productID))
	if err != nil {
		return nil, err
	}
	return toLink(row), nil
}

func (t *txStore) SaveLink(ctx context.Context, l *ledger.TrackingLink) error {
	err := t.db.WithContext(ctx).Model(&linkRow{}).Where("id = ?", string(l.ID)).Updates(map[string]any{
		"url":               l.URL,
		"clicks":            l.Clicks,
		"clicks_paid":       l.ClicksPaid,
		"credits_generated": l.CreditsGenerated,
		"conversions":       l.Conversions,
		"last_click_at":     l.LastClickAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save tracking link: %w", err)
	}
	return nil
}

// =============================================================================
// CLICK RECORDS
// =============================================================================

func (t *txStore) InsertClick(ctx context.Context, c *ledger.ClickRecord) error {
	row := fromClick(c)
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert click record: %w", err)
	}
	return nil
}

func (t *txStore) HasRecentClick(ctx context.Context, linkID ledger.LinkID, fingerprint string, since time.Time) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var n int64
	err := t.db.WithContext(ctx).Model(&clickRow{}).
		Where("link_id = ? AND fingerprint = ? AND source = ? AND valid = ? AND created_at >= ?",
			string(linkID), fingerprint, string(ledger.ClickFromTraffic), true, since).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to query recent clicks: %w", err)
	}
	return n > 0, nil
}

// CountClicks returns valid and invalid click record counts for an affiliate.
func (s *Store) CountClicks(ctx context.Context, affiliateID ledger.AffiliateID) (int, int, error) {
	var counts []struct {
		Valid bool
		N     int
	}
	err := s.db.WithContext(ctx).Model(&clickRow{}).
		Select("valid, COUNT(*) AS n").
		Where("affiliate_id = ?", string(affiliateID)).
		Group("valid").
		Scan(&counts).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count clicks: %w", err)
	}
	var valid, invalid int
	for _, c := range counts {
		if c.Valid {
			valid = c.N
		} else {
			invalid = c.N
		}
	}
	return valid, invalid, nil
}

// =============================================================================
// ATTRIBUTIONS
// =============================================================================

func (s *Store) FindAttribution(ctx context.Context, affiliateID ledger.AffiliateID, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return findAttribution(s.db.WithContext(ctx), affiliateID, saleID)
}

func (t *txStore) FindAttribution(ctx context.Context, affiliateID ledger.AffiliateID, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return findAttribution(t.db.WithContext(ctx), affiliateID, saleID)
}

func findAttribution(db *gorm.DB, affiliateID ledger.AffiliateID, saleID ledger.SaleID) (*ledger.Attribution, error) {
	q := db.Where("affiliate_id = ? AND sale_id = ?", string(affiliateID), string(saleID))
	row, err := take[attributionRow](q, "attribution", saleID)
	if err != nil {
		return nil, err
	}
	return toAttribution(row), nil
}

// ListAttributions returns attributions created at or after since, newest first.
func (s *Store) ListAttributions(ctx context.Context, affiliateID ledger.AffiliateID, since time.Time) ([]ledger.Attribution, error) {
	var rows []attributionRow
	err := s.db.WithContext(ctx).
		Where("affiliate_id = ? AND created_at >= ?", string(affiliateID), since).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}
	return toAttributions(rows), nil
}

// ListReleaseCandidates returns vendor-linked affiliates that have pending attributions.
func (s *Store) ListReleaseCandidates(ctx context.Context) ([]ledger.AffiliateID, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("attributions AS a").
		Joins("JOIN affiliates f ON f.id = a.affiliate_id").
		Where("a.status = ? AND f.vendor_id <> ''", string(ledger.StatusPending)).
		Distinct("a.affiliate_id").
		Order("a.affiliate_id").
		Pluck("a.affiliate_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query release candidates: %w", err)
	}
	out := make([]ledger.AffiliateID, 0, len(ids))
	for _, id := range ids {
		out = append(out, ledger.AffiliateID(id))
	}
	return out, nil
}

func (t *txStore) FindAttributionBySale(ctx context.Context, saleID ledger.SaleID) (*ledger.Attribution, error) {
	q := t.db.WithContext(ctx).Where("sale_id = ?", string(saleID)).Order("created_at ASC")
	row, err := take[attributionRow](q, "attribution", saleID)
	if err != nil {
		return nil, err
	}
	return toAttribution(row), nil
}

func (t *txStore) LockAttributionBySale(ctx context.Context, saleID ledger.SaleID) (*ledger.Attribution, error) {
	q := locked(t.db.WithContext(ctx)).Where("sale_id = ?", string(saleID)).Order("created_at ASC")
	row, err := take[attributionRow](q, "attribution", saleID)
	if err != nil {
		return nil, err
	}
	return toAttribution(row), nil
}

// InsertAttribution returns ErrDuplicateAttribution when the (affiliate, sale) pair exists.
func (t *txStore) InsertAttribution(ctx context.Context, a *ledger.Attribution) error {
	row := fromAttribution(a)
	err := t.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrDuplicateAttribution
	}
	if err != nil {
		return fmt.Errorf("failed to insert attribution: %w", err)
	}
	return nil
}

func (t *txStore) SaveAttribution(ctx context.Context, a *ledger.Attribution) error {
	err := t.db.WithContext(ctx).Model(&attributionRow{}).Where("id = ?", string(a.ID)).Updates(map[string]any{
		"credited_value": a.CreditedValue,
		"status":         string(a.Status),
		"release_id":     string(a.ReleaseID),
		"paid_at":        a.PaidAt,
		"cancelled_at":   a.CancelledAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save attribution: %w", err)
	}
	return nil
}

// LockPendingAttributions returns all pending attributions of the affiliate, oldest first.
func (t *txStore) LockPendingAttributions(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.Attribution, error) {
	var rows []attributionRow
	err := locked(t.db.WithContext(ctx)).
		Where("affiliate_id = ? AND status = ?", string(affiliateID), string(ledger.StatusPending)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock pending attributions: %w", err)
	}
	return toAttributions(rows), nil
}

// MarkReleased flips the given pending attributions to paid.
func (t *txStore) MarkReleased(ctx context.Context, ids []ledger.AttributionID, releaseID ledger.MovementID, paidAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	res := t.db.WithContext(ctx).Model(&attributionRow{}).
		Where("status = ? AND id IN ?", string(ledger.StatusPending), raw).
		Updates(map[string]any{
			"status":     string(ledger.StatusPaid),
			"release_id": string(releaseID),
			"paid_at":    paidAt,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark attributions released: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountQualifyingSales counts non-cancelled attributions for the pair with sale value >= minValue.
func (t *txStore) CountQualifyingSales(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID, minValue decimal.Decimal) (int, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&attributionRow{}).
		Where("affiliate_id = ? AND product_id = ? AND status <> ? AND sale_value >= ?",
			string(affiliateID), string(productID), string(ledger.StatusCancelled), minValue).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count qualifying sales: %w", err)
	}
	return int(n), nil
}

func toAttributions(rows []attributionRow) []ledger.Attribution {
	out := make([]ledger.Attribution, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toAttribution(r))
	}
	return out
}

// =============================================================================
// VENDOR BALANCES
// =============================================================================

func (s *Store) GetVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	row, err := take[vendorBalanceRow](s.db.WithContext(ctx).Where("vendor_id = ?", string(vendorID)), "vendor_balance", vendorID)
	if err != nil {
		return nil, err
	}
	return toVendorBalance(row), nil
}

// ListMovements returns the vendor's movements, oldest first.
func (s *Store) ListMovements(ctx context.Context, vendorID ledger.VendorID) ([]ledger.BalanceMovement, error) {
	var rows []movementRow
	err := s.db.WithContext(ctx).
		Where("vendor_id = ?", string(vendorID)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	out := make([]ledger.BalanceMovement, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMovement(r))
	}
	return out, nil
}

func (t *txStore) LockVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	q := locked(t.db.WithContext(ctx)).Where("vendor_id = ?", string(vendorID))
	row, err := take[vendorBalanceRow](q, "vendor_balance", vendorID)
	if err != nil {
		return nil, err
	}
	return toVendorBalance(row), nil
}

func (t *txStore) LockOrCreateVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	row := vendorBalanceRow{
		VendorID:     string(vendorID),
		Current:      decimal.Zero,
		TotalRevenue: decimal.Zero,
		UpdatedAt:    time.Now().UTC(),
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vendor_id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor balance: %w", err)
	}
	return t.LockVendorBalance(ctx, vendorID)
}

// SaveVendorBalance inserts or updates the aggregate.
func (t *txStore) SaveVendorBalance(ctx context.Context, b *ledger.VendorBalance) error {
	row := vendorBalanceRow{
		VendorID:     string(b.VendorID),
		Current:      b.Current,
		TotalRevenue: b.TotalRevenue,
		UpdatedAt:    b.UpdatedAt,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vendor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current", "total_revenue", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save vendor balance: %w", err)
	}
	return nil
}

func (t *txStore) InsertMovement(ctx context.Context, m *ledger.BalanceMovement) error {
	row := movementRow{
		ID:          string(m.ID),
		VendorID:    string(m.VendorID),
		Kind:        string(m.Kind),
		Origin:      m.Origin,
		ReferenceID: m.ReferenceID,
		Amount:      m.Amount,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*txStore)(nil)
)
