/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.Store (Reader, Registry, WithTx/Tx) using SQLite via
  database/sql. The same schema and queries carry over to PostgreSQL or
  MySQL with minor dialect changes; see store/sqldb for the gorm version.

KEY TABLES:
  affiliates:        Running aggregates per affiliate
  products:          Read-only catalog view (commission config)
  tracking_links:    Click counters, UNIQUE(affiliate_id, product_id)
  click_records:     Immutable audit of every click evaluation
  attributions:      Sale -> affiliate, UNIQUE(affiliate_id, sale_id)
  vendor_balances:   Payable aggregate per vendor
  balance_movements: Append-only vendor movements

LOCKING:
  SQLite has no row locks. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate), which takes the database write lock up front, and
  the pool is limited to one connection. Every transaction therefore runs
  serialized, which is a superset of the row locks ledger.Tx asks for.
  Do not call Store reads from inside a WithTx callback: use the Tx.

MONEY AND TIME:
  Decimals are stored as TEXT (exact). Times are stored in UTC with a
  fixed-width layout so that string ordering is chronological.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqldb/store.go: gorm implementation with SELECT ... FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db        *sql.DB
	txTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout bounds every WithTx call. Zero disables the bound.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) { s.txTimeout = d }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, txTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS affiliates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		commission_percentual TEXT NOT NULL DEFAULT '0',
		vendor_id TEXT NOT NULL DEFAULT '',
		total_clicks INTEGER NOT NULL DEFAULT 0,
		clicks_paid INTEGER NOT NULL DEFAULT 0,
		total_sales INTEGER NOT NULL DEFAULT 0,
		total_commissions TEXT NOT NULL DEFAULT '0',
		available_balance TEXT NOT NULL DEFAULT '0',
		click_credits TEXT NOT NULL DEFAULT '0',
		last_activity_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		vendor_id TEXT NOT NULL DEFAULT '',
		commission_percent TEXT NOT NULL DEFAULT '0',
		commission_minimum TEXT NOT NULL DEFAULT '0',
		allows_affiliation BOOLEAN NOT NULL DEFAULT TRUE,
		click_crediting TEXT NOT NULL DEFAULT 'traffic'
	);

	-- At most one link per (affiliate, product)
	CREATE TABLE IF NOT EXISTS tracking_links (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL REFERENCES affiliates(id),
		product_id TEXT NOT NULL,
		url TEXT,
		clicks INTEGER NOT NULL DEFAULT 0,
		clicks_paid INTEGER NOT NULL DEFAULT 0,
		credits_generated TEXT NOT NULL DEFAULT '0',
		conversions INTEGER NOT NULL DEFAULT 0,
		last_click_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(affiliate_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS click_records (
		id TEXT PRIMARY KEY,
		link_id TEXT NOT NULL,
		affiliate_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		sale_id TEXT,
		source TEXT NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		fingerprint TEXT,
		referer TEXT,
		session_id TEXT,
		browser TEXT,
		os TEXT,
		device TEXT,
		valid BOOLEAN NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	-- Duplicate-click window lookups
	CREATE INDEX IF NOT EXISTS idx_clicks_link_fingerprint
		ON click_records(link_id, fingerprint, created_at);
	CREATE INDEX IF NOT EXISTS idx_clicks_affiliate_valid
		ON click_records(affiliate_id, valid);

	-- At most one attribution per (affiliate, sale)
	CREATE TABLE IF NOT EXISTS attributions (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		affiliate_id TEXT NOT NULL REFERENCES affiliates(id),
		product_id TEXT NOT NULL,
		link_id TEXT,
		sale_value TEXT NOT NULL,
		percent_used TEXT,
		commission_value TEXT NOT NULL,
		credited_value TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		release_id TEXT,
		paid_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(affiliate_id, sale_id)
	);

	CREATE INDEX IF NOT EXISTS idx_attributions_sale
		ON attributions(sale_id);
	CREATE INDEX IF NOT EXISTS idx_attributions_affiliate_status
		ON attributions(affiliate_id, status);
	CREATE INDEX IF NOT EXISTS idx_attributions_pair
		ON attributions(affiliate_id, product_id, status);

	CREATE TABLE IF NOT EXISTS vendor_balances (
		vendor_id TEXT PRIMARY KEY,
		current TEXT NOT NULL DEFAULT '0',
		total_revenue TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	);

	-- Append-only
	CREATE TABLE IF NOT EXISTS balance_movements (
		id TEXT PRIMARY KEY,
		vendor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		origin TEXT NOT NULL,
		reference_id TEXT,
		amount TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_vendor
		ON balance_movements(vendor_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONS (ledger.Store.WithTx)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(ctx, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return classify(ctx, err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(ctx, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify marks timeouts and lock contention as transient. An expired
// context rolls the tx back, so later statements fail with sql.ErrTxDone.
func classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ledger.ErrTransientFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrTransientFailure, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ledger.ErrTransientFailure, err)
	}
	return err
}

type txStore struct {
	q querier
}

// =============================================================================
// AFFILIATES
// =============================================================================

const affiliateColumns = `id, name, email, code, status, commission_percentual, vendor_id,
	total_clicks, clicks_paid, total_sales, total_commissions, available_balance, click_credits,
	last_activity_at, created_at`

func scanAffiliate(row scanner) (*ledger.Affiliate, error) {
	var (
		a            ledger.Affiliate
		email        sql.NullString
		rate         string
		totalComm    string
		available    string
		clickCredits string
		lastActivity sql.NullString
		createdAt    string
	)
	err := row.Scan(&a.ID, &a.Name, &email, &a.Code, &a.Status, &rate, &a.VendorID,
		&a.TotalClicks, &a.ClicksPaid, &a.TotalSales, &totalComm, &available, &clickCredits,
		&lastActivity, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	a.CommissionPercentual = ledger.MustParseMoney(rate)
	a.TotalCommissions = ledger.MustParseMoney(totalComm)
	a.AvailableBalance = ledger.MustParseMoney(available)
	a.ClickCredits = ledger.MustParseMoney(clickCredits)
	a.LastActivityAt = parseNullTime(lastActivity)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func getAffiliate(ctx context.Context, q querier, where string, arg any) (*ledger.Affiliate, error) {
	row := q.QueryRowContext(ctx, "SELECT "+affiliateColumns+" FROM affiliates WHERE "+where, arg)
	a, err := scanAffiliate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("affiliate", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate: %w", err)
	}
	return a, nil
}

// GetAffiliate retrieves an affiliate by ID.
func (s *Store) GetAffiliate(ctx context.Context, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	return getAffiliate(ctx, s.db, "id = ?", id)
}

// GetAffiliateByCode retrieves an affiliate by referral code.
func (s *Store) GetAffiliateByCode(ctx context.Context, code string) (*ledger.Affiliate, error) {
	return getAffiliate(ctx, s.db, "code = ?", code)
}

// CreateAffiliate inserts a new affiliate.
func (s *Store) CreateAffiliate(ctx context.Context, a *ledger.Affiliate) error {
	query := `
		INSERT INTO affiliates (` + affiliateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Name, nullString(a.Email), a.Code, a.Status, a.CommissionPercentual.String(), a.VendorID,
		a.TotalClicks, a.ClicksPaid, a.TotalSales,
		a.TotalCommissions.String(), a.AvailableBalance.String(), a.ClickCredits.String(),
		formatNullTime(a.LastActivityAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

func (t *txStore) LockAffiliate(ctx context.Context, id ledger.AffiliateID) (*ledger.Affiliate, error) {
	return getAffiliate(ctx, t.q, "id = ?", id)
}

func (t *txStore) SaveAffiliate(ctx context.Context, a *ledger.Affiliate) error {
	query := `
		UPDATE affiliates SET
			status = ?, total_clicks = ?, clicks_paid = ?, total_sales = ?,
			total_commissions = ?, available_balance = ?, click_credits = ?,
			last_activity_at = ?
		WHERE id = ?
	`
	res, err := t.q.ExecContext(ctx, query,
		a.Status, a.TotalClicks, a.ClicksPaid, a.TotalSales,
		a.TotalCommissions.String(), a.AvailableBalance.String(), a.ClickCredits.String(),
		formatNullTime(a.LastActivityAt), a.ID,
	)
	return expectOne(res, err, "affiliate", a.ID)
}

// =============================================================================
// PRODUCTS
// =============================================================================

// GetProduct retrieves a product by ID.
func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	var (
		p       ledger.Product
		percent string
		minimum string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, vendor_id, commission_percent, commission_minimum, allows_affiliation, click_crediting
		 FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.VendorID, &percent, &minimum, &p.AllowsAffiliation, &p.ClickCrediting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("product", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	p.CommissionPercent = ledger.MustParseMoney(percent)
	p.CommissionMinimum = ledger.MustParseMoney(minimum)
	return &p, nil
}

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p *ledger.Product) error {
	if p.ClickCrediting == "" {
		p.ClickCrediting = ledger.CreditOnTraffic
	}
	query := `
		INSERT INTO products (id, name, vendor_id, commission_percent, commission_minimum, allows_affiliation, click_crediting)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			vendor_id = excluded.vendor_id,
			commission_percent = excluded.commission_percent,
			commission_minimum = excluded.commission_minimum,
			allows_affiliation = excluded.allows_affiliation,
			click_crediting = excluded.click_crediting
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.VendorID, p.CommissionPercent.String(), p.CommissionMinimum.String(),
		p.AllowsAffiliation, p.ClickCrediting,
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// =============================================================================
// TRACKING LINKS
// =============================================================================

const linkColumns = `id, affiliate_id, product_id, url, clicks, clicks_paid, credits_generated,
	conversions, last_click_at, created_at`

func scanLink(row scanner) (*ledger.TrackingLink, error) {
	var (
		l         ledger.TrackingLink
		url       sql.NullString
		credits   string
		lastClick sql.NullString
		createdAt string
	)
	err := row.Scan(&l.ID, &l.AffiliateID, &l.ProductID, &url, &l.Clicks, &l.ClicksPaid, &credits,
		&l.Conversions, &lastClick, &createdAt)
	if err != nil {
		return nil, err
	}
	l.URL = url.String
	l.CreditsGenerated = ledger.MustParseMoney(credits)
	l.LastClickAt = parseNullTime(lastClick)
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func getLink(ctx context.Context, q querier, notFoundID string, where string, args ...any) (*ledger.TrackingLink, error) {
	row := q.QueryRowContext(ctx, "SELECT "+linkColumns+" FROM tracking_links WHERE "+where, args...)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("link", notFoundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking link: %w", err)
	}
	return l, nil
}

func pairID(affiliateID ledger.AffiliateID, productID ledger.ProductID) string {
	return string(affiliateID) + "/" + string(productID)
}

// GetLink retrieves a link by ID.
func (s *Store) GetLink(ctx context.Context, id ledger.LinkID) (*ledger.TrackingLink, error) {
	return getLink(ctx, s.db, string(id), "id = ?", id)
}

// FindLink retrieves the link of an (affiliate, product) pair.
func (s *Store) FindLink(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	return getLink(ctx, s.db, pairID(affiliateID, productID), "affiliate_id = ? AND product_id = ?", affiliateID, productID)
}

// ListLinks returns all links of an affiliate, most recently clicked first.
func (s *Store) ListLinks(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.TrackingLink, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+linkColumns+" FROM tracking_links WHERE affiliate_id = ? ORDER BY last_click_at DESC, created_at ASC",
		affiliateID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []ledger.TrackingLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

// CreateLink inserts a link. Returns ledger.ErrDuplicateLink if the pair exists.
func (s *Store) CreateLink(ctx context.Context, l *ledger.TrackingLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO tracking_links (` + linkColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.AffiliateID, l.ProductID, nullString(l.URL), l.Clicks, l.ClicksPaid,
		l.CreditsGenerated.String(), l.Conversions, formatNullTime(l.LastClickAt), formatTime(l.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateLink
	}
	if err != nil {
		return fmt.Errorf("failed to create tracking link: %w", err)
	}
	return nil
}

func (t *txStore) LockLink(ctx context.Context, id ledger.LinkID) (*ledger.TrackingLink, error) {
	return getLink(ctx, t.q, string(id), "id = ?", id)
}

func (t *txStore) LockLinkFor(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID) (*ledger.TrackingLink, error) {
	return getLink(ctx, t.q, pairID(affiliateID, productID), "affiliate_id = ? AND product_id = ?", affiliateID, productID)
}

func (t *txStore) SaveLink(ctx context.Context, l *ledger.TrackingLink) error {
	query := `
		UPDATE tracking_links SET
			clicks = ?, clicks_paid = ?, credits_generated = ?, conversions = ?, last_click_at = ?
		WHERE id = ?
	`
	res, err := t.q.ExecContext(ctx, query,
		l.Clicks, l.ClicksPaid, l.CreditsGenerated.String(), l.Conversions, formatNullTime(l.LastClickAt), l.ID,
	)
	return expectOne(res, err, "link", l.ID)
}

// =============================================================================
// CLICK RECORDS
// =============================================================================

func (t *txStore) InsertClick(ctx context.Context, c *ledger.ClickRecord) error {
	query := `
		INSERT INTO click_records
		(id, link_id, affiliate_id, product_id, sale_id, source, ip_address, user_agent, fingerprint,
		 referer, session_id, browser, os, device, valid, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	sig := c.Signals
	_, err := t.q.ExecContext(ctx, query,
		c.ID, c.LinkID, c.AffiliateID, c.ProductID, nullString(string(c.SaleID)), c.Source,
		nullString(sig.IPAddress), nullString(sig.UserAgent), nullString(sig.Fingerprint),
		nullString(sig.Referer), nullString(sig.SessionID), nullString(sig.Browser),
		nullString(sig.OS), nullString(sig.Device),
		c.Valid, nullString(c.Reason), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert click record: %w", err)
	}
	return nil
}

func (t *txStore) HasRecentClick(ctx context.Context, linkID ledger.LinkID, fingerprint string, since time.Time) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var count int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM click_records WHERE link_id = ? AND fingerprint = ? AND source = ? AND valid AND created_at >= ?",
		linkID, fingerprint, ledger.ClickFromTraffic, formatTime(since),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query recent clicks: %w", err)
	}
	return count > 0, nil
}

// CountClicks returns valid and invalid click record counts for an affiliate.
func (s *Store) CountClicks(ctx context.Context, affiliateID ledger.AffiliateID) (int, int, error) {
	var valid, invalid int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN valid THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN valid THEN 0 ELSE 1 END), 0)
		FROM click_records WHERE affiliate_id = ?`, affiliateID,
	).Scan(&valid, &invalid)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count clicks: %w", err)
	}
	return valid, invalid, nil
}

// =============================================================================
// ATTRIBUTIONS
// =============================================================================

const attributionColumns = `id, sale_id, affiliate_id, product_id, link_id, sale_value, percent_used,
	commission_value, credited_value, status, release_id, paid_at, cancelled_at, created_at`

func scanAttribution(row scanner) (*ledger.Attribution, error) {
	var (
		a           ledger.Attribution
		linkID      sql.NullString
		saleValue   string
		percentUsed sql.NullString
		commission  string
		credited    string
		releaseID   sql.NullString
		paidAt      sql.NullString
		cancelledAt sql.NullString
		createdAt   string
	)
	err := row.Scan(&a.ID, &a.SaleID, &a.AffiliateID, &a.ProductID, &linkID, &saleValue, &percentUsed,
		&commission, &credited, &a.Status, &releaseID, &paidAt, &cancelledAt, &createdAt)
	if err != nil {
		return nil, err
	}
	a.LinkID = ledger.LinkID(linkID.String)
	a.SaleValue = ledger.MustParseMoney(saleValue)
	if percentUsed.Valid {
		pct := ledger.MustParseMoney(percentUsed.String)
		a.PercentUsed = &pct
	}
	a.CommissionValue = ledger.MustParseMoney(commission)
	a.CreditedValue = ledger.MustParseMoney(credited)
	a.ReleaseID = ledger.MovementID(releaseID.String)
	a.PaidAt = parseNullTime(paidAt)
	a.CancelledAt = parseNullTime(cancelledAt)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func getAttribution(ctx context.Context, q querier, notFoundID string, where string, args ...any) (*ledger.Attribution, error) {
	row := q.QueryRowContext(ctx, "SELECT "+attributionColumns+" FROM attributions WHERE "+where, args...)
	a, err := scanAttribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("attribution", notFoundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attribution: %w", err)
	}
	return a, nil
}

func queryAttributions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Attribution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attributions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Attribution
	for rows.Next() {
		a, err := scanAttribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attribution: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// FindAttribution retrieves the attribution of an (affiliate, sale) pair.
func (s *Store) FindAttribution(ctx context.Context, affiliateID ledger.AffiliateID, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return getAttribution(ctx, s.db, string(saleID), "affiliate_id = ? AND sale_id = ?", affiliateID, saleID)
}

// ListAttributions returns an affiliate's attributions created at or after since, newest first.
func (s *Store) ListAttributions(ctx context.Context, affiliateID ledger.AffiliateID, since time.Time) ([]ledger.Attribution, error) {
	return queryAttributions(ctx, s.db,
		"SELECT "+attributionColumns+" FROM attributions WHERE affiliate_id = ? AND created_at >= ? ORDER BY created_at DESC",
		affiliateID, formatTime(since),
	)
}

// ListReleaseCandidates returns vendor-linked affiliates that have pending attributions.
func (s *Store) ListReleaseCandidates(ctx context.Context) ([]ledger.AffiliateID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.affiliate_id
		FROM attributions a JOIN affiliates f ON f.id = a.affiliate_id
		WHERE a.status = ? AND f.vendor_id <> ''
		ORDER BY a.affiliate_id`, ledger.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query release candidates: %w", err)
	}
	defer rows.Close()

	var ids []ledger.AffiliateID
	for rows.Next() {
		var id ledger.AffiliateID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txStore) FindAttribution(ctx context.Context, affiliateID ledger.AffiliateID, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return getAttribution(ctx, t.q, string(saleID), "affiliate_id = ? AND sale_id = ?", affiliateID, saleID)
}

func (t *txStore) FindAttributionBySale(ctx context.Context, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return getAttribution(ctx, t.q, string(saleID), "sale_id = ? ORDER BY created_at ASC LIMIT 1", saleID)
}

func (t *txStore) LockAttributionBySale(ctx context.Context, saleID ledger.SaleID) (*ledger.Attribution, error) {
	return getAttribution(ctx, t.q, string(saleID), "sale_id = ? ORDER BY created_at ASC LIMIT 1", saleID)
}

func (t *txStore) InsertAttribution(ctx context.Context, a *ledger.Attribution) error {
	query := `INSERT INTO attributions (` + attributionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.q.ExecContext(ctx, query,
		a.ID, a.SaleID, a.AffiliateID, a.ProductID, nullString(string(a.LinkID)), a.SaleValue.String(),
		nullDecimal(a.PercentUsed), a.CommissionValue.String(), a.CreditedValue.String(), a.Status,
		nullString(string(a.ReleaseID)), formatNullTime(a.PaidAt), formatNullTime(a.CancelledAt), formatTime(a.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateAttribution
	}
	if err != nil {
		return fmt.Errorf("failed to insert attribution: %w", err)
	}
	return nil
}

func (t *txStore) SaveAttribution(ctx context.Context, a *ledger.Attribution) error {
	query := `
		UPDATE attributions SET
			credited_value = ?, status = ?, release_id = ?, paid_at = ?, cancelled_at = ?
		WHERE id = ?
	`
	res, err := t.q.ExecContext(ctx, query,
		a.CreditedValue.String(), a.Status, nullString(string(a.ReleaseID)),
		formatNullTime(a.PaidAt), formatNullTime(a.CancelledAt), a.ID,
	)
	return expectOne(res, err, "attribution", a.ID)
}

func (t *txStore) LockPendingAttributions(ctx context.Context, affiliateID ledger.AffiliateID) ([]ledger.Attribution, error) {
	return queryAttributions(ctx, t.q,
		"SELECT "+attributionColumns+" FROM attributions WHERE affiliate_id = ? AND status = ? ORDER BY created_at ASC",
		affiliateID, ledger.StatusPending,
	)
}

func (t *txStore) MarkReleased(ctx context.Context, ids []ledger.AttributionID, releaseID ledger.MovementID, paidAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{ledger.StatusPaid, releaseID, formatTime(paidAt), ledger.StatusPending}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := t.q.ExecContext(ctx,
		"UPDATE attributions SET status = ?, release_id = ?, paid_at = ? WHERE status = ? AND id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark attributions released: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *txStore) CountQualifyingSales(ctx context.Context, affiliateID ledger.AffiliateID, productID ledger.ProductID, minValue decimal.Decimal) (int, error) {
	rows, err := t.q.QueryContext(ctx,
		"SELECT sale_value FROM attributions WHERE affiliate_id = ? AND product_id = ? AND status <> ?",
		affiliateID, productID, ledger.StatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query qualifying sales: %w", err)
	}
	defer rows.Close()

	// Compared as decimals: TEXT columns don't order numerically.
	count := 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return 0, err
		}
		if ledger.MustParseMoney(v).GreaterThanOrEqual(minValue) {
			count++
		}
	}
	return count, rows.Err()
}

// =============================================================================
// VENDOR PAYABLE
// =============================================================================

func scanVendorBalance(row scanner) (*ledger.VendorBalance, error) {
	var (
		b         ledger.VendorBalance
		current   string
		revenue   string
		updatedAt string
	)
	if err := row.Scan(&b.VendorID, &current, &revenue, &updatedAt); err != nil {
		return nil, err
	}
	b.Current = ledger.MustParseMoney(current)
	b.TotalRevenue = ledger.MustParseMoney(revenue)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func getVendorBalance(ctx context.Context, q querier, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	b, err := scanVendorBalance(q.QueryRowContext(ctx,
		"SELECT vendor_id, current, total_revenue, updated_at FROM vendor_balances WHERE vendor_id = ?", vendorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("vendor_balance", vendorID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor balance: %w", err)
	}
	return b, nil
}

// GetVendorBalance retrieves a vendor's payable balance.
func (s *Store) GetVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	return getVendorBalance(ctx, s.db, vendorID)
}

// ListMovements returns a vendor's movements, oldest first.
func (s *Store) ListMovements(ctx context.Context, vendorID ledger.VendorID) ([]ledger.BalanceMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vendor_id, kind, origin, reference_id, amount, description, created_at
		FROM balance_movements WHERE vendor_id = ? ORDER BY created_at ASC`, vendorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []ledger.BalanceMovement
	for rows.Next() {
		var (
			m         ledger.BalanceMovement
			ref       sql.NullString
			amount    string
			desc      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.VendorID, &m.Kind, &m.Origin, &ref, &amount, &desc, &createdAt); err != nil {
			return nil, err
		}
		m.ReferenceID = ref.String
		m.Amount = ledger.MustParseMoney(amount)
		m.Description = desc.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *txStore) LockVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	return getVendorBalance(ctx, t.q, vendorID)
}

func (t *txStore) LockOrCreateVendorBalance(ctx context.Context, vendorID ledger.VendorID) (*ledger.VendorBalance, error) {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO vendor_balances (vendor_id, current, total_revenue, updated_at)
		VALUES (?, '0', '0', ?)
		ON CONFLICT(vendor_id) DO NOTHING`,
		vendorID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor balance: %w", err)
	}
	return getVendorBalance(ctx, t.q, vendorID)
}

func (t *txStore) SaveVendorBalance(ctx context.Context, b *ledger.VendorBalance) error {
	query := `
		INSERT INTO vendor_balances (vendor_id, current, total_revenue, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(vendor_id) DO UPDATE SET
			current = excluded.current,
			total_revenue = excluded.total_revenue,
			updated_at = excluded.updated_at
	`
	_, err := t.q.ExecContext(ctx, query, b.VendorID, b.Current.String(), b.TotalRevenue.String(), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save vendor balance: %w", err)
	}
	return nil
}

func (t *txStore) InsertMovement(ctx context.Context, m *ledger.BalanceMovement) error {
	query := `
		INSERT INTO balance_movements (id, vendor_id, kind, origin, reference_id, amount, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.q.ExecContext(ctx, query,
		m.ID, m.VendorID, m.Kind, m.Origin, nullString(m.ReferenceID), m.Amount.String(),
		nullString(m.Description), formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

// Helper functions

func expectOne(res sql.Result, err error, kind string, id any) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound(kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
