package sqldb

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

type affiliateRow struct {
	ID                   string          `gorm:"column:id;primaryKey;size:64"`
	Name                 string          `gorm:"column:name;not null"`
	Email                string          `gorm:"column:email"`
	Code                 string          `gorm:"column:code;size:64;not null;uniqueIndex:ux_affiliates_code"`
	Status               string          `gorm:"column:status;size:16;not null"`
	CommissionPercentual decimal.Decimal `gorm:"column:commission_percentual;type:decimal(10,4);not null"`
	VendorID             string          `gorm:"column:vendor_id;size:64;not null"`
	TotalClicks          int             `gorm:"column:total_clicks;not null"`
	ClicksPaid           int             `gorm:"column:clicks_paid;not null"`
	TotalSales           int             `gorm:"column:total_sales;not null"`
	TotalCommissions     decimal.Decimal `gorm:"column:total_commissions;type:decimal(20,4);not null"`
	AvailableBalance     decimal.Decimal `gorm:"column:available_balance;type:decimal(20,4);not null"`
	ClickCredits         decimal.Decimal `gorm:"column:click_credits;type:decimal(20,4);not null"`
	LastActivityAt       *time.Time      `gorm:"column:last_activity_at"`
	CreatedAt            time.Time       `gorm:"column:created_at;not null"`
}

func (affiliateRow) TableName() string { return "affiliates" }

type productRow struct {
	ID                string          `gorm:"column:id;primaryKey;size:64"`
	Name              string          `gorm:"column:name;not null"`
	VendorID          string          `gorm:"column:vendor_id;size:64;not null"`
	CommissionPercent decimal.Decimal `gorm:"column:commission_percent;type:decimal(10,4);not null"`
	CommissionMinimum decimal.Decimal `gorm:"column:commission_minimum;type:decimal(20,4);not null"`
	AllowsAffiliation bool            `gorm:"column:allows_affiliation;not null"`
	ClickCrediting    string          `gorm:"column:click_crediting;size:16;not null"`
}

func (productRow) TableName() string { return "products" }

type linkRow struct {
	ID               string          `gorm:"column:id;primaryKey;size:64"`
	AffiliateID      string          `gorm:"column:affiliate_id;size:64;not null;uniqueIndex:ux_links_pair"`
	ProductID        string          `gorm:"column:product_id;size:64;not null;uniqueIndex:ux_links_pair"`
	URL              string          `gorm:"column:url"`
	Clicks           int             `gorm:"column:clicks;not null"`
	ClicksPaid       int             `gorm:"column:clicks_paid;not null"`
	CreditsGenerated decimal.Decimal `gorm:"column:credits_generated;type:decimal(20,4);not null"`
	Conversions      int             `gorm:"column:conversions;not null"`
	LastClickAt      *time.Time      `gorm:"column:last_click_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;not null"`
}

func (linkRow) TableName() string { return "tracking_links" }

type clickRow struct {
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	LinkID      string    `gorm:"column:link_id;size:64;not null;index:ix_clicks_window,priority:1"`
	AffiliateID string    `gorm:"column:affiliate_id;size:64;not null;index:ix_clicks_affiliate"`
	ProductID   string    `gorm:"column:product_id;size:64;not null"`
	SaleID      string    `gorm:"column:sale_id;size:64"`
	Source      string    `gorm:"column:source;size:16;not null"`
	IPAddress   string    `gorm:"column:ip_address"`
	UserAgent   string    `gorm:"column:user_agent"`
	Fingerprint string    `gorm:"column:fingerprint;size:64;index:ix_clicks_window,priority:2"`
	Referer     string    `gorm:"column:referer"`
	SessionID   string    `gorm:"column:session_id"`
	Browser     string    `gorm:"column:browser"`
	OS          string    `gorm:"column:os"`
	Device      string    `gorm:"column:device"`
	Valid       bool      `gorm:"column:valid;not null"`
	Reason      string    `gorm:"column:reason"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:ix_clicks_window,priority:3"`
}

func (clickRow) TableName() string { return "click_records" }

type attributionRow struct {
	ID              string              `gorm:"column:id;primaryKey;size:64"`
	SaleID          string              `gorm:"column:sale_id;size:64;not null;uniqueIndex:ux_attributions_sale,priority:2;index:ix_attributions_sale"`
	AffiliateID     string              `gorm:"column:affiliate_id;size:64;not null;uniqueIndex:ux_attributions_sale,priority:1;index:ix_attributions_status,priority:1"`
	ProductID       string              `gorm:"column:product_id;size:64;not null"`
	LinkID          string              `gorm:"column:link_id;size:64"`
	SaleValue       decimal.Decimal     `gorm:"column:sale_value;type:decimal(20,4);not null"`
	PercentUsed     decimal.NullDecimal `gorm:"column:percent_used;type:decimal(10,4)"`
	CommissionValue decimal.Decimal     `gorm:"column:commission_value;type:decimal(20,4);not null"`
	CreditedValue   decimal.Decimal     `gorm:"column:credited_value;type:decimal(20,4);not null"`
	Status          string              `gorm:"column:status;size:16;not null;index:ix_attributions_status,priority:2"`
	ReleaseID       string              `gorm:"column:release_id;size:64"`
	PaidAt          *time.Time          `gorm:"column:paid_at"`
	CancelledAt     *time.Time          `gorm:"column:cancelled_at"`
	CreatedAt       time.Time           `gorm:"column:created_at;not null"`
}

func (attributionRow) TableName() string { return "attributions" }

type vendorBalanceRow struct {
	VendorID     string          `gorm:"column:vendor_id;primaryKey;size:64"`
	Current      decimal.Decimal `gorm:"column:current;type:decimal(20,4);not null"`
	TotalRevenue decimal.Decimal `gorm:"column:total_revenue;type:decimal(20,4);not null"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;not null"`
}

func (vendorBalanceRow) TableName() string { return "vendor_balances" }

type movementRow struct {
	ID          string          `gorm:"column:id;primaryKey;size:64"`
	VendorID    string          `gorm:"column:vendor_id;size:64;not null;index:ix_movements_vendor,priority:1"`
	Kind        string          `gorm:"column:kind;size:16;not null"`
	Origin      string          `gorm:"column:origin;size:64;not null"`
	ReferenceID string          `gorm:"column:reference_id;size:64"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null"`
	Description string          `gorm:"column:description"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null;index:ix_movements_vendor,priority:2"`
}

func (movementRow) TableName() string { return "balance_movements" }

// =============================================================================
// MAPPERS
// =============================================================================

func toAffiliate(r affiliateRow) *ledger.Affiliate {
	return &ledger.Affiliate{
		ID:                   ledger.AffiliateID(r.ID),
		Name:                 r.Name,
		Email:                r.Email,
		Code:                 r.Code,
		Status:               ledger.AffiliateStatus(r.Status),
		CommissionPercentual: r.CommissionPercentual,
		VendorID:             ledger.VendorID(r.VendorID),
		TotalClicks:          r.TotalClicks,
		ClicksPaid:           r.ClicksPaid,
		TotalSales:           r.TotalSales,
		TotalCommissions:     r.TotalCommissions,
		AvailableBalance:     r.AvailableBalance,
		ClickCredits:         r.ClickCredits,
		LastActivityAt:       utcPtr(r.LastActivityAt),
		CreatedAt:            r.CreatedAt.UTC(),
	}
}

func fromAffiliate(a *ledger.Affiliate) affiliateRow {
	return affiliateRow{
		ID:                   string(a.ID),
		Name:                 a.Name,
		Email:                a.Email,
		Code:                 a.Code,
		Status:               string(a.Status),
		CommissionPercentual: a.CommissionPercentual,
		VendorID:             string(a.VendorID),
		TotalClicks:          a.TotalClicks,
		ClicksPaid:           a.ClicksPaid,
		TotalSales:           a.TotalSales,
		TotalCommissions:     a.TotalCommissions,
		AvailableBalance:     a.AvailableBalance,
		ClickCredits:         a.ClickCredits,
		LastActivityAt:       a.LastActivityAt,
		CreatedAt:            a.CreatedAt,
	}
}

func toProduct(r productRow) *ledger.Product {
	return &ledger.Product{
		ID:                ledger.ProductID(r.ID),
		Name:              r.Name,
		VendorID:          ledger.VendorID(r.VendorID),
		CommissionPercent: r.CommissionPercent,
		CommissionMinimum: r.CommissionMinimum,
		AllowsAffiliation: r.AllowsAffiliation,
		ClickCrediting:    ledger.ClickCrediting(r.ClickCrediting),
	}
}

func toLink(r linkRow) *ledger.TrackingLink {
	return &ledger.TrackingLink{
		ID:               ledger.LinkID(r.ID),
		AffiliateID:      ledger.AffiliateID(r.AffiliateID),
		ProductID:        ledger.ProductID(r.ProductID),
		URL:              r.URL,
		Clicks:           r.Clicks,
		ClicksPaid:       r.ClicksPaid,
		CreditsGenerated: r.CreditsGenerated,
		Conversions:      r.Conversions,
		LastClickAt:      utcPtr(r.LastClickAt),
		CreatedAt:        r.CreatedAt.UTC(),
	}
}

func fromLink(l *ledger.TrackingLink) linkRow {
	return linkRow{
		ID:               string(l.ID),
		AffiliateID:      string(l.AffiliateID),
		ProductID:        string(l.ProductID),
		URL:              l.URL,
		Clicks:           l.Clicks,
		ClicksPaid:       l.ClicksPaid,
		CreditsGenerated: l.CreditsGenerated,
		Conversions:      l.Conversions,
		LastClickAt:      l.LastClickAt,
		CreatedAt:        l.CreatedAt,
	}
}

func fromClick(c *ledger.ClickRecord) clickRow {
	return clickRow{
		ID:          string(c.ID),
		LinkID:      string(c.LinkID),
		AffiliateID: string(c.AffiliateID),
		ProductID:   string(c.ProductID),
		SaleID:      string(c.SaleID),
		Source:      string(c.Source),
		IPAddress:   c.Signals.IPAddress,
		UserAgent:   c.Signals.UserAgent,
		Fingerprint: c.Signals.Fingerprint,
		Referer:     c.Signals.Referer,
		SessionID:   c.Signals.SessionID,
		Browser:     c.Signals.Browser,
		OS:          c.Signals.OS,
		Device:      c.Signals.Device,
		Valid:       c.Valid,
		Reason:      c.Reason,
		CreatedAt:   c.CreatedAt,
	}
}

func toAttribution(r attributionRow) *ledger.Attribution {
	a := &ledger.Attribution{
		ID:              ledger.AttributionID(r.ID),
		SaleID:          ledger.SaleID(r.SaleID),
		AffiliateID:     ledger.AffiliateID(r.AffiliateID),
		ProductID:       ledger.ProductID(r.ProductID),
		LinkID:          ledger.LinkID(r.LinkID),
		SaleValue:       r.SaleValue,
		CommissionValue: r.CommissionValue,
		CreditedValue:   r.CreditedValue,
		Status:          ledger.AttributionStatus(r.Status),
		ReleaseID:       ledger.MovementID(r.ReleaseID),
		PaidAt:          utcPtr(r.PaidAt),
		CancelledAt:     utcPtr(r.CancelledAt),
		CreatedAt:       r.CreatedAt.UTC(),
	}
	if r.PercentUsed.Valid {
		pct := r.PercentUsed.Decimal
		a.PercentUsed = &pct
	}
	return a
}

func fromAttribution(a *ledger.Attribution) attributionRow {
	r := attributionRow{
		ID:              string(a.ID),
		SaleID:          string(a.SaleID),
		AffiliateID:     string(a.AffiliateID),
		ProductID:       string(a.ProductID),
		LinkID:          string(a.LinkID),
		SaleValue:       a.SaleValue,
		CommissionValue: a.CommissionValue,
		CreditedValue:   a.CreditedValue,
		Status:          string(a.Status),
		ReleaseID:       string(a.ReleaseID),
		PaidAt:          a.PaidAt,
		CancelledAt:     a.CancelledAt,
		CreatedAt:       a.CreatedAt,
	}
	if a.PercentUsed != nil {
		r.PercentUsed = decimal.NewNullDecimal(*a.PercentUsed)
	}
	return r
}

func toVendorBalance(r vendorBalanceRow) *ledger.VendorBalance {
	return &ledger.VendorBalance{
		VendorID:     ledger.VendorID(r.VendorID),
		Current:      r.Current,
		TotalRevenue: r.TotalRevenue,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func toMovement(r movementRow) ledger.BalanceMovement {
	return ledger.BalanceMovement{
		ID:          ledger.MovementID(r.ID),
		VendorID:    ledger.VendorID(r.VendorID),
		Kind:        ledger.MovementKind(r.Kind),
		Origin:      r.Origin,
		ReferenceID: r.ReferenceID,
		Amount:      r.Amount,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
