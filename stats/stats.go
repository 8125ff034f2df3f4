/*
Package stats builds the affiliate report.

PURPOSE:
  Read-only view over the ledger for one affiliate: running aggregates,
  per-link click counters, the period's attribution breakdown, and an
  integrity report that flags counters no ledger operation could have
  produced.

PERIODS:
  "7d", "30d", "90d"; anything else means one year.

INTEGRITY:
  A link is flagged when clicks_paid > clicks, or when credits_generated
  differs from floor(clicks_paid / batch) * credit. Flags are reported,
  never repaired.
*/
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/ledger"
)

// Period selects the attribution window of a report.
type Period string

const (
	Week    Period = "7d"
	Month   Period = "30d"
	Quarter Period = "90d"
	Year    Period = "1y"
)

// ParsePeriod maps a request value onto a Period, defaulting to Year.
func ParsePeriod(s string) Period {
	switch Period(s) {
	case Week, Month, Quarter:
		return Period(s)
	}
	return Year
}

// Since returns the start of the period ending at now.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case Week:
		return now.AddDate(0, 0, -7)
	case Month:
		return now.AddDate(0, 0, -30)
	case Quarter:
		return now.AddDate(0, 0, -90)
	}
	return now.AddDate(-1, 0, 0)
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// REPORT
// =============================================================================

type Report struct {
	AffiliateID ledger.AffiliateID `json:"affiliate_id"`
	Code        string             `json:"code"`
	Status      string             `json:"status"`
	Period      Period             `json:"period"`
	Since       time.Time          `json:"since"`

	Totals Totals      `json:"totals"`
	Clicks ClickStats  `json:"clicks"`
	Sales  SalesStats  `json:"sales"`
	Links  []LinkStats `json:"links"`

	Integrity Integrity `json:"integrity"`
}

// Totals are the affiliate's running aggregates.
type Totals struct {
	TotalClicks      int    `json:"total_clicks"`
	ClicksPaid       int    `json:"clicks_paid"`
	TotalSales       int    `json:"total_sales"`
	TotalCommissions string `json:"total_commissions"`
	AvailableBalance string `json:"available_balance"`
	ClickCredits     string `json:"click_credits"`
}

type ClickStats struct {
	Valid              int    `json:"valid"`
	Invalid            int    `json:"invalid"`
	Pending            int    `json:"pending"`
	PendingCredit      string `json:"pending_credit"`
	ClicksToNextCredit int    `json:"clicks_to_next_credit"`
	CreditsGenerated   string `json:"credits_generated"`
}

// SalesStats covers attributions created within the period.
type SalesStats struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Paid            int    `json:"paid"`
	Cancelled       int    `json:"cancelled"`
	PaidCommissions string `json:"paid_commissions"`
	PaidSalesValue  string `json:"paid_sales_value"`
	ConversionRate  string `json:"conversion_rate"` // percent of period attributions paid
	RecentSales     []Sale `json:"recent_sales"`
}

type Sale struct {
	SaleID     ledger.SaleID            `json:"sale_id"`
	ProductID  ledger.ProductID         `json:"product_id"`
	SaleValue  string                   `json:"sale_value"`
	Commission string                   `json:"commission"`
	Status     ledger.AttributionStatus `json:"status"`
	CreatedAt  time.Time                `json:"created_at"`
}

type LinkStats struct {
	ID                 ledger.LinkID    `json:"id"`
	ProductID          ledger.ProductID `json:"product_id"`
	URL                string           `json:"url"`
	Clicks             int              `json:"clicks"`
	ClicksPaid         int              `json:"clicks_paid"`
	Pending            int              `json:"pending"`
	CreditsGenerated   string           `json:"credits_generated"`
	PendingCredit      string           `json:"pending_credit"`
	ClicksToNextCredit int              `json:"clicks_to_next_credit"`
	Conversions        int              `json:"conversions"`
	ConversionRate     string           `json:"conversion_rate"`
	LastClickAt        *time.Time       `json:"last_click_at,omitempty"`
}

type Integrity struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues,omitempty"`
}

type Issue struct {
	LinkID ledger.LinkID `json:"link_id"`
	Field  string        `json:"field"`
	Detail string        `json:"detail"`
}

// =============================================================================
// SERVICE
// =============================================================================

// Service builds reports from a Reader.
type Service struct {
	reader ledger.Reader
	cfg    clicks.Config
	now    func() time.Time
}

// New creates a stats service. cfg must match the click ledger's.
func New(reader ledger.Reader, cfg clicks.Config, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{reader: reader, cfg: cfg, now: now}
}

// GetAffiliateStats returns the report for one affiliate.
func (s *Service) GetAffiliateStats(ctx context.Context, affiliateID ledger.AffiliateID, period string) (*Report, error) {
	aff, err := s.reader.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	links, err := s.reader.ListLinks(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	valid, invalid, err := s.reader.CountClicks(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to count clicks: %w", err)
	}

	p := ParsePeriod(period)
	since := p.Since(s.now())
	attributions, err := s.reader.ListAttributions(ctx, affiliateID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}

	r := &Report{
		AffiliateID: aff.ID,
		Code:        aff.Code,
		Status:      string(aff.Status),
		Period:      p,
		Since:       since,
		Totals: Totals{
			TotalClicks:      aff.TotalClicks,
			ClicksPaid:       aff.ClicksPaid,
			TotalSales:       aff.TotalSales,
			TotalCommissions: money(aff.TotalCommissions),
			AvailableBalance: money(aff.AvailableBalance),
			ClickCredits:     money(aff.ClickCredits),
		},
	}

	r.Links, r.Clicks = s.linkStats(links)
	r.Clicks.Valid, r.Clicks.Invalid = valid, invalid
	r.Sales = salesStats(attributions)
	r.Integrity = s.integrity(links)
	return r, nil
}

// linkStats reports per-link counters. Batches fill per link, so the
// aggregate pending credit is the sum of per-link credits and the aggregate
// clicks-to-next-credit is the nearest link's.
func (s *Service) linkStats(links []ledger.TrackingLink) ([]LinkStats, ClickStats) {
	out := make([]LinkStats, 0, len(links))
	pending, nearest := 0, 0
	credits, pendingCredit := decimal.Zero, decimal.Zero

	for _, l := range links {
		unpaid := max(l.Unpaid(), 0)
		linkCredit := s.cfg.Convert(unpaid).Credit
		next := s.toNextCredit(unpaid)

		pending += unpaid
		credits = credits.Add(l.CreditsGenerated)
		pendingCredit = pendingCredit.Add(linkCredit)
		if next > 0 && (nearest == 0 || next < nearest) {
			nearest = next
		}

		out = append(out, LinkStats{
			ID:                 l.ID,
			ProductID:          l.ProductID,
			URL:                l.URL,
			Clicks:             l.Clicks,
			ClicksPaid:         l.ClicksPaid,
			Pending:            unpaid,
			CreditsGenerated:   money(l.CreditsGenerated),
			PendingCredit:      money(linkCredit),
			ClicksToNextCredit: next,
			Conversions:        l.Conversions,
			ConversionRate:     rate(l.Conversions, l.Clicks),
			LastClickAt:        l.LastClickAt,
		})
	}

	return out, ClickStats{
		Pending:            pending,
		PendingCredit:      money(pendingCredit),
		ClicksToNextCredit: nearest,
		CreditsGenerated:   money(credits),
	}
}

// toNextCredit is 0 when unpaid sits exactly on a batch boundary.
func (s *Service) toNextCredit(unpaid int) int {
	remaining := s.cfg.Remaining(unpaid)
	if remaining == s.cfg.BatchSize {
		return 0
	}
	return remaining
}

func salesStats(attributions []ledger.Attribution) SalesStats {
	st := SalesStats{RecentSales: make([]Sale, 0, len(attributions))}
	commissions, sales := decimal.Zero, decimal.Zero

	for _, a := range attributions {
		st.Total++
		switch a.Status {
		case ledger.StatusPending:
			st.Pending++
		case ledger.StatusPaid:
			st.Paid++
			commissions = commissions.Add(a.CommissionValue)
			sales = sales.Add(a.SaleValue)
		case ledger.StatusCancelled:
			st.Cancelled++
		}
		st.RecentSales = append(st.RecentSales, Sale{
			SaleID:     a.SaleID,
			ProductID:  a.ProductID,
			SaleValue:  money(a.SaleValue),
			Commission: money(a.CommissionValue),
			Status:     a.Status,
			CreatedAt:  a.CreatedAt,
		})
	}

	st.PaidCommissions = money(commissions)
	st.PaidSalesValue = money(sales)
	st.ConversionRate = rate(st.Paid, st.Total)
	return st
}

func (s *Service) integrity(links []ledger.TrackingLink) Integrity {
	var issues []Issue
	for _, l := range links {
		if l.ClicksPaid > l.Clicks {
			issues = append(issues, Issue{
				LinkID: l.ID,
				Field:  "clicks_paid",
				Detail: fmt.Sprintf("clicks_paid %d exceeds clicks %d", l.ClicksPaid, l.Clicks),
			})
		}
		want := s.cfg.Convert(l.ClicksPaid).Credit
		if !want.Equal(l.CreditsGenerated) {
			issues = append(issues, Issue{
				LinkID: l.ID,
				Field:  "credits_generated",
				Detail: fmt.Sprintf("credits_generated %s, expected %s for %d paid clicks", money(l.CreditsGenerated), money(want), l.ClicksPaid),
			})
		}
	}
	return Integrity{OK: len(issues) == 0, Issues: issues}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

// rate returns part/total as a percentage with two decimals.
func rate(part, total int) string {
	if total <= 0 {
		return "0.00"
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(total))).StringFixed(2)
}
