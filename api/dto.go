/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Money is always
  rendered as a 2-decimal string; request bodies accept either a JSON
  number or a string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Affiliate:   AffiliateDTO, CreateAffiliateRequest
  Product:     ProductDTO, SaveProductRequest
  Link:        LinkDTO, CreateLinkRequest
  Click:       RecordClickRequest, ClickOutcomeDTO
  Sale:        AttributeSaleRequest, AttributionDTO, AttributeSaleResponse
  Status:      UpdateStatusRequest, StatusResponse
  Release:     ReleaseDTO, SweepDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - stats/stats.go: Report is returned as-is
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/attribution"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/release"
)

// =============================================================================
// AFFILIATES
// =============================================================================

// AffiliateDTO represents an affiliate and its aggregates.
type AffiliateDTO struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Email                string  `json:"email,omitempty"`
	Code                 string  `json:"code"`
	Status               string  `json:"status"`
	VendorID             string  `json:"vendor_id,omitempty"`
	CommissionPercentual string  `json:"commission_percentual"`
	TotalClicks          int     `json:"total_clicks"`
	ClicksPaid           int     `json:"clicks_paid"`
	TotalSales           int     `json:"total_sales"`
	TotalCommissions     string  `json:"total_commissions"`
	AvailableBalance     string  `json:"available_balance"`
	ClickCredits         string  `json:"click_credits"`
	LastActivityAt       *string `json:"last_activity_at,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// CreateAffiliateRequest registers an affiliate. The referral code is generated.
type CreateAffiliateRequest struct {
	ID                   string          `json:"id,omitempty"`
	Name                 string          `json:"name"`
	Email                string          `json:"email,omitempty"`
	VendorID             string          `json:"vendor_id,omitempty"`
	CommissionPercentual decimal.Decimal `json:"commission_percentual"`
}

func toAffiliateDTO(a *ledger.Affiliate) AffiliateDTO {
	return AffiliateDTO{
		ID:                   string(a.ID),
		Name:                 a.Name,
		Email:                a.Email,
		Code:                 a.Code,
		Status:               string(a.Status),
		VendorID:             string(a.VendorID),
		CommissionPercentual: money(a.CommissionPercentual),
		TotalClicks:          a.TotalClicks,
		ClicksPaid:           a.ClicksPaid,
		TotalSales:           a.TotalSales,
		TotalCommissions:     money(a.TotalCommissions),
		AvailableBalance:     money(a.AvailableBalance),
		ClickCredits:         money(a.ClickCredits),
		LastActivityAt:       timePtr(a.LastActivityAt),
		CreatedAt:            a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

// ProductDTO represents a catalog product.
type ProductDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	VendorID          string `json:"vendor_id,omitempty"`
	CommissionPercent string `json:"commission_percent"`
	CommissionMinimum string `json:"commission_minimum"`
	AllowsAffiliation bool   `json:"allows_affiliation"`
	ClickCrediting    string `json:"click_crediting"`
}

// SaveProductRequest creates or replaces a product.
type SaveProductRequest struct {
	Name              string          `json:"name"`
	VendorID          string          `json:"vendor_id,omitempty"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	CommissionMinimum decimal.Decimal `json:"commission_minimum"`
	AllowsAffiliation bool            `json:"allows_affiliation"`
	ClickCrediting    string          `json:"click_crediting,omitempty"`
}

func toProductDTO(p *ledger.Product) ProductDTO {
	return ProductDTO{
		ID:                string(p.ID),
		Name:              p.Name,
		VendorID:          string(p.VendorID),
		CommissionPercent: money(p.CommissionPercent),
		CommissionMinimum: money(p.CommissionMinimum),
		AllowsAffiliation: p.AllowsAffiliation,
		ClickCrediting:    string(p.ClickCrediting),
	}
}

// =============================================================================
// LINKS
// =============================================================================

// LinkDTO represents a tracking link and its counters.
type LinkDTO struct {
	ID               string  `json:"id"`
	AffiliateID      string  `json:"affiliate_id"`
	ProductID        string  `json:"product_id"`
	URL              string  `json:"url"`
	Clicks           int     `json:"clicks"`
	ClicksPaid       int     `json:"clicks_paid"`
	CreditsGenerated string  `json:"credits_generated"`
	Conversions      int     `json:"conversions"`
	LastClickAt      *string `json:"last_click_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// CreateLinkRequest asks for the affiliate's link to a product.
type CreateLinkRequest struct {
	ProductID string `json:"product_id"`
}

func toLinkDTO(l *ledger.TrackingLink) LinkDTO {
	return LinkDTO{
		ID:               string(l.ID),
		AffiliateID:      string(l.AffiliateID),
		ProductID:        string(l.ProductID),
		URL:              l.URL,
		Clicks:           l.Clicks,
		ClicksPaid:       l.ClicksPaid,
		CreditsGenerated: money(l.CreditsGenerated),
		Conversions:      l.Conversions,
		LastClickAt:      timePtr(l.LastClickAt),
		CreatedAt:        l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// CLICKS
// =============================================================================

// RecordClickRequest is one traffic click. IP address and user agent
// default to the HTTP request's own when omitted.
type RecordClickRequest struct {
	LinkID      string `json:"link_id"`
	AffiliateID string `json:"affiliate_id,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Referer     string `json:"referer,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// ClickOutcomeDTO mirrors clicks.Outcome.
type ClickOutcomeDTO struct {
	ClickID          string `json:"click_id,omitempty"`
	Registered       bool   `json:"registered"`
	Valid            bool   `json:"valid"`
	Reason           string `json:"reason,omitempty"`
	Counted          bool   `json:"counted"`
	CreditsGenerated bool   `json:"credits_generated"`
	Value            string `json:"value"`
	ClicksRemaining  int    `json:"clicks_remaining"`
	Gated            bool   `json:"gated"`
}

func toClickOutcomeDTO(o clicks.Outcome) ClickOutcomeDTO {
	return ClickOutcomeDTO{
		ClickID:          string(o.ClickID),
		Registered:       o.Registered,
		Valid:            o.Valid,
		Reason:           o.Reason,
		Counted:          o.Counted,
		CreditsGenerated: o.CreditsGenerated,
		Value:            money(o.Value),
		ClicksRemaining:  o.ClicksRemaining,
		Gated:            o.Gated,
	}
}

// =============================================================================
// SALES
// =============================================================================

// CustomerDTO identifies the buyer.
type CustomerDTO struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
	Email   string `json:"email,omitempty"`
}

// AttributeSaleRequest hands a completed sale to the ledger.
type AttributeSaleRequest struct {
	SaleID       string          `json:"sale_id"`
	ProductID    string          `json:"product_id"`
	Value        decimal.Decimal `json:"value"`
	ReferralCode string          `json:"referral_code"`
	Customer     CustomerDTO     `json:"customer"`
	// Signals of the originating click, if the checkout captured them
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Referer    string     `json:"referer,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// AttributionDTO represents one attribution.
type AttributionDTO struct {
	ID              string  `json:"id"`
	SaleID          string  `json:"sale_id"`
	AffiliateID     string  `json:"affiliate_id"`
	ProductID       string  `json:"product_id"`
	LinkID          string  `json:"link_id"`
	SaleValue       string  `json:"sale_value"`
	PercentUsed     *string `json:"percent_used"`
	CommissionValue string  `json:"commission_value"`
	CreditedValue   string  `json:"credited_value"`
	Status          string  `json:"status"`
	ReleaseID       string  `json:"release_id,omitempty"`
	PaidAt          *string `json:"paid_at,omitempty"`
	CancelledAt     *string `json:"cancelled_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toAttributionDTO(a *ledger.Attribution) *AttributionDTO {
	if a == nil {
		return nil
	}
	var pct *string
	if a.PercentUsed != nil {
		s := money(*a.PercentUsed)
		pct = &s
	}
	return &AttributionDTO{
		ID:              string(a.ID),
		SaleID:          string(a.SaleID),
		AffiliateID:     string(a.AffiliateID),
		ProductID:       string(a.ProductID),
		LinkID:          string(a.LinkID),
		SaleValue:       money(a.SaleValue),
		PercentUsed:     pct,
		CommissionValue: money(a.CommissionValue),
		CreditedValue:   money(a.CreditedValue),
		Status:          string(a.Status),
		ReleaseID:       string(a.ReleaseID),
		PaidAt:          timePtr(a.PaidAt),
		CancelledAt:     timePtr(a.CancelledAt),
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// AttributeSaleResponse mirrors attribution.Result. Skipped carries the
// reason when the sale was not attributed; that is not an HTTP error.
type AttributeSaleResponse struct {
	Processed      bool            `json:"processed"`
	AlreadyExisted bool            `json:"already_existed"`
	Skipped        string          `json:"skipped,omitempty"`
	Rule           string          `json:"rule,omitempty"`
	Attribution    *AttributionDTO `json:"attribution,omitempty"`
	Release        *ReleaseDTO     `json:"release,omitempty"`
}

func toAttributeSaleResponse(res attribution.Result) AttributeSaleResponse {
	resp := AttributeSaleResponse{
		Processed:      res.Processed,
		AlreadyExisted: res.AlreadyExisted,
		Rule:           res.Commission.Rule,
		Attribution:    toAttributionDTO(res.Attribution),
		Release:        toReleaseDTO(res.Release),
	}
	if res.Skipped != nil {
		resp.Skipped = res.Skipped.Error()
	}
	return resp
}

// UpdateStatusRequest moves an attribution to a new status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// StatusResponse mirrors attribution.StatusResult.
type StatusResponse struct {
	Attribution *AttributionDTO `json:"attribution"`
	Previous    string          `json:"previous"`
	Changed     bool            `json:"changed"`
	Credited    string          `json:"credited"`
	Reversed    string          `json:"reversed"`
}

func toStatusResponse(res attribution.StatusResult) StatusResponse {
	return StatusResponse{
		Attribution: toAttributionDTO(res.Attribution),
		Previous:    string(res.Previous),
		Changed:     res.Changed,
		Credited:    money(res.Credited),
		Reversed:    money(res.Reversed),
	}
}

// =============================================================================
// RELEASES
// =============================================================================

// ReleaseDTO represents one committed release.
type ReleaseDTO struct {
	MovementID   string   `json:"movement_id"`
	AffiliateID  string   `json:"affiliate_id"`
	VendorID     string   `json:"vendor_id"`
	Value        string   `json:"value"`
	Attributions []string `json:"attributions"`
	At           string   `json:"at"`
}

func toReleaseDTO(r *release.Release) *ReleaseDTO {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.Attributions))
	for i, id := range r.Attributions {
		ids[i] = string(id)
	}
	return &ReleaseDTO{
		MovementID:   string(r.MovementID),
		AffiliateID:  string(r.AffiliateID),
		VendorID:     string(r.VendorID),
		Value:        money(r.Value),
		Attributions: ids,
		At:           r.At.UTC().Format(time.RFC3339),
	}
}

// ReleaseResponse wraps an on-demand evaluation; Release is null below threshold.
type ReleaseResponse struct {
	Released bool        `json:"released"`
	Release  *ReleaseDTO `json:"release"`
}

// SweepDTO mirrors release.SweepResult.
type SweepDTO struct {
	Evaluated int    `json:"evaluated"`
	Released  int    `json:"released"`
	Value     string `json:"value"`
	Failed    int    `json:"failed"`
}

// VendorBalanceDTO is a vendor payable and its movements.
type VendorBalanceDTO struct {
	VendorID     string        `json:"vendor_id"`
	Current      string        `json:"current"`
	TotalRevenue string        `json:"total_revenue"`
	Movements    []MovementDTO `json:"movements"`
}

// MovementDTO is one vendor balance movement.
type MovementDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Origin      string `json:"origin"`
	ReferenceID string `json:"reference_id"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
