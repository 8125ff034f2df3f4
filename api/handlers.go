/*
handlers.go - HTTP API handlers for the affiliate ledger

PURPOSE:
  Exposes the click, attribution, release and stats operations via REST.
  Handles HTTP request/response, JSON serialization, and delegates to
  the ledger services. Handlers hold no ledger logic of their own.

ENDPOINTS:
  Affiliates:
    POST   /api/affiliates                 Register affiliate (code generated)
    GET    /api/affiliates/{id}            Affiliate aggregates
    GET    /api/affiliates/{id}/stats      Stats report (?period=7d|30d|90d|1y)
    GET    /api/affiliates/{id}/links      Tracking links
    POST   /api/affiliates/{id}/links      Get or create the link for a product
    POST   /api/affiliates/{id}/release    Evaluate a vendor release now

  Products:
    PUT    /api/products/{id}              Create or replace a product
    GET    /api/products/{id}              Product details

  Clicks:
    POST   /api/clicks                     Score and record a traffic click

  Sales:
    POST   /api/sales                      Attribute a completed sale
    PUT    /api/sales/{id}/status          Move the sale's attribution

  Vendors:
    GET    /api/vendors/{id}/balance       Payable balance and movements

  Admin:
    POST   /api/admin/release/sweep        Sweep all release candidates

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: registry writes and reads
  - Clicks, Attribution, Releases, Stats: ledger services
  - Oracle: scores clicks before they reach the click ledger

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the ledger
  error category (see statusFor):
  - 400: Malformed body, missing fields
  - 404: Affiliate, product, link or attribution not found
  - 409: Duplicate registration
  - 422: Invalid state, commission configuration
  - 503: Transient failure, retry is safe
  - 500: Inconsistent ledger, internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/errors.go: Error categories
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/warp/affiliate-ledger/attribution"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/release"
	"github.com/warp/affiliate-ledger/stats"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services a Handler delegates to.
type Deps struct {
	Store       ledger.Store
	Clicks      *clicks.Ledger
	Attribution *attribution.Service
	Releases    *release.Engine
	Stats       *stats.Service
	Oracle      fraud.Oracle
	// Metrics backs /metrics; prometheus.DefaultGatherer when nil.
	Metrics     prometheus.Gatherer
	LinkBaseURL string
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Clicks      *clicks.Ledger
	Attribution *attribution.Service
	Releases    *release.Engine
	Stats       *stats.Service
	Oracle      fraud.Oracle
	Metrics     prometheus.Gatherer

	linkBaseURL string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewHandler creates a new handler with the given services.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		Store:       d.Store,
		Clicks:      d.Clicks,
		Attribution: d.Attribution,
		Releases:    d.Releases,
		Stats:       d.Stats,
		Oracle:      d.Oracle,
		Metrics:     d.Metrics,
		linkBaseURL: d.LinkBaseURL,
		logger:      d.Logger.With().Str("component", "api").Logger(),
		now:         d.Now,
	}
	if h.Oracle == nil {
		h.Oracle = fraud.Passthrough{}
	}
	if h.Metrics == nil {
		h.Metrics = prometheus.DefaultGatherer
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// =============================================================================
// AFFILIATE HANDLERS
// =============================================================================

// CreateAffiliate registers an active affiliate with a fresh referral code.
// POST /api/affiliates
func (h *Handler) CreateAffiliate(w http.ResponseWriter, r *http.Request) {
	var req CreateAffiliateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.CommissionPercentual.IsNegative() {
		writeError(w, http.StatusBadRequest, "commission_percentual must not be negative", nil)
		return
	}

	ctx := r.Context()
	id := ledger.AffiliateID(req.ID)
	if id == "" {
		id = ledger.NewID[ledger.AffiliateID]()
	} else if _, err := h.Store.GetAffiliate(ctx, id); err == nil {
		writeError(w, http.StatusConflict, "Affiliate already exists", nil)
		return
	} else if !ledger.IsNotFound(err) {
		h.fail(w, "Failed to check affiliate", err)
		return
	}

	now := h.now()
	aff := &ledger.Affiliate{
		ID:                   id,
		Name:                 req.Name,
		Email:                req.Email,
		Code:                 ledger.NewReferralCode(now),
		Status:               ledger.AffiliateActive,
		CommissionPercentual: req.CommissionPercentual,
		VendorID:             ledger.VendorID(req.VendorID),
		CreatedAt:            now,
	}
	if err := h.Store.CreateAffiliate(ctx, aff); err != nil {
		h.fail(w, "Failed to create affiliate", err)
		return
	}

	h.logger.Info().Str("affiliate_id", string(aff.ID)).Str("code", aff.Code).Msg("affiliate registered")
	writeJSON(w, http.StatusCreated, toAffiliateDTO(aff))
}

// GetAffiliate returns the affiliate with its aggregates.
// GET /api/affiliates/{id}
func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.Store.GetAffiliate(r.Context(), ledger.AffiliateID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get affiliate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(aff))
}

// GetStats returns the affiliate stats report.
// GET /api/affiliates/{id}/stats?period=30d
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.Stats.GetAffiliateStats(r.Context(), ledger.AffiliateID(chi.URLParam(r, "id")), r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListLinks returns the affiliate's tracking links.
// GET /api/affiliates/{id}/links
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AffiliateID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetAffiliate(ctx, id); err != nil {
		h.fail(w, "Failed to get affiliate", err)
		return
	}
	links, err := h.Store.ListLinks(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list links", err)
		return
	}

	dtos := make([]LinkDTO, len(links))
	for i := range links {
		dtos[i] = toLinkDTO(&links[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLink returns the affiliate's link to a product, creating it when missing.
// POST /api/affiliates/{id}/links
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required", nil)
		return
	}

	ctx := r.Context()
	aff, err := h.Store.GetAffiliate(ctx, ledger.AffiliateID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get affiliate", err)
		return
	}
	product, err := h.Store.GetProduct(ctx, ledger.ProductID(req.ProductID))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	if !product.AllowsAffiliation {
		h.fail(w, "Product closed to affiliation", ledger.ErrProductNotAffiliable)
		return
	}

	if existing, err := h.Store.FindLink(ctx, aff.ID, product.ID); err == nil {
		writeJSON(w, http.StatusOK, toLinkDTO(existing))
		return
	} else if !ledger.IsNotFound(err) {
		h.fail(w, "Failed to find link", err)
		return
	}

	link := &ledger.TrackingLink{
		ID:          ledger.NewID[ledger.LinkID](),
		AffiliateID: aff.ID,
		ProductID:   product.ID,
		URL:         ledger.ReferralURL(h.linkBaseURL, aff.Code),
		CreatedAt:   h.now(),
	}
	err = h.Store.CreateLink(ctx, link)
	if errors.Is(err, ledger.ErrDuplicateLink) {
		existing, ferr := h.Store.FindLink(ctx, aff.ID, product.ID)
		if ferr != nil {
			h.fail(w, "Failed to find link", ferr)
			return
		}
		writeJSON(w, http.StatusOK, toLinkDTO(existing))
		return
	}
	if err != nil {
		h.fail(w, "Failed to create link", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link))
}

// EvaluateRelease runs the release check for one affiliate.
// POST /api/affiliates/{id}/release
func (h *Handler) EvaluateRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := h.Releases.Evaluate(r.Context(), ledger.AffiliateID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to evaluate release", err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Released: rel != nil, Release: toReleaseDTO(rel)})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// SaveProduct creates or replaces a catalog product.
// PUT /api/products/{id}
func (h *Handler) SaveProduct(w http.ResponseWriter, r *http.Request) {
	var req SaveProductRequest
	if !decode(w, r, &req) {
		return
	}
	crediting := ledger.ClickCrediting(req.ClickCrediting)
	switch crediting {
	case "":
		crediting = ledger.CreditOnTraffic
	case ledger.CreditOnTraffic, ledger.CreditOnSale:
	default:
		writeError(w, http.StatusBadRequest, "click_crediting must be traffic or sale", nil)
		return
	}
	if req.CommissionPercent.IsNegative() || req.CommissionMinimum.IsNegative() {
		writeError(w, http.StatusBadRequest, "commission values must not be negative", nil)
		return
	}

	p := &ledger.Product{
		ID:                ledger.ProductID(chi.URLParam(r, "id")),
		Name:              req.Name,
		VendorID:          ledger.VendorID(req.VendorID),
		CommissionPercent: req.CommissionPercent,
		CommissionMinimum: req.CommissionMinimum,
		AllowsAffiliation: req.AllowsAffiliation,
		ClickCrediting:    crediting,
	}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.fail(w, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// GetProduct returns a catalog product.
// GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// =============================================================================
// CLICK HANDLERS
// =============================================================================

// RecordClick scores a click with the fraud oracle and records it.
// POST /api/clicks
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	var req RecordClickRequest
	if !decode(w, r, &req) {
		return
	}
	if req.LinkID == "" {
		writeError(w, http.StatusBadRequest, "link_id is required", nil)
		return
	}

	ctx := r.Context()
	click := clicks.Click{
		LinkID:      ledger.LinkID(req.LinkID),
		AffiliateID: ledger.AffiliateID(req.AffiliateID),
		ProductID:   ledger.ProductID(req.ProductID),
	}
	if click.AffiliateID == "" || click.ProductID == "" {
		link, err := h.Store.GetLink(ctx, click.LinkID)
		if err != nil {
			h.fail(w, "Failed to get link", err)
			return
		}
		if click.AffiliateID == "" {
			click.AffiliateID = link.AffiliateID
		}
		if click.ProductID == "" {
			click.ProductID = link.ProductID
		}
	}

	oreq := fraud.Request{
		AffiliateID: click.AffiliateID,
		ProductID:   click.ProductID,
		LinkID:      click.LinkID,
		IPAddress:   firstNonEmpty(req.IPAddress, clientIP(r)),
		UserAgent:   firstNonEmpty(req.UserAgent, r.UserAgent()),
		Referer:     firstNonEmpty(req.Referer, r.Referer()),
		SessionID:   req.SessionID,
	}
	signals, err := h.Oracle.Evaluate(ctx, oreq)
	if err != nil {
		h.fail(w, "Failed to score click", fmt.Errorf("fraud oracle: %w: %w", ledger.ErrTransientFailure, err))
		return
	}
	click.Signals = signals

	out, err := h.Clicks.RecordClick(ctx, click)
	if err != nil {
		h.fail(w, "Failed to record click", err)
		return
	}
	writeJSON(w, http.StatusOK, toClickOutcomeDTO(out))
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// AttributeSale attributes a completed sale. Skipped sales answer 200
// with the reason; only ledger failures are errors.
// POST /api/sales
func (h *Handler) AttributeSale(w http.ResponseWriter, r *http.Request) {
	var req AttributeSaleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SaleID == "" || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "sale_id and product_id are required", nil)
		return
	}
	if !req.Value.IsPositive() {
		writeError(w, http.StatusBadRequest, "value must be positive", nil)
		return
	}

	ctx := r.Context()
	product, err := h.Store.GetProduct(ctx, ledger.ProductID(req.ProductID))
	if err != nil {
		h.fail(w, "Failed to get product", err)
		return
	}

	occurred := h.now()
	if req.OccurredAt != nil {
		occurred = req.OccurredAt.UTC()
	}
	ip := firstNonEmpty(req.IPAddress, clientIP(r))
	ua := firstNonEmpty(req.UserAgent, r.UserAgent())
	sale := ledger.Sale{
		ID:        ledger.SaleID(req.SaleID),
		ProductID: product.ID,
		Value:     req.Value,
		Customer: ledger.Customer{
			Name:      req.Customer.Name,
			Contact:   req.Customer.Contact,
			Email:     req.Customer.Email,
			IPAddress: ip,
			UserAgent: ua,
		},
		Signals: ledger.FraudSignals{
			IPAddress: ip,
			UserAgent: ua,
			Referer:   req.Referer,
			SessionID: req.SessionID,
		},
		OccurredAt: occurred,
	}

	res, err := h.Attribution.AttributeSale(ctx, sale, *product, req.ReferralCode)
	if err != nil {
		h.fail(w, "Failed to attribute sale", err)
		return
	}

	status := http.StatusOK
	if res.Processed {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAttributeSaleResponse(res))
}

// UpdateSaleStatus moves the sale's attribution to pending, paid or cancelled.
// PUT /api/sales/{id}/status
func (h *Handler) UpdateSaleStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Attribution.UpdateAttributionStatus(r.Context(), ledger.SaleID(chi.URLParam(r, "id")), ledger.AttributionStatus(req.Status))
	if err != nil {
		h.fail(w, "Failed to update status", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(res))
}

// =============================================================================
// VENDOR & ADMIN HANDLERS
// =============================================================================

// GetVendorBalance returns the vendor payable with its movements.
// GET /api/vendors/{id}/balance
func (h *Handler) GetVendorBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.VendorID(chi.URLParam(r, "id"))
	balance, err := h.Store.GetVendorBalance(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get vendor balance", err)
		return
	}
	movements, err := h.Store.ListMovements(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list movements", err)
		return
	}

	dto := VendorBalanceDTO{
		VendorID:     string(balance.VendorID),
		Current:      money(balance.Current),
		TotalRevenue: money(balance.TotalRevenue),
		Movements:    make([]MovementDTO, len(movements)),
	}
	for i, m := range movements {
		dto.Movements[i] = MovementDTO{
			ID:          string(m.ID),
			Kind:        string(m.Kind),
			Origin:      m.Origin,
			ReferenceID: m.ReferenceID,
			Amount:      money(m.Amount),
			Description: m.Description,
			CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// SweepReleases evaluates every release candidate now.
// POST /api/admin/release/sweep
func (h *Handler) SweepReleases(w http.ResponseWriter, r *http.Request) {
	res, err := h.Releases.Sweep(r.Context())
	if err != nil {
		h.fail(w, "Failed to sweep releases", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		Evaluated: res.Evaluated,
		Released:  res.Released,
		Value:     money(res.Value),
		Failed:    res.Failed,
	})
}

// Healthz answers liveness probes.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps a ledger error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateLink), errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrNoCommissionConfigured),
		errors.Is(err, ledger.ErrInvalidCommission):
		return http.StatusUnprocessableEntity
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		// ErrInconsistent lands here too
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		ev := h.logger.Error()
		if status == http.StatusServiceUnavailable {
			ev = h.logger.Warn()
			w.Header().Set("Retry-After", "1")
		}
		ev.Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// clientIP returns the host part of RemoteAddr, which middleware.RealIP
// has already replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
