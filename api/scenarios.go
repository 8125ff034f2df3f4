/*
scenarios.go - Demo scenario loaders for local runs and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with a product,
	an affiliate and its tracking link. Each scenario exercises one
	commission rule or crediting mode.

AVAILABLE SCENARIOS:

	traffic-affiliate: 10% product, clicks credited on traffic
	vendor-affiliate:  15% product with 5.00 minimum, clicks credited on sale,
	                   affiliate linked to a vendor payable (releases apply)
	flat-fee:          product with a flat 25.00 commission
	fallback-rate:     product without commission, affiliate default rate 8%

HOW SCENARIOS WORK:
 1. Save the product (upsert)
 2. Register the affiliate with a fixed ID, unless it already exists
 3. Create its tracking link for the product

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "vendor-affiliate"}

NOTE:

	Loading is additive and repeatable. Scenario IDs are prefixed "demo-".

SEE ALSO:
  - handlers.go: Registry handlers the loaders mirror
  - commission/commission.go: Rules each scenario exercises
*/
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResponse lists what a load created or found.
type ScenarioResponse struct {
	Scenario  string       `json:"scenario"`
	Affiliate AffiliateDTO `json:"affiliate"`
	Product   ProductDTO   `json:"product"`
	Link      LinkDTO      `json:"link"`
}

type scenario struct {
	ScenarioDTO
	product   ledger.Product
	affiliate ledger.Affiliate
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "traffic-affiliate",
			Name:        "Traffic Affiliate",
			Description: "10% product; every tenth valid click converts into 1.00 credit",
		},
		product: ledger.Product{
			ID: "demo-course", Name: "Online Course",
			CommissionPercent: decimal.NewFromInt(10),
			AllowsAffiliation: true, ClickCrediting: ledger.CreditOnTraffic,
		},
		affiliate: ledger.Affiliate{ID: "demo-ana", Name: "Ana", Email: "ana@example.com"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "vendor-affiliate",
			Name:        "Vendor Affiliate",
			Description: "15% with 5.00 minimum; clicks count at sale time; pending commissions release at 50.00",
		},
		product: ledger.Product{
			ID: "demo-ebook", Name: "E-book", VendorID: "demo-vendor",
			CommissionPercent: decimal.NewFromInt(15), CommissionMinimum: decimal.NewFromInt(5),
			AllowsAffiliation: true, ClickCrediting: ledger.CreditOnSale,
		},
		affiliate: ledger.Affiliate{ID: "demo-bruno", Name: "Bruno", Email: "bruno@example.com", VendorID: "demo-vendor"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "flat-fee",
			Name:        "Flat Fee",
			Description: "No percent on the product; every sale pays a flat 25.00",
		},
		product: ledger.Product{
			ID: "demo-mentoring", Name: "Mentoring Session",
			CommissionMinimum: decimal.NewFromInt(25),
			AllowsAffiliation: true, ClickCrediting: ledger.CreditOnTraffic,
		},
		affiliate: ledger.Affiliate{ID: "demo-carla", Name: "Carla"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fallback-rate",
			Name:        "Fallback Rate",
			Description: "Product has no commission; the affiliate's default 8% applies",
		},
		product: ledger.Product{
			ID: "demo-workshop", Name: "Workshop",
			AllowsAffiliation: true, ClickCrediting: ledger.CreditOnTraffic,
		},
		affiliate: ledger.Affiliate{ID: "demo-davi", Name: "Davi", CommissionPercentual: decimal.NewFromInt(8)},
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario seeds one scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	resp, err := h.loadScenario(r.Context(), sc)
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.logger.Info().Str("scenario", sc.ID).Str("affiliate_id", resp.Affiliate.ID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadScenario(ctx context.Context, sc *scenario) (ScenarioResponse, error) {
	product := sc.product
	if err := h.Store.SaveProduct(ctx, &product); err != nil {
		return ScenarioResponse{}, err
	}

	aff, err := h.Store.GetAffiliate(ctx, sc.affiliate.ID)
	if ledger.IsNotFound(err) {
		now := h.now()
		created := sc.affiliate
		created.Code = ledger.NewReferralCode(now)
		created.Status = ledger.AffiliateActive
		created.CreatedAt = now
		if err := h.Store.CreateAffiliate(ctx, &created); err != nil {
			return ScenarioResponse{}, err
		}
		aff = &created
	} else if err != nil {
		return ScenarioResponse{}, err
	}

	link, err := h.Store.FindLink(ctx, aff.ID, product.ID)
	if ledger.IsNotFound(err) {
		link = &ledger.TrackingLink{
			ID:          ledger.NewID[ledger.LinkID](),
			AffiliateID: aff.ID,
			ProductID:   product.ID,
			URL:         ledger.ReferralURL(h.linkBaseURL, aff.Code),
			CreatedAt:   h.now(),
		}
		err = h.Store.CreateLink(ctx, link)
		if errors.Is(err, ledger.ErrDuplicateLink) {
			link, err = h.Store.FindLink(ctx, aff.ID, product.ID)
		}
	}
	if err != nil {
		return ScenarioResponse{}, err
	}

	return ScenarioResponse{
		Scenario:  sc.ID,
		Affiliate: toAffiliateDTO(aff),
		Product:   toProductDTO(&product),
		Link:      toLinkDTO(link),
	}, nil
}
