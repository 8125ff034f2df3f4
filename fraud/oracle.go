/*
Package fraud is the outbound port to fraud scoring.

PURPOSE:
  The ledger never scores clicks itself. It hands request signals to an
  Oracle and consumes a yes/no verdict plus a reason. The scoring rules
  live behind the port.

IMPLEMENTATIONS:
  - Passthrough:        fingerprint + device detection, accepts everything
  - HTTPOracle:         remote fraud service over JSON/HTTP (http.go)
  - RedisCustomerGuard: duplicate-customer registry in Redis (redis.go)
  - Composite:          signals from one oracle, customers from another

SEE ALSO:
  - clicks/ledger.go: the only consumer
*/
package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/warp/affiliate-ledger/ledger"
)

// Request carries the raw signals of one click.
type Request struct {
	AffiliateID ledger.AffiliateID `json:"affiliate_id"`
	ProductID   ledger.ProductID   `json:"product_id"`
	LinkID      ledger.LinkID      `json:"link_id,omitempty"`
	IPAddress   string             `json:"ip_address"`
	UserAgent   string             `json:"user_agent"`
	Referer     string             `json:"referer,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}

// RequestFromSignals rebuilds a Request from previously captured signals.
func RequestFromSignals(affiliateID ledger.AffiliateID, productID ledger.ProductID, linkID ledger.LinkID, s ledger.FraudSignals) Request {
	return Request{
		AffiliateID: affiliateID,
		ProductID:   productID,
		LinkID:      linkID,
		IPAddress:   s.IPAddress,
		UserAgent:   s.UserAgent,
		Referer:     s.Referer,
		SessionID:   s.SessionID,
	}
}

// CustomerCheck identifies the buyer of a sale attributed to an affiliate.
type CustomerCheck struct {
	AffiliateID ledger.AffiliateID `json:"affiliate_id"`
	ProductID   ledger.ProductID   `json:"product_id"`
	SaleID      ledger.SaleID      `json:"sale_id"`
	Customer    ledger.Customer    `json:"customer"`
}

// Verdict is the answer to a duplicate-customer check.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Oracle scores clicks and detects repeat customers.
type Oracle interface {
	// Evaluate returns the signals enriched with fingerprint, device and verdict.
	Evaluate(ctx context.Context, req Request) (ledger.FraudSignals, error)
	// CheckDuplicateCustomer reports Valid=false when the buyer was already
	// counted for this affiliate and product.
	CheckDuplicateCustomer(ctx context.Context, check CustomerCheck) (Verdict, error)
}

// =============================================================================
// SIGNAL HELPERS
// =============================================================================

// Fingerprint returns the first 32 hex characters of sha256(ua|ip|referer).
func Fingerprint(userAgent, ipAddress, referer string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ipAddress + "|" + referer))
	return hex.EncodeToString(sum[:])[:32]
}

// Device describes the client parsed from a user agent.
type Device struct {
	Browser string
	OS      string
	Kind    string
}

const unknown = "Unknown"

// DetectDevice does a coarse user agent classification.
func DetectDevice(userAgent string) Device {
	if userAgent == "" {
		return Device{Browser: unknown, OS: unknown, Kind: unknown}
	}
	has := func(s string) bool { return strings.Contains(userAgent, s) }

	d := Device{Browser: unknown, OS: unknown, Kind: "Desktop"}
	switch {
	case has("Edg"):
		d.Browser = "Edge"
	case has("OPR") || has("Opera"):
		d.Browser = "Opera"
	case has("Chrome"):
		d.Browser = "Chrome"
	case has("Firefox"):
		d.Browser = "Firefox"
	case has("Safari"):
		d.Browser = "Safari"
	}

	switch {
	case has("Windows"):
		d.OS = "Windows"
	case has("Android"):
		d.OS = "Android"
	case has("iPhone") || has("iPad") || has("iOS"):
		d.OS = "iOS"
	case has("Mac OS X") || has("Macintosh"):
		d.OS = "macOS"
	case has("Linux"):
		d.OS = "Linux"
	}

	switch {
	case has("iPad") || has("Tablet"):
		d.Kind = "Tablet"
	case has("Mobile") || has("iPhone") || d.OS == "Android":
		d.Kind = "Mobile"
	}
	return d
}

// Enrich fills fingerprint and device fields of req into signals.
func Enrich(req Request) ledger.FraudSignals {
	device := DetectDevice(req.UserAgent)
	return ledger.FraudSignals{
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Fingerprint: Fingerprint(req.UserAgent, req.IPAddress, req.Referer),
		Referer:     req.Referer,
		SessionID:   req.SessionID,
		Browser:     device.Browser,
		OS:          device.OS,
		Device:      device.Kind,
	}
}

// =============================================================================
// PASSTHROUGH
// =============================================================================

// Passthrough enriches signals and accepts every click and customer.
type Passthrough struct{}

func (Passthrough) Evaluate(_ context.Context, req Request) (ledger.FraudSignals, error) {
	s := Enrich(req)
	s.Valid = true
	return s, nil
}

func (Passthrough) CheckDuplicateCustomer(context.Context, CustomerCheck) (Verdict, error) {
	return Verdict{Valid: true}, nil
}

// =============================================================================
// COMPOSITE
// =============================================================================

// CustomerGuard is the duplicate-customer half of an Oracle.
type CustomerGuard interface {
	CheckDuplicateCustomer(ctx context.Context, check CustomerCheck) (Verdict, error)
}

// Composite scores clicks with Signals and customers with Customers.
type Composite struct {
	Signals   Oracle
	Customers CustomerGuard
}

func (c Composite) Evaluate(ctx context.Context, req Request) (ledger.FraudSignals, error) {
	return c.Signals.Evaluate(ctx, req)
}

func (c Composite) CheckDuplicateCustomer(ctx context.Context, check CustomerCheck) (Verdict, error) {
	if c.Customers == nil {
		return c.Signals.CheckDuplicateCustomer(ctx, check)
	}
	return c.Customers.CheckDuplicateCustomer(ctx, check)
}
