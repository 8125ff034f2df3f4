package fraud_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
)

const chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
const safariIPhone = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := fraud.Fingerprint(chromeWindows, "10.0.0.1", "")
	assert.Len(t, a, 32)
	assert.Equal(t, a, fraud.Fingerprint(chromeWindows, "10.0.0.1", ""))
	assert.NotEqual(t, a, fraud.Fingerprint(chromeWindows, "10.0.0.2", ""))
	assert.NotEqual(t, a, fraud.Fingerprint(chromeWindows, "10.0.0.1", "https://ref.example.com"))
}

func TestDetectDevice(t *testing.T) {
	tests := []struct {
		ua   string
		want fraud.Device
	}{
		{chromeWindows, fraud.Device{Browser: "Chrome", OS: "Windows", Kind: "Desktop"}},
		{safariIPhone, fraud.Device{Browser: "Safari", OS: "iOS", Kind: "Mobile"}},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", fraud.Device{Browser: "Firefox", OS: "Linux", Kind: "Desktop"}},
		{"Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36 Edg/120.0", fraud.Device{Browser: "Edge", OS: "Windows", Kind: "Desktop"}},
		{"", fraud.Device{Browser: "Unknown", OS: "Unknown", Kind: "Unknown"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fraud.DetectDevice(tt.ua), tt.ua)
	}
}

func TestPassthrough_AcceptsAndEnriches(t *testing.T) {
	s, err := fraud.Passthrough{}.Evaluate(context.Background(), fraud.Request{IPAddress: "10.0.0.1", UserAgent: safariIPhone})
	require.NoError(t, err)
	assert.True(t, s.Valid)
	assert.Equal(t, "Mobile", s.Device)
	assert.Equal(t, fraud.Fingerprint(safariIPhone, "10.0.0.1", ""), s.Fingerprint)

	v, err := fraud.Passthrough{}.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{})
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

// =============================================================================
// HTTP ORACLE
// =============================================================================

func TestHTTPOracle_Evaluate(t *testing.T) {
	var got fraud.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fraud.EvaluatePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "reason": "too many clicks from ip"})
	}))
	defer srv.Close()

	oracle := fraud.NewHTTPOracle(srv.URL+"/", time.Second)
	s, err := oracle.Evaluate(context.Background(), fraud.Request{AffiliateID: "aff-1", IPAddress: "10.0.0.9", UserAgent: chromeWindows})
	require.NoError(t, err)

	assert.Equal(t, ledger.AffiliateID("aff-1"), got.AffiliateID)
	assert.False(t, s.Valid)
	assert.Equal(t, "too many clicks from ip", s.Reason)
	// Enriched locally when the service omits it
	assert.Equal(t, "Chrome", s.Browser)
	assert.Len(t, s.Fingerprint, 32)
}

func TestHTTPOracle_CheckDuplicateCustomer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fraud.CustomerPath, r.URL.Path)
		var check fraud.CustomerCheck
		require.NoError(t, json.NewDecoder(r.Body).Decode(&check))
		valid := check.Customer.Email != "repeat@example.com"
		json.NewEncoder(w).Encode(fraud.Verdict{Valid: valid, Reason: "seen before"})
	}))
	defer srv.Close()

	oracle := fraud.NewHTTPOracle(srv.URL, time.Second)
	v, err := oracle.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{Customer: ledger.Customer{Email: "repeat@example.com"}})
	require.NoError(t, err)
	assert.False(t, v.Valid)

	v, err = oracle.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{Customer: ledger.Customer{Email: "new@example.com"}})
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestHTTPOracle_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fraud.NewHTTPOracle(srv.URL, time.Second).Evaluate(context.Background(), fraud.Request{})
	assert.True(t, ledger.IsRetryable(err))
}

// =============================================================================
// CUSTOMER KEYS
// =============================================================================

func TestCustomerKeys_NormalizesIdentities(t *testing.T) {
	base := fraud.CustomerCheck{AffiliateID: "aff-1", ProductID: "p-1"}

	a := base
	a.Customer = ledger.Customer{Email: " Buyer@Example.com ", Contact: "+258 84-123-4567"}
	b := base
	b.Customer = ledger.Customer{Email: "buyer@example.com", Contact: "258841234567"}

	ka, kb := fraud.CustomerKeys(a), fraud.CustomerKeys(b)
	require.Len(t, ka, 2)
	assert.Equal(t, ka, kb)
	assert.Equal(t, "email", ka[0].Kind)
	assert.True(t, strings.HasPrefix(ka[0].Key, "ledger:customer:aff-1:p-1:email:"))
}

func TestCustomerKeys_ScopedPerPairAndSkipsPartialIdentities(t *testing.T) {
	check := fraud.CustomerCheck{
		AffiliateID: "aff-1", ProductID: "p-1",
		Customer: ledger.Customer{Name: "Ana", IPAddress: "10.0.0.1"},
	}
	keys := fraud.CustomerKeys(check)
	// device needs both ip and user agent
	require.Len(t, keys, 1)
	assert.Equal(t, "name", keys[0].Kind)

	other := check
	other.ProductID = "p-2"
	assert.NotEqual(t, keys[0].Key, fraud.CustomerKeys(other)[0].Key)

	assert.Empty(t, fraud.CustomerKeys(fraud.CustomerCheck{AffiliateID: "aff-1"}))
}

type stubGuard struct{ verdict fraud.Verdict }

func (s stubGuard) CheckDuplicateCustomer(context.Context, fraud.CustomerCheck) (fraud.Verdict, error) {
	return s.verdict, nil
}

func TestComposite_RoutesCustomerChecks(t *testing.T) {
	c := fraud.Composite{Signals: fraud.Passthrough{}, Customers: stubGuard{fraud.Verdict{Reason: "dup"}}}
	v, err := c.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{})
	require.NoError(t, err)
	assert.False(t, v.Valid)

	c.Customers = nil
	v, err = c.CheckDuplicateCustomer(context.Background(), fraud.CustomerCheck{})
	require.NoError(t, err)
	assert.True(t, v.Valid)
}
