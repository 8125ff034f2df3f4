package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warp/affiliate-ledger/ledger"
)

const (
	EvaluatePath = "/v1/clicks/evaluate"
	CustomerPath = "/v1/customers/check"
)

// HTTPOracle calls a remote fraud service.
//
//	POST {base}/v1/clicks/evaluate   Request       -> evaluateResponse
//	POST {base}/v1/customers/check   CustomerCheck -> Verdict
//
// Non-2xx responses and network errors are transient for the caller.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an oracle for baseURL with the given request timeout.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type evaluateResponse struct {
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"fingerprint"`
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	Device      string `json:"device"`
}

func (o *HTTPOracle) Evaluate(ctx context.Context, req Request) (ledger.FraudSignals, error) {
	var resp evaluateResponse
	if err := o.post(ctx, EvaluatePath, req, &resp); err != nil {
		return ledger.FraudSignals{}, err
	}

	// Local enrichment fills whatever the service left out.
	s := Enrich(req)
	s.Valid = resp.Valid
	s.Reason = resp.Reason
	if resp.Fingerprint != "" {
		s.Fingerprint = resp.Fingerprint
	}
	if resp.Browser != "" {
		s.Browser = resp.Browser
	}
	if resp.OS != "" {
		s.OS = resp.OS
	}
	if resp.Device != "" {
		s.Device = resp.Device
	}
	return s, nil
}

func (o *HTTPOracle) CheckDuplicateCustomer(ctx context.Context, check CustomerCheck) (Verdict, error) {
	var v Verdict
	if err := o.post(ctx, CustomerPath, check, &v); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode fraud request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build fraud request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: fraud service: %w", ledger.ErrTransientFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: fraud service %s returned %d", ledger.ErrTransientFailure, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode fraud response: %w", err)
	}
	return nil
}
