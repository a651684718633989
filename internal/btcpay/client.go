// Package btcpay is a typed client for BTCPay Server's Greenfield API v1,
// the only payment rail this module talks to — Lightning invoices are
// created and settled through it, never through a direct LND connection.
package btcpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Per-operation timeout budget, mirroring httpx.Timeout(connect=5.0,
// read=15.0, write=10.0, pool=5.0): connect is the dial deadline, read
// is how long we wait on response headers once a request is sent, pool
// is the transport's IdleConnTimeout (how long an idle keep-alive
// connection stays in the pool before it is closed; there is no limit on
// waiting for a free connection), and write bounds request bodies this client sends
// (applied as an extra deadline around POST/PUT/PATCH/DELETE calls,
// since net/http has no separate write-phase timeout knob).
const (
	connectTimeout = 5 * time.Second
	readTimeout    = 15 * time.Second
	writeTimeout   = 10 * time.Second
	poolTimeout    = 5 * time.Second
)

// Client is a Greenfield API v1 client bound to one store. Auth uses the
// BTCPay "token" scheme, not Bearer.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	storeID    string
}

// New returns a Client for host's Greenfield API, scoped to storeID.
func New(host, apiKey, storeID string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		IdleConnTimeout:       poolTimeout,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(host, "/") + "/api/v1",
		apiKey:     apiKey,
		storeID:    storeID,
	}
}

// Invoice is the subset of the Greenfield invoice object this module
// cares about.
type Invoice struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AdditionalStatus string `json:"additionalStatus,omitempty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	CheckoutLink   string `json:"checkoutLink"`
	ExpirationTime int64  `json:"expirationTime,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Store is the subset of the Greenfield store object this module uses.
type Store struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIKeyInfo is the subset of /api-keys/current this module uses.
type APIKeyInfo struct {
	APIKey      string   `json:"apiKey"`
	Permissions []string `json:"permissions"`
}

// Payout is the subset of the Greenfield payout object this module uses.
type Payout struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Destination string `json:"destination"`
}

// PayoutProcessor describes a configured payout processor.
type PayoutProcessor struct {
	Name               string `json:"name"`
	PayoutMethodID     string `json:"payoutMethodId"`
}

func (c *Client) request(ctx context.Context, method, endpoint string, body any, out any) error {
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch || method == http.MethodDelete {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, writeTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Error{Message: err.Error()}}
		}
		return &ConnectionError{Error{Message: err.Error()}}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return newStatusError(resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Health reports GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.request(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// GetStore reports GET /stores/{storeId}.
func (c *Client) GetStore(ctx context.Context) (*Store, error) {
	var out Store
	err := c.request(ctx, http.MethodGet, "/stores/"+c.storeID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAPIKeyInfo reports GET /api-keys/current.
func (c *Client) GetAPIKeyInfo(ctx context.Context) (*APIKeyInfo, error) {
	var out APIKeyInfo
	err := c.request(ctx, http.MethodGet, "/api-keys/current", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInvoice issues POST /stores/{storeId}/invoices for amountSats,
// denominated in SATS directly (BTCPay accepts a SATS currency code, so
// no BTC conversion is needed here — unlike CreatePayout).
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, metadata map[string]any) (*Invoice, error) {
	payload := map[string]any{
		"amount":   fmt.Sprintf("%d", amountSats),
		"currency": "SATS",
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}

	var out Invoice
	err := c.request(ctx, http.MethodPost, "/stores/"+c.storeID+"/invoices", payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvoice reports GET /stores/{storeId}/invoices/{invoiceId}.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var out Invoice
	err := c.request(ctx, http.MethodGet, "/stores/"+c.storeID+"/invoices/"+invoiceID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayout issues POST /stores/{storeId}/payouts. amountSats is
// converted to an 8-decimal BTC string, capped at DefaultSatsConversionMax.
func (c *Client) CreatePayout(ctx context.Context, destination string, amountSats int64, payoutMethod string) (*Payout, error) {
	if payoutMethod == "" {
		payoutMethod = "BTC-LN"
	}
	amountBTC, err := SatsToBTCString(amountSats, DefaultSatsConversionMax)
	if err != nil {
		return nil, fmt.Errorf("convert payout amount: %w", err)
	}

	payload := map[string]any{
		"destination":    destination,
		"amount":         amountBTC,
		"payoutMethodId": payoutMethod,
	}

	var out Payout
	if err := c.request(ctx, http.MethodPost, "/stores/"+c.storeID+"/payouts", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayoutProcessors reports GET /stores/{storeId}/payout-processors.
func (c *Client) GetPayoutProcessors(ctx context.Context) ([]PayoutProcessor, error) {
	var out []PayoutProcessor
	err := c.request(ctx, http.MethodGet, "/stores/"+c.storeID+"/payout-processors", nil, &out)
	return out, err
}
