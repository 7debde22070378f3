package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the luxescrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Wallet string // Caller's wallet, used for fee quotes and escrow listings
}

// Client is a pure HTTP client for the luxescrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	Violations []string `json:"violations"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if len(apiErr.Violations) > 0 {
				return nil, fmt.Errorf("API error (%d): %s %v", resp.StatusCode, apiErr.Message, apiErr.Violations)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// QuoteFee prices an escrow. An empty wallet falls back to the configured one.
func (c *Client) QuoteFee(ctx context.Context, amountUSD, chain, wallet string) (json.RawMessage, error) {
	if wallet == "" {
		wallet = c.cfg.Wallet
	}
	q := url.Values{}
	q.Set("amountUsd", amountUSD)
	q.Set("chain", chain)
	if wallet != "" {
		q.Set("wallet", wallet)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/fees/quote", q, nil)
}

// ListChains returns the supported chains.
func (c *Client) ListChains(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/chains", nil, nil)
}

// BridgeQuote prices moving an amount between two chains.
func (c *Client) BridgeQuote(ctx context.Context, from, to, amountUSD string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("amountUsd", amountUSD)
	return c.doRequest(ctx, http.MethodGet, "/v1/bridges/quote", q, nil)
}

// CalculateSplit previews a commission split for a sale.
func (c *Client) CalculateSplit(ctx context.Context, chain, saleUSD, sellerWallet, referralCode string) (json.RawMessage, error) {
	body := map[string]string{
		"chain":        chain,
		"saleUsd":      saleUSD,
		"sellerWallet": sellerWallet,
	}
	if referralCode != "" {
		body["referralCode"] = referralCode
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/commissions/split", nil, body)
}

// GetEscrow returns one escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// ListEscrows lists escrows the wallet is a party to.
func (c *Client) ListEscrows(ctx context.Context, wallet string) (json.RawMessage, error) {
	if wallet == "" {
		wallet = c.cfg.Wallet
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(wallet)+"/escrows", nil, nil)
}

// GetDispute returns one dispute case.
func (c *Client) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(disputeID), nil, nil)
}
