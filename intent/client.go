// Package intent talks to the intent-settlement provider: quote retrieval
// with deposit-address issuance, and execution-status lookup for the
// out-of-band status poller.
//
// The provider is a black box with its own latency and failure modes, so the
// client draws the transient/terminal line for the engine: HTTP 4xx quote
// rejections are terminal business failures, transport errors and 5xx are
// transient and retried on the next tick.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xeipuuv/gojsonschema"

	settler "github.com/railpay/settler"
)

// quoteResponseSchema validates the provider's quote payload before the
// engine acts on it. A malformed response must never reach the broadcast
// path.
const quoteResponseSchema = `{
	"type": "object",
	"required": ["quoteId", "minAmountIn", "deadline"],
	"properties": {
		"quoteId": {"type": "string"},
		"depositAddress": {"type": "string"},
		"minAmountIn": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
		"deadline": {"type": "string"}
	}
}`

// Config configures the intent client.
type Config struct {
	// URL is the base URL of the intent provider.
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Must stay well
	// inside the distributed lock TTL.
	Timeout time.Duration
}

// Client is the HTTP implementation of settler.IntentClient.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	schema     *gojsonschema.Schema
}

// New creates an intent client.
func New(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("intent provider URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(quoteResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile quote schema: %w", err)
	}

	return &Client{
		url:        config.URL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		schema:     schema,
	}, nil
}

type quoteWire struct {
	QuoteID        string `json:"quoteId"`
	DepositAddress string `json:"depositAddress,omitempty"`
	MinAmountIn    string `json:"minAmountIn"`
	Deadline       string `json:"deadline"`
}

type errorWire struct {
	Error string `json:"error"`
}

// GetQuote requests a route between two assets. For EXACT_OUTPUT requests
// the returned MinAmountIn is the input the provider requires to deliver the
// fixed output amount.
func (c *Client) GetQuote(ctx context.Context, req settler.QuoteRequest) (*settler.Quote, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/quote", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeProviderUnavailable, "quote request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeProviderUnavailable, "quote response read failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.quoteError(resp.StatusCode, raw)
	}

	validation, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil || !validation.Valid() {
		return nil, settler.NewSettlementError(settler.ErrCodeQuoteFailed,
			fmt.Sprintf("provider returned malformed quote: %s", validationDetail(validation, err)), nil)
	}

	var wire quoteWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeQuoteFailed, "provider returned malformed quote", err)
	}

	deadline, err := time.Parse(time.RFC3339, wire.Deadline)
	if err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeQuoteFailed, "provider returned malformed quote deadline", err)
	}

	return &settler.Quote{
		QuoteID:        wire.QuoteID,
		DepositAddress: wire.DepositAddress,
		MinAmountIn:    wire.MinAmountIn,
		Deadline:       deadline,
	}, nil
}

// GetExecutionStatus reports the provider-side progress of a swap correlated
// by deposit address.
func (c *Client) GetExecutionStatus(ctx context.Context, depositAddress string) (*settler.ExecutionStatus, error) {
	endpoint := fmt.Sprintf("%s/status?depositAddress=%s", c.url, url.QueryEscape(depositAddress))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeProviderUnavailable, "status request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, settler.NewSettlementError(settler.ErrCodeProviderUnavailable,
			fmt.Sprintf("status lookup returned %d: %s", resp.StatusCode, string(raw)), nil)
	}

	var status settler.ExecutionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, settler.WrapSettlementError(settler.ErrCodeProviderUnavailable, "malformed status response", err)
	}
	return &status, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// quoteError maps an HTTP failure onto the engine's error taxonomy.
// 4xx means the provider understood and rejected the request — terminal.
// Everything else is the provider or the network misbehaving — transient.
func (c *Client) quoteError(status int, raw []byte) error {
	message := string(raw)
	var wire errorWire
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != "" {
		message = wire.Error
	}

	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return settler.NewSettlementError(settler.ErrCodeQuoteFailed,
			fmt.Sprintf("quote rejected (%d): %s", status, message), nil)
	}
	return settler.NewSettlementError(settler.ErrCodeProviderUnavailable,
		fmt.Sprintf("provider error (%d): %s", status, message), nil)
}

func validationDetail(result *gojsonschema.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if result == nil || len(result.Errors()) == 0 {
		return "schema validation failed"
	}
	return result.Errors()[0].String()
}

// Ensure Client implements settler.IntentClient
var _ settler.IntentClient = (*Client)(nil)
