// Package etherscan implements the payment-lookup port against an
// Etherscan-compatible HTTP API. Payments are settled on-chain; the
// approver replies with the transaction hash and the watcher confirms
// it here before completing the invoice.
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

// HTTPClient interface for testability
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries transaction status and receipts.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	logger     *zap.Logger
}

// NewClient creates an Etherscan API client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		Status string `json:"status"` // "1" success, "0" failed
	} `json:"result"`
}

type transaction struct {
	BlockNumber string `json:"blockNumber"` // empty while pending
	Value       string `json:"value"`       // wei, hex
}

type txResponse struct {
	Result *transaction `json:"result"`
}

// Lookup resolves a transaction hash. A transaction in the mempool maps
// to pending; an unknown hash to not found.
func (c *Client) Lookup(ctx context.Context, transactionID string) (*port.PaymentLookupResult, error) {
	tx, err := c.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return &port.PaymentLookupResult{Status: port.PaymentNotFound}, nil
	}
	if tx.BlockNumber == "" {
		return &port.PaymentLookupResult{Status: port.PaymentPending}, nil
	}

	ok, err := c.receiptSucceeded(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Mined but reverted; treat like an unknown payment.
		return &port.PaymentLookupResult{Status: port.PaymentNotFound}, nil
	}

	return &port.PaymentLookupResult{
		Status:   port.PaymentConfirmed,
		Amount:   weiToEther(tx.Value),
		Currency: "ETH",
	}, nil
}

func (c *Client) getTransaction(ctx context.Context, hash string) (*transaction, error) {
	params := url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionByHash"},
		"txhash": {hash},
		"apikey": {c.apiKey},
	}

	var resp txResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) receiptSucceeded(ctx context.Context, hash string) (bool, error) {
	params := url.Values{
		"module": {"transaction"},
		"action": {"gettxreceiptstatus"},
		"txhash": {hash},
		"apikey": {c.apiKey},
	}

	var resp statusResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return false, err
	}
	return resp.Result.Status == "1", nil
}

func (c *Client) get(ctx context.Context, params url.Values, out interface{}) error {
	reqURL := fmt.Sprintf("%s/api?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Etherscan request failed", zap.Error(err))
		return fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup failed with status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// weiToEther converts a hex wei amount to ether.
func weiToEther(hexValue string) float64 {
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return 0
	}
	ether := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	out, _ := ether.Float64()
	return out
}
