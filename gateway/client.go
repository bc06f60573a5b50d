package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOB CLIENT - Order gateway against the exchange order-book API
// ═══════════════════════════════════════════════════════════════════════════════
//
// Implements Gateway and BalanceProvider over the CLOB REST API with
// EIP-712-style order signing. Status polls are rate limited so many
// concurrent executions cannot hammer the API.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ClientConfig holds connection and signing settings
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Passphrase    string
	PrivateKeyHex string
	DryRun        bool
	StatusRPS     float64 // status poll budget across all executions
}

// Client is the HTTP order gateway
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	privateKey *ecdsa.PrivateKey
	address    string
	dryRun     bool
	httpClient *http.Client
	statusLim  *rate.Limiter

	// dry-run order book, orders fill on first status poll
	mu        sync.Mutex
	dryOrders map[string]*dryOrder
}

type dryOrder struct {
	size      decimal.Decimal
	cancelled bool
	polls     int
}

// NewClient creates an order gateway client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.StatusRPS <= 0 {
		cfg.StatusRPS = 10
	}

	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		dryRun:     cfg.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		statusLim:  rate.NewLimiter(rate.Limit(cfg.StatusRPS), int(cfg.StatusRPS)),
		dryOrders:  make(map[string]*dryOrder),
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("private key is required for live trading")
	}

	mode := "LIVE"
	if c.dryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", c.address).
		Msg("🚀 Order gateway initialized")

	return c, nil
}

// Place submits a limit order and returns the exchange order id
func (c *Client) Place(ctx context.Context, market string, side types.Side, price, size decimal.Decimal) (string, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		c.mu.Lock()
		c.dryOrders[orderID] = &dryOrder{size: size}
		c.mu.Unlock()
		log.Info().
			Str("order_id", orderID).
			Str("market", market).
			Str("side", string(side)).
			Str("price", price.StringFixed(2)).
			Str("size", size.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return orderID, nil
	}

	order := map[string]interface{}{
		"market":     market,
		"price":      price.String(),
		"size":       size.String(),
		"side":       string(side),
		"expiration": time.Now().Add(24 * time.Hour).Unix(),
		"nonce":      time.Now().UnixNano(),
		"feeRateBps": "0",
		"maker":      c.address,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post(ctx, "/order", order)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("API error: %s", result.Error)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Msg("✅ Order placed")

	return result.OrderID, nil
}

// Cancel cancels an open order
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.mu.Lock()
		if o, ok := c.dryOrders[orderID]; ok {
			o.cancelled = true
		}
		c.mu.Unlock()
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: Order would be cancelled")
		return nil
	}

	_, err := c.delete(ctx, "/order/"+orderID)
	return err
}

// Status returns the current fill snapshot for an order
func (c *Client) Status(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := c.statusLim.Wait(ctx); err != nil {
		return OrderStatus{}, err
	}

	if c.dryRun {
		return c.dryStatus(orderID)
	}

	resp, err := c.get(ctx, "/order/"+orderID)
	if err != nil {
		return OrderStatus{}, err
	}

	var result struct {
		SizeMatched  decimal.Decimal `json:"size_matched"`
		OriginalSize decimal.Decimal `json:"original_size"`
		Status       string          `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderStatus{}, fmt.Errorf("parse order status: %w", err)
	}

	st := OrderStatus{
		FilledSize:    result.SizeMatched,
		RemainingSize: result.OriginalSize.Sub(result.SizeMatched),
	}
	switch result.Status {
	case "matched", "filled":
		st.State = OrderFilled
	case "cancelled", "canceled":
		st.State = OrderCancelled
	default:
		st.State = OrderLive
	}
	return st, nil
}

// dryStatus simulates a full fill on the second status poll
func (c *Client) dryStatus(orderID string) (OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.dryOrders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown order %s", orderID)
	}
	if o.cancelled {
		return OrderStatus{RemainingSize: o.size, State: OrderCancelled}, nil
	}
	o.polls++
	if o.polls >= 2 {
		return OrderStatus{FilledSize: o.size, State: OrderFilled}, nil
	}
	return OrderStatus{RemainingSize: o.size, State: OrderLive}, nil
}

// BalanceOf returns the agent owner's spendable USDC balance
func (c *Client) BalanceOf(ctx context.Context, agentID string) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(1000), nil
	}

	resp, err := c.get(ctx, "/balance")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return balance, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) delete(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(order)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}
