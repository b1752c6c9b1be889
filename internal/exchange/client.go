// Package exchange implements the CLOB REST client and request signing.
//
// The REST client (Client) talks to the CLOB API for market data and
// order management:
//   - GetMarket:          GET    /markets/{condition_id} — resolve a market's tokens
//   - GetOrderBook:       GET    /book                — fetch the book for a token
//   - GetOpenOrders:      GET    /data/orders         — the keeper's open orders
//   - GetBalance:         GET    /balance-allowance   — one asset's balance
//   - PostOrder:          POST   /order               — place one signed order
//   - CancelOrder:        DELETE /order               — cancel one order by ID
//   - CancelOrders:       DELETE /orders              — cancel a batch by ID
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - DeriveAPIKey:       GET    /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers (except
// public market-data reads). Cancel acknowledgements arrive in three shapes
// depending on API age (the literal "OK", a bare id list, or a structured
// object); parseCancelAck normalises all of them.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-keeper/internal/config"
	"polymarket-keeper/internal/metrics"
	"polymarket-keeper/pkg/types"
)

const (
	ctfExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// Balance asset_type query values.
const (
	AssetTypeCollateral  = "COLLATERAL"
	AssetTypeConditional = "CONDITIONAL"
)

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http     *resty.Client
	auth     *Auth
	rl       *RateLimiter
	dryRun   bool // when true, mutating methods return fake success without HTTP calls
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, recorder metrics.Recorder, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if recorder == nil {
		recorder = metrics.Nop{}
	}

	return &Client{
		http:     httpClient,
		auth:     auth,
		rl:       NewRateLimiter(),
		dryRun:   cfg.DryRun,
		recorder: recorder,
		logger:   logger.With("component", "clob_client"),
	}
}

func (c *Client) observe(method string, start time.Time, status int) {
	c.recorder.RequestLatency(method, strconv.Itoa(status), time.Since(start))
}

// GetMarket resolves a condition id to its market definition, including
// the two outcome token ids.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*types.MarketResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var result types.MarketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + conditionID)
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	c.observe("get_market", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	c.observe("get_book", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders fetches the keeper's open orders for one market.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	start := time.Now()
	var result []types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("market", conditionID).
		SetResult(&result).
		Get("/data/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	c.observe("get_open_orders", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetBalance fetches one asset's on-exchange balance in human units.
// assetType is AssetTypeCollateral or AssetTypeConditional; tokenID is
// required for conditional assets.
func (c *Client) GetBalance(ctx context.Context, assetType, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", assetType).
		SetQueryParam("signature_type", strconv.Itoa(int(c.auth.sigType)))
	if tokenID != "" {
		req.SetQueryParam("token_id", tokenID)
	}

	start := time.Now()
	var result types.BalanceAllowanceResponse
	resp, err := req.SetResult(&result).Get("/balance-allowance")
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	c.observe("get_balance", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	// Balances arrive in 6-decimal base units.
	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw.Div(decimal.New(1, 6)).InexactFloat64(), nil
}

// PostOrder signs and places one limit order, returning the exchange's
// acceptance response.
func (c *Client) PostOrder(ctx context.Context, tokenID string, side types.Side, price, size float64, negRisk bool) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token_id", tokenID, "side", side, "price", price, "size", size)
		return &types.OrderResponse{Success: true, OrderID: "dry-run-" + NewSalt(), Status: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	makerAmt, takerAmt := PriceToAmounts(price, size, side)
	order := types.SignedOrder{
		Salt:          NewSalt(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
	}

	contract := ctfExchangeAddress
	if negRisk {
		contract = negRiskExchangeAddress
	}
	sig, err := c.auth.SignOrder(&order, contract)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	order.Signature = sig

	payload := types.OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: "GTC",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	start := time.Now()
	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	c.observe("post_order", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels one order by id. The acknowledgement counts as
// success in any of its legacy or structured shapes.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "id", orderID)
		return true, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/order")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	c.observe("cancel_order", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseCancelAck(resp.Body()), nil
}

// CancelOrders cancels a batch of orders by id.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (bool, error) {
	if len(orderIDs) == 0 {
		return true, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return true, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/orders")
	if err != nil {
		return false, fmt.Errorf("cancel orders: %w", err)
	}
	c.observe("cancel_orders", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseCancelAck(resp.Body()), nil
}

// CancelMarketOrders cancels all of the keeper's orders in one market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return true, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	body := fmt.Sprintf(`{"market":%q}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/cancel-market-orders")
	if err != nil {
		return false, fmt.Errorf("cancel market orders: %w", err)
	}
	c.observe("cancel_market_orders", start, resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseCancelAck(resp.Body()), nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// parseCancelAck interprets a cancel acknowledgement body. Success is
// any of: the literal "OK", a non-empty id list, or an object with
// success=true or a non-empty canceled list.
func parseCancelAck(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}

	if s := strings.Trim(string(trimmed), `"`); strings.EqualFold(s, "ok") {
		return true
	}

	switch trimmed[0] {
	case '[':
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return false
		}
		return len(ids) > 0
	case '{':
		var result types.CancelResponse
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return false
		}
		return result.Success || len(result.Canceled) > 0
	}
	return false
}
