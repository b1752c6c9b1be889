// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper — sides, outcome
// tokens, orders, balances, order book payloads, and WebSocket event
// shapes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"math"
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Constants
// ————————————————————————————————————————————————————————————————————————

const (
	// MinTick is the smallest price increment accepted by the exchange.
	MinTick = 0.01

	// MinSize is the smallest order size (in tokens) accepted by the exchange.
	MinSize = 5.0

	// MaxDecimals is the price rounding precision for standard 0.01-tick markets.
	MaxDecimals = 2
)

// RoundPrice rounds a price to MaxDecimals fractional digits.
func RoundPrice(p float64) float64 {
	pow := math.Pow(10, MaxDecimals)
	return math.Round(p*pow) / pow
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Token tags one of the two outcomes of a binary market.
// A is the YES outcome, B the NO outcome.
type Token string

const (
	TokenA Token = "A"
	TokenB Token = "B"
)

// Complement returns the opposite outcome token.
func (t Token) Complement() Token {
	if t == TokenA {
		return TokenB
	}
	return TokenA
}

// Asset returns the balance key funding SELL orders of this token.
func (t Token) Asset() Asset {
	if t == TokenA {
		return AssetTokenA
	}
	return AssetTokenB
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// ————————————————————————————————————————————————————————————————————————
// Balances
// ————————————————————————————————————————————————————————————————————————

// Asset identifies one of the three fundable balances the keeper tracks.
// Collateral (USDC) funds BUY orders; the conditional token balances fund
// SELL orders of the respective side.
type Asset string

const (
	AssetCollateral Asset = "COLLATERAL"
	AssetTokenA     Asset = "TOKEN_A"
	AssetTokenB     Asset = "TOKEN_B"
)

// Balances maps assets to on-exchange amounts. A nil map means balances
// have never been fetched.
type Balances map[Asset]float64

// Complete reports whether all three balances are present.
func (b Balances) Complete() bool {
	if b == nil {
		return false
	}
	for _, a := range []Asset{AssetCollateral, AssetTokenA, AssetTokenB} {
		if _, ok := b[a]; !ok {
			return false
		}
	}
	return true
}

// Sum returns the total of all known balances.
func (b Balances) Sum() float64 {
	var total float64
	for _, v := range b {
		total += v
	}
	return total
}

// Clone returns a copy safe to hand out across goroutines.
func (b Balances) Clone() Balances {
	if b == nil {
		return nil
	}
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the keeper's representation of one limit order. ID is empty
// until the exchange accepts the order; it is immutable afterwards.
// CreatedAt feeds the fill-latency metric.
type Order struct {
	ID        string
	Side      Side
	Token     Token
	Price     float64 // in (0, 1), at most MaxDecimals fractional digits
	Size      float64 // in tokens, >= MinSize for new orders
	CreatedAt time.Time
}

// OrderBook is a point-in-time snapshot of the keeper's own orders and
// balances, as tracked by the order book manager. The two flags report
// whether any placement or cancellation is still in flight.
type OrderBook struct {
	Orders               []Order
	Balances             Balances
	OrdersBeingPlaced    bool
	OrdersBeingCancelled bool
}

// ————————————————————————————————————————————————————————————————————————
// Exchange REST payloads
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Size are strings
// because the CLOB API returns them as strings to preserve precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market         string       `json:"market"`
	AssetID        string       `json:"asset_id"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	Hash           string       `json:"hash"`
	Timestamp      string       `json:"timestamp"`
	LastTradePrice string       `json:"last_trade_price"`
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`     // "BUY" or "SELL"
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"` // unix seconds
}

// OrderResponse is the REST API response for POST /order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// CancelResponse is one of the shapes returned by the cancel endpoints.
// Older deployments return the literal string "OK" or a bare list instead;
// the exchange client normalises all three.
type CancelResponse struct {
	Success     bool              `json:"success"`
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// ClobToken is one outcome token inside a market response.
type ClobToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"` // "Yes" or "No"
	Winner  bool   `json:"winner"`
}

// MarketResponse is the REST response from GET /markets/{condition_id}.
type MarketResponse struct {
	ConditionID      string      `json:"condition_id"`
	Tokens           []ClobToken `json:"tokens"`
	MinimumOrderSize string      `json:"minimum_order_size"`
	MinimumTickSize  string      `json:"minimum_tick_size"`
	NegRisk          bool        `json:"neg_risk"`
	Active           bool        `json:"active"`
	Closed           bool        `json:"closed"`
	AcceptingOrders  bool        `json:"accepting_orders"`
}

// BalanceAllowanceResponse is the REST response from GET /balance-allowance.
// Balance is in base units (6 decimals for both USDC and CTF tokens).
type BalanceAllowanceResponse struct {
	Balance string `json:"balance"`
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal base units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"` // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType string      `json:"orderType"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket market
// channel. A frame may carry a single event or an array of events.
// All numeric fields arrive as strings, possibly empty.

// WSBookEvent is a full order book snapshot (event_type "book").
type WSBookEvent struct {
	EventType      string       `json:"event_type"`
	AssetID        string       `json:"asset_id"`
	Market         string       `json:"market"` // condition ID
	Timestamp      string       `json:"timestamp"`
	Hash           string       `json:"hash"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	LastTradePrice string       `json:"last_trade_price"`
}

// WSPriceChange is a single level update within a price_change event.
// BestBid/BestAsk are the server's view of the top of book after this
// change and feed the sampled desync check.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Side    string `json:"side"` // "buy" or "sell"
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental book update (event_type "price_change").
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg is the subscription message sent when connecting to the
// market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"`       // always "market"
	AssetIDs []string `json:"assets_ids"` // token IDs to subscribe
}
