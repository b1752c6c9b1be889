package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"polymarket-keeper/pkg/types"
)

// Config is the JSON band configuration document.
type Config struct {
	Bands        []Band   `json:"bands"`
	ActiveTokens []string `json:"active_tokens"`
	VanillaMode  bool     `json:"vanilla_mode"`
}

// LoadConfig reads and parses a band configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bands config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bands config: %w", err)
	}
	return &cfg, nil
}

// BandsStrategy computes the desired order set for the tradable tokens.
// It is pure: GetOrders performs no I/O and never mutates its inputs.
//
// Two trading modes exist:
//   - vanilla: buy and sell the same token around the target price
//   - arbitrage: buy a token, sell its complement (a SELL of the
//     complement at 1 − p is equivalent to a BUY at p)
type BandsStrategy struct {
	bands    *Bands
	tradable []types.Token
	vanilla  bool
	logger   *slog.Logger
}

// NewBandsStrategy builds a strategy from config. Construction fails on
// invalid or overlapping bands. Unknown active_tokens entries are
// ignored; an empty result falls back to token A.
func NewBandsStrategy(cfg *Config, logger *slog.Logger) (*BandsStrategy, error) {
	bands, err := NewBands(cfg.Bands)
	if err != nil {
		return nil, err
	}

	active := cfg.ActiveTokens
	if len(active) == 0 {
		active = []string{"A", "B"}
	}
	var tradable []types.Token
	for _, t := range active {
		switch t {
		case "A":
			tradable = append(tradable, types.TokenA)
		case "B":
			tradable = append(tradable, types.TokenB)
		}
	}
	if len(tradable) == 0 {
		logger.Warn("no valid tokens configured, defaulting to token A")
		tradable = []types.Token{types.TokenA}
	}

	return &BandsStrategy{
		bands:    bands,
		tradable: tradable,
		vanilla:  cfg.VanillaMode,
		logger:   logger.With("component", "bands_strategy"),
	}, nil
}

// GetOrders returns the orders to cancel and the orders to place for the
// current order book and per-token target prices. A token missing from
// targetPrices has no usable price; all of its orders are cancelled and
// nothing is placed for it.
func (s *BandsStrategy) GetOrders(orderBook types.OrderBook, targetPrices map[types.Token]float64) (toCancel, toPlace []types.Order) {
	for _, token := range s.tradable {
		orders := s.ordersForToken(orderBook.Orders, token)
		target, hasPrice := targetPrices[token]
		toCancel = append(toCancel, s.bands.CancellableOrders(orders, target, hasPrice, s.vanilla)...)
	}

	cancelled := make(map[string]bool, len(toCancel))
	for _, o := range toCancel {
		cancelled[o.ID] = true
	}

	// Collateral locked by surviving BUY orders across all tokens.
	freeCollateral := orderBook.Balances[types.AssetCollateral]
	for _, o := range orderBook.Orders {
		if o.Side == types.BUY && !cancelled[o.ID] {
			freeCollateral -= o.Size * o.Price
		}
	}

	for _, token := range s.tradable {
		target, hasPrice := targetPrices[token]
		if !hasPrice {
			continue
		}

		orders := s.ordersForToken(orderBook.Orders, token)
		remaining := make([]types.Order, 0, len(orders))
		for _, o := range orders {
			if !cancelled[o.ID] {
				remaining = append(remaining, o)
			}
		}

		sellToken := token.Complement()
		if s.vanilla {
			sellToken = token
		}
		lockedBySells := 0.0
		for _, o := range remaining {
			if o.Side == types.SELL {
				lockedBySells += o.Size
			}
		}
		freeToken := orderBook.Balances[sellToken.Asset()] - lockedBySells

		newOrders := s.bands.NewOrders(remaining, freeCollateral, freeToken, target, token, s.vanilla)
		for _, o := range newOrders {
			if o.Side == types.BUY {
				freeCollateral -= o.Size * o.Price
			}
		}
		toPlace = append(toPlace, newOrders...)
	}

	return toCancel, toPlace
}

// ordersForToken selects the orders managed under one buy token. In
// vanilla mode that is every order on the token itself; in arbitrage
// mode it is the token's BUY orders plus the complement's SELL orders.
func (s *BandsStrategy) ordersForToken(orders []types.Order, buyToken types.Token) []types.Order {
	var out []types.Order
	for _, o := range orders {
		if s.vanilla {
			if o.Token == buyToken {
				out = append(out, o)
			}
			continue
		}
		if (o.Side == types.BUY && o.Token == buyToken) || (o.Side == types.SELL && o.Token != buyToken) {
			out = append(out, o)
		}
	}
	return out
}
