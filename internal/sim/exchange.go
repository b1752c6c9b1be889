// Package sim provides an in-memory exchange for paper trading.
//
// It implements the same function contract the order book manager expects
// from the REST client, so the keeper runs unmodified against it. Resting
// orders fill virtually when the live market trades through their price:
// a buy fills once the best ask drops below it, a sell once the best bid
// rises above it. Balances are adjusted on fill only; there is no locked
// margin model.
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-keeper/internal/market"
	"polymarket-keeper/internal/metrics"
	"polymarket-keeper/pkg/types"
)

// Exchange is a virtual exchange backed by the live top-of-book replica
// for outcome token A. Token B quotes are derived as the complement.
type Exchange struct {
	mu       sync.Mutex
	book     *market.ShadowBook
	orders   map[string]types.Order
	balances types.Balances
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewExchange creates a virtual exchange seeded with starting balances.
func NewExchange(book *market.ShadowBook, collateral, tokenA, tokenB float64, recorder metrics.Recorder, logger *slog.Logger) *Exchange {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Exchange{
		book:   book,
		orders: make(map[string]types.Order),
		balances: types.Balances{
			types.AssetCollateral: collateral,
			types.AssetTokenA:     tokenA,
			types.AssetTokenB:     tokenB,
		},
		recorder: recorder,
		logger:   logger.With("component", "sim_exchange"),
	}
}

// GetOrders returns all resting virtual orders.
func (e *Exchange) GetOrders(ctx context.Context) ([]types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]types.Order, 0, len(e.orders))
	for _, o := range e.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

// GetBalances returns a copy of the current virtual balances.
func (e *Exchange) GetBalances(ctx context.Context) (types.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.Clone(), nil
}

// PlaceOrder accepts an order and assigns it a fresh id.
func (e *Exchange) PlaceOrder(ctx context.Context, o types.Order) (types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o.ID = uuid.NewString()
	o.CreatedAt = time.Now()
	e.orders[o.ID] = o
	e.logger.Info("virtual order placed",
		"id", o.ID, "side", o.Side, "token", o.Token, "price", o.Price, "size", o.Size)
	return o, nil
}

// CancelOrder removes one order. Cancelling an already-gone order succeeds.
func (e *Exchange) CancelOrder(ctx context.Context, o types.Order) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.orders, o.ID)
	return true, nil
}

// CancelAllOrders removes every resting order.
func (e *Exchange) CancelAllOrders(ctx context.Context, orders []types.Order) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.orders = make(map[string]types.Order)
	return true, nil
}

// CheckFills scans resting orders against the current market and fills
// those the market has traded through. The keeper calls this on every
// price update, before strategy synchronization.
func (e *Exchange) CheckFills() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, o := range e.orders {
		bid, ask, ok := e.quotes(o.Token)
		if !ok {
			continue
		}

		filled := false
		switch o.Side {
		case types.BUY:
			filled = ask < o.Price
		case types.SELL:
			filled = bid > o.Price
		}
		if !filled {
			continue
		}

		e.applyFill(o)
		delete(e.orders, id)
	}
}

// quotes returns the best bid and ask for a token. Token B is the binary
// complement of token A, so its book mirrors around 1.
func (e *Exchange) quotes(token types.Token) (bid, ask float64, ok bool) {
	bidA, okBid := e.book.BestBid()
	askA, okAsk := e.book.BestAsk()
	if !okBid || !okAsk {
		return 0, 0, false
	}
	if token == types.TokenA {
		return bidA, askA, true
	}
	return 1 - askA, 1 - bidA, true
}

func (e *Exchange) applyFill(o types.Order) {
	asset := o.Token.Asset()
	notional := o.Size * o.Price

	switch o.Side {
	case types.BUY:
		e.balances[types.AssetCollateral] -= notional
		e.balances[asset] += o.Size
	case types.SELL:
		e.balances[asset] -= o.Size
		e.balances[types.AssetCollateral] += notional
	}

	e.recorder.OrderFilled(string(o.Side), string(o.Token), time.Since(o.CreatedAt))
	e.logger.Info("virtual fill",
		"id", o.ID, "side", o.Side, "token", o.Token, "price", o.Price, "size", o.Size)
}
