package keeper

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"polymarket-keeper/internal/market"
	"polymarket-keeper/internal/orderbook"
	"polymarket-keeper/internal/strategy"
	"polymarket-keeper/pkg/types"
)

// Synchronizer runs one strategy tick: read market state, ask the
// strategy for cancels and placements, and dispatch them to the order
// book manager. It is invoked on every debounced market event and on
// reconcile updates.
//
// Cancels and placements never happen on the same tick. A tick that
// cancels returns immediately; the following tick is skipped while the
// cancels are pending; the tick after that sees the freed balances and
// places. This keeps placement sizing from counting funds still locked
// by an order on its way out.
type Synchronizer struct {
	book     *market.ShadowBook
	strategy *strategy.BandsStrategy
	manager  *orderbook.Manager
	logger   *slog.Logger

	// mu serializes ticks; they can arrive from both the market feed
	// and the reconcile callback.
	mu sync.Mutex
}

// NewSynchronizer wires a sync loop over the given market replica,
// strategy, and order manager.
func NewSynchronizer(book *market.ShadowBook, strat *strategy.BandsStrategy, manager *orderbook.Manager, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		book:     book,
		strategy: strat,
		manager:  manager,
		logger:   logger.With("component", "sync"),
	}
}

// Synchronize runs one tick priced off the replica's mid price.
func (s *Synchronizer) Synchronize(ctx context.Context) {
	s.synchronize(ctx, nil)
}

// SynchronizeWithPrice runs one tick with an explicit token A price,
// bypassing the mid-price read.
func (s *Synchronizer) SynchronizeWithPrice(ctx context.Context, price float64) {
	s.synchronize(ctx, &price)
}

func (s *Synchronizer) synchronize(ctx context.Context, priceOverride *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during synchronization",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	// The replica has never seen a snapshot; nothing to price against.
	if s.book.LastUpdate().IsZero() {
		return
	}

	// Cancel-tick / settle-tick / place-tick interlock.
	if s.manager.HasPendingCancels() {
		s.logger.Debug("skipping tick, cancels in flight")
		return
	}

	ob := s.manager.OrderBook()
	if ob.OrdersBeingPlaced {
		s.logger.Debug("skipping tick, placements in flight")
		return
	}
	if !ob.Balances.Complete() || ob.Balances.Sum() <= 0 {
		s.logger.Debug("skipping tick, balances not ready")
		return
	}

	var price float64
	if priceOverride != nil {
		price = *priceOverride
	} else {
		mid, ok := s.book.MidPrice()
		if !ok {
			s.logger.Warn("skipping tick, no mid price")
			return
		}
		price = mid
	}
	if price <= 0 {
		s.logger.Warn("skipping tick, non-positive price", "price", price)
		return
	}

	priceA := types.RoundPrice(price)
	priceB := types.RoundPrice(1 - priceA)
	targetPrices := map[types.Token]float64{
		types.TokenA: priceA,
		types.TokenB: priceB,
	}

	toCancel, toPlace := s.strategy.GetOrders(ob, targetPrices)

	if len(toCancel) > 0 {
		s.logger.Info("cancelling orders", "count", len(toCancel), "price_a", priceA)
		s.manager.CancelOrders(ctx, toCancel)
		return
	}
	if len(toPlace) > 0 {
		s.logger.Info("placing orders", "count", len(toPlace), "price_a", priceA)
		s.manager.PlaceOrders(ctx, toPlace)
	}
}
