// Package keeper wires the market-making loop together: the exchange
// client (or the paper-trading simulator), the shadow order book and its
// WebSocket feed, the bands strategy, the order book manager, and the
// per-tick synchronizer.
//
// Lifecycle: New() resolves the market and builds every component;
// Run() starts the feed and the reconcile loop and blocks until the
// context is cancelled; Stop() cancels all open orders as a safety net.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"polymarket-keeper/internal/config"
	"polymarket-keeper/internal/exchange"
	"polymarket-keeper/internal/market"
	"polymarket-keeper/internal/metrics"
	"polymarket-keeper/internal/orderbook"
	"polymarket-keeper/internal/sim"
	"polymarket-keeper/internal/strategy"
	"polymarket-keeper/pkg/types"
)

// Keeper owns all long-running components for a single market.
type Keeper struct {
	cfg     config.Config
	client  *exchange.Client
	mkt     *market.Market
	negRisk bool

	book     *market.ShadowBook
	listener *market.PriceListener
	manager  *orderbook.Manager
	sync     *Synchronizer
	sim      *sim.Exchange // nil in live mode

	cancelAll func(ctx context.Context) error

	logger *slog.Logger
}

// New resolves the configured market and wires all components. In
// simulate mode orders live in memory and only public market data is
// fetched; otherwise missing L2 credentials are derived via L1 auth.
func New(ctx context.Context, cfg config.Config, recorder metrics.Recorder, logger *slog.Logger) (*Keeper, error) {
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	var auth *exchange.Auth
	if cfg.Simulate {
		auth = &exchange.Auth{} // public endpoints only
	} else {
		var err error
		auth, err = exchange.NewAuth(cfg)
		if err != nil {
			return nil, err
		}
	}

	client := exchange.NewClient(cfg, auth, recorder, logger)

	if !cfg.Simulate && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		if _, err := client.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}

	resp, err := client.GetMarket(ctx, cfg.Market.ConditionID)
	if err != nil {
		return nil, fmt.Errorf("resolve market: %w", err)
	}
	mkt, err := market.ResolveMarket(resp)
	if err != nil {
		return nil, err
	}
	if resp.Closed || !resp.AcceptingOrders {
		return nil, fmt.Errorf("market %s is not accepting orders", cfg.Market.ConditionID)
	}

	book := market.NewShadowBook(mkt.AssetID(types.TokenA))

	k := &Keeper{
		cfg:     cfg,
		client:  client,
		mkt:     mkt,
		negRisk: resp.NegRisk,
		book:    book,
		logger:  logger.With("component", "keeper"),
	}

	var deps orderbook.Deps
	if cfg.Simulate {
		k.sim = sim.NewExchange(book, cfg.Sim.Collateral, cfg.Sim.TokenA, cfg.Sim.TokenB, recorder, logger)
		deps = orderbook.Deps{
			GetOrders:       k.sim.GetOrders,
			GetBalances:     k.sim.GetBalances,
			PlaceOrder:      k.sim.PlaceOrder,
			CancelOrder:     k.sim.CancelOrder,
			CancelAllOrders: k.sim.CancelAllOrders,
		}
		k.cancelAll = func(ctx context.Context) error {
			_, err := k.sim.CancelAllOrders(ctx, nil)
			return err
		}
	} else {
		deps = orderbook.Deps{
			GetOrders:       k.fetchOrders,
			GetBalances:     k.fetchBalances,
			PlaceOrder:      k.placeOrder,
			CancelOrder:     k.cancelOrder,
			CancelAllOrders: k.cancelAllOrders,
		}
		k.cancelAll = func(ctx context.Context) error {
			_, err := client.CancelMarketOrders(ctx, cfg.Market.ConditionID)
			return err
		}
	}

	manager, err := orderbook.NewManager(deps, cfg.Keeper.RefreshFrequency, cfg.Keeper.MaxWorkers, recorder, logger)
	if err != nil {
		return nil, err
	}
	k.manager = manager

	bandsCfg, err := strategy.LoadConfig(cfg.Strategy.ConfigPath)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.NewBandsStrategy(bandsCfg, logger)
	if err != nil {
		return nil, err
	}
	k.sync = NewSynchronizer(book, strat, manager, logger)

	k.listener = market.NewPriceListener(
		cfg.API.WSMarketURL,
		cfg.Market.ConditionID,
		book,
		client.GetOrderBook,
		cfg.Market.Debounce,
		k.onMarketTick,
		logger,
	)

	logger.Info("keeper wired",
		"condition_id", cfg.Market.ConditionID,
		"asset_a", mkt.AssetID(types.TokenA),
		"asset_b", mkt.AssetID(types.TokenB),
		"neg_risk", resp.NegRisk,
		"simulate", cfg.Simulate,
		"dry_run", cfg.DryRun,
	)
	return k, nil
}

// Run seeds the shadow book, then drives the market feed and the
// reconcile loop until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	// Seed the replica so the first ticks have a price to work with.
	if snap, err := k.client.GetOrderBook(ctx, k.book.AssetID()); err != nil {
		k.logger.Warn("initial book snapshot failed, waiting for feed", "error", err)
	} else {
		k.book.ApplyBookResponse(snap)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.manager.RunReconcileLoop(ctx)
	}()

	err := k.listener.Run(ctx)
	<-done
	return err
}

// Stop cancels every open order and releases the worker pool. Called
// after Run's context is cancelled.
func (k *Keeper) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := k.cancelAll(ctx); err != nil {
		k.logger.Error("cancel all on shutdown failed", "error", err)
	} else {
		k.logger.Info("all orders cancelled on shutdown")
	}

	k.listener.Close()
	k.manager.Close()
}

// onMarketTick runs after every debounced book change. In simulate mode
// resting virtual orders are checked for fills first, so the strategy
// sees post-fill balances.
func (k *Keeper) onMarketTick() {
	if k.sim != nil {
		k.sim.CheckFills()
	}
	k.sync.Synchronize(context.Background())
}

// fetchOrders pulls the keeper's open orders and converts them to the
// internal order type, with the unfilled remainder as the size.
func (k *Keeper) fetchOrders(ctx context.Context) ([]types.Order, error) {
	open, err := k.client.GetOpenOrders(ctx, k.cfg.Market.ConditionID)
	if err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(open))
	for _, o := range open {
		converted, err := k.toOrder(o)
		if err != nil {
			k.logger.Warn("skipping unparseable open order", "id", o.ID, "error", err)
			continue
		}
		orders = append(orders, converted)
	}
	return orders, nil
}

func (k *Keeper) toOrder(o types.OpenOrder) (types.Order, error) {
	token, ok := k.mkt.Token(o.AssetID)
	if !ok {
		return types.Order{}, fmt.Errorf("unknown asset %s", o.AssetID)
	}
	price, err := strconv.ParseFloat(o.Price, 64)
	if err != nil {
		return types.Order{}, fmt.Errorf("price %q: %w", o.Price, err)
	}
	original, err := strconv.ParseFloat(o.OriginalSize, 64)
	if err != nil {
		return types.Order{}, fmt.Errorf("original size %q: %w", o.OriginalSize, err)
	}
	matched, err := strconv.ParseFloat(o.SizeMatched, 64)
	if err != nil {
		return types.Order{}, fmt.Errorf("size matched %q: %w", o.SizeMatched, err)
	}

	return types.Order{
		ID:        o.ID,
		Side:      types.Side(o.Side),
		Token:     token,
		Price:     price,
		Size:      original - matched,
		CreatedAt: time.Unix(o.CreatedAt, 0),
	}, nil
}

func (k *Keeper) fetchBalances(ctx context.Context) (types.Balances, error) {
	collateral, err := k.client.GetBalance(ctx, exchange.AssetTypeCollateral, "")
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}
	tokenA, err := k.client.GetBalance(ctx, exchange.AssetTypeConditional, k.mkt.AssetID(types.TokenA))
	if err != nil {
		return nil, fmt.Errorf("token A balance: %w", err)
	}
	tokenB, err := k.client.GetBalance(ctx, exchange.AssetTypeConditional, k.mkt.AssetID(types.TokenB))
	if err != nil {
		return nil, fmt.Errorf("token B balance: %w", err)
	}

	return types.Balances{
		types.AssetCollateral: collateral,
		types.AssetTokenA:     tokenA,
		types.AssetTokenB:     tokenB,
	}, nil
}

func (k *Keeper) placeOrder(ctx context.Context, o types.Order) (types.Order, error) {
	resp, err := k.client.PostOrder(ctx, k.mkt.AssetID(o.Token), o.Side, o.Price, o.Size, k.negRisk)
	if err != nil {
		return types.Order{}, err
	}
	if !resp.Success {
		return types.Order{}, fmt.Errorf("order rejected: %s", resp.ErrorMsg)
	}

	o.ID = resp.OrderID
	o.CreatedAt = time.Now()
	return o, nil
}

func (k *Keeper) cancelOrder(ctx context.Context, o types.Order) (bool, error) {
	return k.client.CancelOrder(ctx, o.ID)
}

func (k *Keeper) cancelAllOrders(ctx context.Context, orders []types.Order) (bool, error) {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return k.client.CancelOrders(ctx, ids)
}
