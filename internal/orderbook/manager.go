// Package orderbook tracks the keeper's own orders and balances without
// querying the exchange on every decision. Place and cancel requests run
// asynchronously on a bounded worker pool with optimistic local updates;
// a periodic reconcile loop refreshes the state from the exchange and
// corrects any drift.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"polymarket-keeper/internal/metrics"
	"polymarket-keeper/pkg/types"
)

// Deps are the exchange operations injected into the manager. All of
// them may be called concurrently from pool workers.
type Deps struct {
	GetOrders       func(ctx context.Context) ([]types.Order, error)
	GetBalances     func(ctx context.Context) (types.Balances, error)
	PlaceOrder      func(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder     func(ctx context.Context, order types.Order) (bool, error)
	CancelAllOrders func(ctx context.Context, orders []types.Order) (bool, error)

	// OnUpdate fires after every state change. Optional.
	OnUpdate func()
}

// Manager owns the keeper's order and balance state. A single lock
// covers the orders map, balances, the cancelling set, and the placing
// counter; lock-held sections are map operations only, never I/O.
type Manager struct {
	deps    Deps
	refresh time.Duration
	pool    *ants.Pool

	mu         sync.Mutex
	orders     map[string]types.Order
	balances   types.Balances
	cancelling map[string]struct{}
	placing    int

	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewManager creates a manager with a bounded worker pool for place and
// cancel dispatch.
func NewManager(deps Deps, refreshFrequency time.Duration, maxWorkers int, recorder metrics.Recorder, logger *slog.Logger) (*Manager, error) {
	pool, err := ants.NewPool(maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Manager{
		deps:       deps,
		refresh:    refreshFrequency,
		pool:       pool,
		orders:     make(map[string]types.Order),
		cancelling: make(map[string]struct{}),
		recorder:   recorder,
		logger:     logger.With("component", "orderbook_manager"),
	}, nil
}

// Close releases the worker pool. In-flight tasks finish first.
func (m *Manager) Close() {
	m.pool.Release()
}

// OrderBook returns a consistent snapshot of orders, balances, and the
// in-flight status flags.
func (m *Manager) OrderBook() types.OrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	return types.OrderBook{
		Orders:               orders,
		Balances:             m.balances.Clone(),
		OrdersBeingPlaced:    m.placing > 0,
		OrdersBeingCancelled: len(m.cancelling) > 0,
	}
}

// HasPendingCancels reports whether any cancellation is still in flight.
func (m *Manager) HasPendingCancels() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelling) > 0
}

// PlaceOrders dispatches the orders to the worker pool and returns
// immediately. Each accepted order is inserted into the local state
// optimistically; failures are logged and isolated.
func (m *Manager) PlaceOrders(ctx context.Context, orders []types.Order) {
	if len(orders) == 0 {
		return
	}

	m.mu.Lock()
	m.placing += len(orders)
	m.mu.Unlock()
	m.fireUpdate()

	for _, order := range orders {
		order := order
		err := m.pool.Submit(func() {
			m.placeOne(ctx, order)
		})
		if err != nil {
			m.logger.Error("submit place task", "error", err)
			m.finishPlacing()
		}
	}
}

func (m *Manager) placeOne(ctx context.Context, order types.Order) {
	defer m.finishPlacing()

	placed, err := m.deps.PlaceOrder(ctx, order)
	if err != nil {
		m.logger.Error("order placement failed",
			"side", order.Side,
			"token", order.Token,
			"price", order.Price,
			"size", order.Size,
			"error", err,
		)
		return
	}

	m.mu.Lock()
	m.orders[placed.ID] = placed
	m.mu.Unlock()
	m.recorder.OrderPlaced(string(placed.Side), string(placed.Token))

	m.logger.Info("order placed",
		"id", placed.ID,
		"side", placed.Side,
		"token", placed.Token,
		"price", placed.Price,
		"size", placed.Size,
	)
}

// finishPlacing decrements the placing counter, floored at zero.
func (m *Manager) finishPlacing() {
	m.mu.Lock()
	if m.placing > 0 {
		m.placing--
	}
	m.mu.Unlock()
	m.fireUpdate()
}

// CancelOrders dispatches one cancel task per order. Order ids stay in
// the cancelling set until their task completes, success or not.
func (m *Manager) CancelOrders(ctx context.Context, orders []types.Order) {
	if len(orders) == 0 {
		return
	}

	m.mu.Lock()
	for _, o := range orders {
		m.cancelling[o.ID] = struct{}{}
	}
	m.mu.Unlock()
	m.fireUpdate()

	for _, order := range orders {
		order := order
		err := m.pool.Submit(func() {
			m.cancelOne(ctx, order)
		})
		if err != nil {
			m.logger.Error("submit cancel task", "error", err)
			m.finishCancelling(order.ID)
		}
	}
}

func (m *Manager) cancelOne(ctx context.Context, order types.Order) {
	defer m.finishCancelling(order.ID)

	ok, err := m.deps.CancelOrder(ctx, order)
	if err != nil {
		m.logger.Error("order cancellation failed", "id", order.ID, "error", err)
		return
	}
	if !ok {
		m.logger.Warn("order cancellation rejected", "id", order.ID)
		return
	}

	m.mu.Lock()
	delete(m.orders, order.ID)
	m.mu.Unlock()
	m.logger.Info("order cancelled", "id", order.ID)
}

func (m *Manager) finishCancelling(orderID string) {
	m.mu.Lock()
	delete(m.cancelling, orderID)
	m.mu.Unlock()
	m.fireUpdate()
}

// CancelAll snapshots the current orders, marks them all as cancelling,
// and dispatches one bulk cancel task.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	orders := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
		m.cancelling[o.ID] = struct{}{}
	}
	m.mu.Unlock()

	if len(orders) == 0 {
		m.logger.Info("no open orders to cancel")
		return
	}
	m.fireUpdate()

	err := m.pool.Submit(func() {
		defer func() {
			m.mu.Lock()
			for _, o := range orders {
				delete(m.cancelling, o.ID)
			}
			m.mu.Unlock()
			m.fireUpdate()
		}()

		ok, err := m.deps.CancelAllOrders(ctx, orders)
		if err != nil {
			m.logger.Error("cancel all failed", "error", err)
			return
		}
		if !ok {
			m.logger.Warn("cancel all rejected")
			return
		}
		m.mu.Lock()
		for _, o := range orders {
			delete(m.orders, o.ID)
		}
		m.mu.Unlock()
		m.logger.Info("all orders cancelled", "count", len(orders))
	})
	if err != nil {
		m.logger.Error("submit cancel all task", "error", err)
		m.mu.Lock()
		for _, o := range orders {
			delete(m.cancelling, o.ID)
		}
		m.mu.Unlock()
	}
}

// RunReconcileLoop refreshes orders and balances from the exchange every
// refresh period until ctx is cancelled. The first refresh runs
// immediately.
func (m *Manager) RunReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	m.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile fetches orders and balances once. A failed orders fetch
// leaves the previous orders in place; a failed balances fetch keeps the
// previous balances (stale beats wrong). A successful orders fetch is
// filtered against the in-flight cancelling set before replacing the
// map, so reconcile never resurrects an order whose cancellation has
// not completed. OnUpdate fires regardless of outcome.
func (m *Manager) Reconcile(ctx context.Context) {
	orders, ordersErr := m.deps.GetOrders(ctx)
	if ordersErr != nil {
		m.logger.Error("fetching orders failed", "error", ordersErr)
	}

	var balances types.Balances
	var balancesErr error
	if m.deps.GetBalances != nil {
		balances, balancesErr = m.deps.GetBalances(ctx)
		if balancesErr != nil {
			m.logger.Warn("fetching balances failed, keeping previous", "error", balancesErr)
		}
	}

	m.mu.Lock()
	if ordersErr == nil {
		next := make(map[string]types.Order, len(orders))
		for _, o := range orders {
			if _, inFlight := m.cancelling[o.ID]; inFlight {
				continue
			}
			next[o.ID] = o
		}
		m.orders = next
	}
	if balancesErr == nil && balances != nil {
		m.balances = balances
	}
	current := m.balances.Clone()
	m.mu.Unlock()

	for asset, amount := range current {
		m.recorder.Balance(string(asset), amount)
	}
	m.fireUpdate()
}

func (m *Manager) fireUpdate() {
	if m.deps.OnUpdate != nil {
		m.deps.OnUpdate()
	}
}
