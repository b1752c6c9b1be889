package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"polymarket-keeper/internal/market"
	"polymarket-keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bookAt builds a one-level book for token A.
func bookAt(t *testing.T, bid, ask string) *market.ShadowBook {
	t.Helper()
	book := market.NewShadowBook("tok-a")
	book.ApplyBookResponse(&types.BookResponse{
		Market:  "cond-1",
		AssetID: "tok-a",
		Bids:    []types.PriceLevel{{Price: bid, Size: "100"}},
		Asks:    []types.PriceLevel{{Price: ask, Size: "100"}},
	})
	return book
}

func newTestExchange(t *testing.T, book *market.ShadowBook) *Exchange {
	t.Helper()
	return NewExchange(book, 1000, 50, 50, nil, testLogger())
}

func TestPlaceAssignsID(t *testing.T) {
	t.Parallel()

	e := newTestExchange(t, bookAt(t, "0.48", "0.52"))

	placed, err := e.PlaceOrder(context.Background(), types.Order{
		Side: types.BUY, Token: types.TokenA, Price: 0.48, Size: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if placed.ID == "" {
		t.Fatal("placed order has no id")
	}

	orders, _ := e.GetOrders(context.Background())
	if len(orders) != 1 || orders[0].ID != placed.ID {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestCancelRemovesOrder(t *testing.T) {
	t.Parallel()

	e := newTestExchange(t, bookAt(t, "0.48", "0.52"))
	placed, _ := e.PlaceOrder(context.Background(), types.Order{
		Side: types.BUY, Token: types.TokenA, Price: 0.48, Size: 10,
	})

	ok, err := e.CancelOrder(context.Background(), placed)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if orders, _ := e.GetOrders(context.Background()); len(orders) != 0 {
		t.Fatalf("orders = %+v, want empty", orders)
	}

	// Cancelling again is not an error.
	if ok, err := e.CancelOrder(context.Background(), placed); err != nil || !ok {
		t.Fatalf("idempotent cancel: ok=%v err=%v", ok, err)
	}
}

func TestBuyFillsWhenAskTradesThrough(t *testing.T) {
	t.Parallel()

	book := bookAt(t, "0.48", "0.52")
	e := newTestExchange(t, book)
	e.PlaceOrder(context.Background(), types.Order{
		Side: types.BUY, Token: types.TokenA, Price: 0.50, Size: 10,
	})

	// Ask above the buy price: no fill.
	e.CheckFills()
	if orders, _ := e.GetOrders(context.Background()); len(orders) != 1 {
		t.Fatal("order should still rest while ask >= price")
	}

	// Market trades down through the order.
	book.ApplyBookResponse(&types.BookResponse{
		Market:  "cond-1",
		AssetID: "tok-a",
		Bids:    []types.PriceLevel{{Price: "0.45", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.49", Size: "100"}},
	})
	e.CheckFills()

	if orders, _ := e.GetOrders(context.Background()); len(orders) != 0 {
		t.Fatal("buy should have filled once ask < price")
	}
	balances, _ := e.GetBalances(context.Background())
	if got := balances[types.AssetCollateral]; got != 1000-10*0.50 {
		t.Errorf("collateral = %v, want 995", got)
	}
	if got := balances[types.AssetTokenA]; got != 60 {
		t.Errorf("token A = %v, want 60", got)
	}
}

func TestSellFillsWhenBidTradesThrough(t *testing.T) {
	t.Parallel()

	book := bookAt(t, "0.48", "0.52")
	e := newTestExchange(t, book)
	e.PlaceOrder(context.Background(), types.Order{
		Side: types.SELL, Token: types.TokenA, Price: 0.52, Size: 10,
	})

	book.ApplyBookResponse(&types.BookResponse{
		Market:  "cond-1",
		AssetID: "tok-a",
		Bids:    []types.PriceLevel{{Price: "0.53", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.55", Size: "100"}},
	})
	e.CheckFills()

	if orders, _ := e.GetOrders(context.Background()); len(orders) != 0 {
		t.Fatal("sell should have filled once bid > price")
	}
	balances, _ := e.GetBalances(context.Background())
	if got := balances[types.AssetTokenA]; got != 40 {
		t.Errorf("token A = %v, want 40", got)
	}
	if got := balances[types.AssetCollateral]; got != 1000+10*0.52 {
		t.Errorf("collateral = %v, want 1005.2", got)
	}
}

func TestTokenBQuotesAreComplement(t *testing.T) {
	t.Parallel()

	// A book: bid 0.48 / ask 0.52 → B book: bid 0.48 / ask 0.52 mirrored,
	// i.e. B bid = 1-0.52 = 0.48, B ask = 1-0.48 = 0.52.
	book := bookAt(t, "0.48", "0.52")
	e := newTestExchange(t, book)
	e.PlaceOrder(context.Background(), types.Order{
		Side: types.BUY, Token: types.TokenB, Price: 0.50, Size: 10,
	})

	// A's bid rises to 0.53 → B's ask drops to 0.47, through the buy at 0.50.
	book.ApplyBookResponse(&types.BookResponse{
		Market:  "cond-1",
		AssetID: "tok-a",
		Bids:    []types.PriceLevel{{Price: "0.53", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.55", Size: "100"}},
	})
	e.CheckFills()

	if orders, _ := e.GetOrders(context.Background()); len(orders) != 0 {
		t.Fatal("token B buy should have filled")
	}
	balances, _ := e.GetBalances(context.Background())
	if got := balances[types.AssetTokenB]; got != 60 {
		t.Errorf("token B = %v, want 60", got)
	}
}

func TestNoFillsOnEmptyBook(t *testing.T) {
	t.Parallel()

	e := newTestExchange(t, market.NewShadowBook("tok-a"))
	e.PlaceOrder(context.Background(), types.Order{
		Side: types.BUY, Token: types.TokenA, Price: 0.99, Size: 10,
	})

	e.CheckFills()
	if orders, _ := e.GetOrders(context.Background()); len(orders) != 1 {
		t.Fatal("nothing should fill without quotes")
	}
}

func TestCancelAllOrders(t *testing.T) {
	t.Parallel()

	e := newTestExchange(t, bookAt(t, "0.48", "0.52"))
	e.PlaceOrder(context.Background(), types.Order{Side: types.BUY, Token: types.TokenA, Price: 0.40, Size: 10})
	e.PlaceOrder(context.Background(), types.Order{Side: types.SELL, Token: types.TokenA, Price: 0.60, Size: 10})

	ok, err := e.CancelAllOrders(context.Background(), nil)
	if err != nil || !ok {
		t.Fatalf("cancel all: ok=%v err=%v", ok, err)
	}
	if orders, _ := e.GetOrders(context.Background()); len(orders) != 0 {
		t.Fatalf("orders = %+v, want empty", orders)
	}
}

func TestBalancesCloneIsolated(t *testing.T) {
	t.Parallel()

	e := newTestExchange(t, bookAt(t, "0.48", "0.52"))
	balances, _ := e.GetBalances(context.Background())
	balances[types.AssetCollateral] = 0

	again, _ := e.GetBalances(context.Background())
	if got := again[types.AssetCollateral]; got != 1000 {
		t.Errorf("internal balances mutated through returned map: %v", got)
	}
}
