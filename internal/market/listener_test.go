package market

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-keeper/pkg/types"
)

func newTestListener(t *testing.T, debounce time.Duration, onSync func()) (*PriceListener, *ShadowBook) {
	t.Helper()
	book := NewShadowBook("asset-1")
	book.randFloat = func() float64 { return 1 } // never sample desync
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewPriceListener("ws://unused", "cond-1", book, nil, debounce, onSync, logger)
	return l, book
}

func TestHandleFrameBookEvent(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, book := newTestListener(t, 0, func() { triggers++ })

	frame := []byte(`{
		"event_type": "book",
		"market": "cond-1",
		"asset_id": "asset-1",
		"bids": [{"price": "0.48", "size": "100"}],
		"asks": [{"price": "0.52", "size": "40"}],
		"last_trade_price": "0.50"
	}`)
	l.handleFrame(context.Background(), frame)

	if mid, ok := book.MidPrice(); !ok || mid != 0.50 {
		t.Fatalf("MidPrice = %v, %v; want 0.50, true", mid, ok)
	}
	if triggers != 1 {
		t.Fatalf("triggers = %d, want 1", triggers)
	}
}

func TestHandleFrameFiltersOtherMarkets(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, book := newTestListener(t, 0, func() { triggers++ })

	l.handleFrame(context.Background(), []byte(`{
		"event_type": "book",
		"market": "other-cond",
		"asset_id": "asset-1",
		"bids": [{"price": "0.10", "size": "1"}],
		"asks": [{"price": "0.90", "size": "1"}]
	}`))
	l.handleFrame(context.Background(), []byte(`{
		"event_type": "book",
		"market": "cond-1",
		"asset_id": "other-asset",
		"bids": [{"price": "0.10", "size": "1"}],
		"asks": [{"price": "0.90", "size": "1"}]
	}`))

	if !book.LastUpdate().IsZero() {
		t.Fatal("filtered events should not touch the book")
	}
	if triggers != 0 {
		t.Fatalf("triggers = %d, want 0", triggers)
	}
}

func TestHandleFrameArrayFlattened(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, book := newTestListener(t, 0, func() { triggers++ })

	frame := []byte(`[
		{"event_type": "book", "market": "cond-1", "asset_id": "asset-1",
		 "bids": [{"price": "0.48", "size": "100"}], "asks": [{"price": "0.52", "size": "40"}]},
		{"event_type": "price_change", "market": "cond-1", "price_changes": [
			{"asset_id": "asset-1", "side": "buy", "price": "0.49", "size": "10"}
		]}
	]`)
	l.handleFrame(context.Background(), frame)

	if bid, _ := book.BestBid(); bid != 0.49 {
		t.Fatalf("BestBid = %v, want 0.49 after both events", bid)
	}
	if triggers != 2 {
		t.Fatalf("triggers = %d, want 2", triggers)
	}
}

func TestHandleFramePriceChangeFiltersAssets(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, book := newTestListener(t, 0, func() { triggers++ })
	book.ApplyBookEvent(types.WSBookEvent{
		Bids: []types.PriceLevel{{Price: "0.48", Size: "100"}},
		Asks: []types.PriceLevel{{Price: "0.52", Size: "40"}},
	})

	l.handleFrame(context.Background(), []byte(`{
		"event_type": "price_change", "market": "cond-1", "price_changes": [
			{"asset_id": "other-asset", "side": "buy", "price": "0.60", "size": "5"}
		]
	}`))

	if bid, _ := book.BestBid(); bid != 0.48 {
		t.Fatalf("BestBid = %v, want 0.48 (foreign delta ignored)", bid)
	}
	if triggers != 0 {
		t.Fatalf("triggers = %d, want 0 for fully filtered price_change", triggers)
	}
}

func TestHandleFrameUnknownEventIgnored(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, _ := newTestListener(t, 0, func() { triggers++ })

	l.handleFrame(context.Background(), []byte(`{"event_type": "tick_size_change"}`))
	l.handleFrame(context.Background(), []byte(`not json at all`))
	l.handleFrame(context.Background(), []byte(``))

	if triggers != 0 {
		t.Fatalf("triggers = %d, want 0", triggers)
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	t.Parallel()

	triggers := 0
	l, _ := newTestListener(t, time.Second, func() { triggers++ })

	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	frame := []byte(`{
		"event_type": "price_change", "market": "cond-1", "price_changes": [
			{"asset_id": "asset-1", "side": "buy", "price": "0.48", "size": "10"}
		]
	}`)

	// Burst of 5 events inside the window: exactly one callback.
	for i := 0; i < 5; i++ {
		l.handleFrame(context.Background(), frame)
		clock = clock.Add(100 * time.Millisecond)
	}
	if triggers != 1 {
		t.Fatalf("triggers = %d, want 1 within debounce window", triggers)
	}

	// After the window elapses, the next event fires again.
	clock = clock.Add(time.Second)
	l.handleFrame(context.Background(), frame)
	if triggers != 2 {
		t.Fatalf("triggers = %d, want 2 after window", triggers)
	}
}

func TestDesyncTriggersSnapshotRefetch(t *testing.T) {
	t.Parallel()

	fetched := 0
	fetch := func(ctx context.Context, assetID string) (*types.BookResponse, error) {
		fetched++
		return &types.BookResponse{
			AssetID: assetID,
			Bids:    []types.PriceLevel{{Price: "0.45", Size: "10"}},
			Asks:    []types.PriceLevel{{Price: "0.55", Size: "10"}},
		}, nil
	}

	book := NewShadowBook("asset-1")
	book.randFloat = func() float64 { return 1 }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewPriceListener("ws://unused", "cond-1", book, fetch, 0, nil, logger)

	// A malformed delta is treated as desync regardless of sampling.
	l.handleFrame(context.Background(), []byte(`{
		"event_type": "price_change", "market": "cond-1", "price_changes": [
			{"asset_id": "asset-1", "side": "buy", "price": "garbage", "size": "10"}
		]
	}`))

	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1", fetched)
	}
	if bid, _ := book.BestBid(); bid != 0.45 {
		t.Fatalf("BestBid after resync = %v, want 0.45", bid)
	}
}
