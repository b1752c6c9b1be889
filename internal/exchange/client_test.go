package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"polymarket-keeper/internal/config"
	"polymarket-keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeJSON answers with a JSON body and the Content-Type the real CLOB
// sends; without it the client would not unmarshal the response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string, dryRun bool) *Client {
	t.Helper()
	cfg := config.Config{
		DryRun: dryRun,
		Wallet: config.WalletConfig{PrivateKey: testPrivateKey, ChainID: 137},
		API: config.APIConfig{
			CLOBBaseURL: baseURL,
			ApiKey:      "test-api-key",
			Secret:      "dGVzdC1zZWNyZXQ=", // base64("test-secret")
			Passphrase:  "test-passphrase",
		},
	}
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(cfg, auth, nil, testLogger())
}

func TestParseCancelAck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"literal OK", "OK", true},
		{"quoted OK", `"OK"`, true},
		{"lowercase ok", "ok", true},
		{"OK with whitespace", "  OK\n", true},
		{"non-empty id list", `["0xabc","0xdef"]`, true},
		{"empty id list", `[]`, false},
		{"object success", `{"success":true,"canceled":[],"not_canceled":{}}`, true},
		{"object with canceled ids", `{"success":false,"canceled":["0xabc"],"not_canceled":{}}`, true},
		{"object failure", `{"success":false,"canceled":[],"not_canceled":{"0xabc":"not found"}}`, false},
		{"empty body", "", false},
		{"garbage", "internal error", false},
		{"malformed json object", `{"success":`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseCancelAck([]byte(tt.body)); got != tt.want {
				t.Errorf("parseCancelAck(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestGetOrderBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			t.Errorf("path = %s, want /book", r.URL.Path)
		}
		if got := r.URL.Query().Get("token_id"); got != "tok-a" {
			t.Errorf("token_id = %q, want tok-a", got)
		}
		writeJSON(w, types.BookResponse{
			Market:  "cond-1",
			AssetID: "tok-a",
			Bids:    []types.PriceLevel{{Price: "0.48", Size: "100"}},
			Asks:    []types.PriceLevel{{Price: "0.52", Size: "50"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	book, err := c.GetOrderBook(context.Background(), "tok-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "0.48" {
		t.Errorf("bids = %+v", book.Bids)
	}
}

func TestGetMarket(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/cond-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, types.MarketResponse{
			ConditionID: "cond-1",
			Tokens: []types.ClobToken{
				{TokenID: "tok-a", Outcome: "Yes"},
				{TokenID: "tok-b", Outcome: "No"},
			},
			Active: true,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	market, err := c.GetMarket(context.Background(), "cond-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(market.Tokens) != 2 || market.Tokens[0].TokenID != "tok-a" {
		t.Errorf("tokens = %+v", market.Tokens)
	}
}

func TestGetOpenOrdersSendsL2Headers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, key := range []string{"Poly_address", "Poly_signature", "Poly_timestamp", "Poly_api_key", "Poly_passphrase"} {
			if r.Header.Get(key) == "" {
				t.Errorf("missing header %s", key)
			}
		}
		if got := r.URL.Query().Get("market"); got != "cond-1" {
			t.Errorf("market = %q", got)
		}
		writeJSON(w, []types.OpenOrder{
			{ID: "o1", Market: "cond-1", AssetID: "tok-a", Side: "BUY", OriginalSize: "10", SizeMatched: "0", Price: "0.48"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	orders, err := c.GetOpenOrders(context.Background(), "cond-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ID != "o1" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestGetBalanceScalesBaseUnits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset_type"); got != AssetTypeCollateral {
			t.Errorf("asset_type = %q", got)
		}
		writeJSON(w, types.BalanceAllowanceResponse{Balance: "123456789"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	bal, err := c.GetBalance(context.Background(), AssetTypeCollateral, "")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 123.456789 {
		t.Errorf("balance = %v, want 123.456789", bal)
	}
}

func TestPostOrderPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("%s %s, want POST /order", r.Method, r.URL.Path)
		}
		var payload types.OrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Owner != "test-api-key" {
			t.Errorf("owner = %q, want api key", payload.Owner)
		}
		if payload.OrderType != "GTC" {
			t.Errorf("order type = %q, want GTC", payload.OrderType)
		}
		if payload.Order.Signature == "" {
			t.Error("order is unsigned")
		}
		if payload.Order.MakerAmount.Int64() != 4_800_000 {
			t.Errorf("makerAmount = %v, want 4800000", payload.Order.MakerAmount)
		}
		if payload.Order.TakerAmount.Int64() != 10_000_000 {
			t.Errorf("takerAmount = %v, want 10000000", payload.Order.TakerAmount)
		}
		writeJSON(w, types.OrderResponse{Success: true, OrderID: "0xnew", Status: "live"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	resp, err := c.PostOrder(context.Background(), "123456", types.BUY, 0.48, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.OrderID != "0xnew" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPostOrderDryRun(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", true)
	resp, err := c.PostOrder(context.Background(), "123456", types.BUY, 0.48, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.OrderID == "" || resp.Status != "live" {
		t.Errorf("dry-run resp = %+v", resp)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/order" {
			t.Errorf("%s %s, want DELETE /order", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"orderID":"0xabc"}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"success":true,"canceled":["0xabc"]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ok, err := c.CancelOrder(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("cancel should succeed")
	}
}

func TestCancelOrdersLegacyOKBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"OK"`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ok, err := c.CancelOrders(context.Background(), []string{"0xabc", "0xdef"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("legacy OK body should count as success")
	}
}

func TestCancelOrdersEmptyIsNoop(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", false)
	ok, err := c.CancelOrders(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("empty cancel should trivially succeed")
	}
}

func TestCancelMarketOrdersDryRun(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost:1", true)
	ok, err := c.CancelMarketOrders(context.Background(), "cond-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("dry-run cancel should succeed")
	}
}

func TestDeriveAPIKeySetsCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/derive-api-key" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Poly_signature") == "" || r.Header.Get("Poly_nonce") == "" {
			t.Error("missing L1 headers")
		}
		writeJSON(w, Credentials{ApiKey: "derived-key", Secret: "c2VjcmV0", Passphrase: "pp"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	creds, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.ApiKey != "derived-key" {
		t.Errorf("api key = %q", creds.ApiKey)
	}
	if c.auth.creds.ApiKey != "derived-key" {
		t.Error("derived credentials not stored on auth")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such market", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	if _, err := c.GetMarket(context.Background(), "missing"); err == nil {
		t.Error("expected error for 404")
	}
}
