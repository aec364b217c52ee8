package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/markets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Numeric fields arrive as strings on some deployments.
		_, _ = w.Write([]byte(`{"data":{"markets":[
			{"market_id":1,"base_asset_symbol":"BTC/USDC","last_price":"95000","change_24h":"2000","daily_volume":"1500000","funding_rate":"0.0001","available":true},
			{"market_id":2,"base_asset_symbol":"ETH/USDC","last_price":3100.5,"change_24h":-50,"daily_volume":800000,"available":true}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, nil)
	markets, err := c.Markets(context.Background())
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}
	btc := markets[0]
	if btc.ID != 1 || btc.BaseSymbol() != "BTC" {
		t.Fatalf("unexpected market: %+v", btc)
	}
	if btc.Price() != 95000 || float64(btc.DailyVolume) != 1500000 {
		t.Fatalf("string numerics not decoded: %+v", btc)
	}
	if markets[1].Price() != 3100.5 {
		t.Fatalf("plain numerics not decoded: %+v", markets[1])
	}
}

func TestMarketChangeFraction(t *testing.T) {
	m := Market{LastPrice: 102, Change24h: 2}
	if got := m.ChangeFraction(); got != 0.02 {
		t.Fatalf("expected 0.02, got %v", got)
	}
	zero := Market{LastPrice: 0, Change24h: 5}
	if got := zero.ChangeFraction(); got != 0 {
		t.Fatalf("expected 0 for non-positive reference price, got %v", got)
	}
}

func TestLatestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/markets/id/1/trading-view-data" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("resolution") != "1H" {
			t.Errorf("unexpected resolution %s", r.URL.Query().Get("resolution"))
		}
		_, _ = w.Write([]byte(`{"data":[{"time":1735689600,"open":94000,"high":95500,"low":93800,"close":95000,"volume":1234.5}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, nil)
	price, err := c.LatestPrice(context.Background(), 1)
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if price != 95000 {
		t.Fatalf("expected 95000, got %v", price)
	}
}

func TestAccountInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"equity":105.5,"balance":100,"free_margin":80.25}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, nil)
	acct, err := c.AccountInfo(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if acct.Equity != 105.5 {
		t.Fatalf("expected equity 105.5, got %v", acct.Equity)
	}
	if acct.Address != "0xabc" {
		t.Fatalf("expected address filled in, got %q", acct.Address)
	}
}

func TestPlaceOrderDefaults(t *testing.T) {
	var got OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":{"order_id":"ord-1","status":"filled","fill_price":95010}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, nil)
	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		Account:  "0xabc",
		MarketID: 1,
		Side:     "buy",
		Size:     0.01,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if order.OrderID != "ord-1" || order.Status != "filled" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if got.OrderType != "limit" || got.TIF != 3 {
		t.Fatalf("expected market-style defaults, got type=%q tif=%d", got.OrderType, got.TIF)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"insufficient margin","error":"margin_check_failed"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100, nil)
	_, err := c.PlaceOrder(context.Background(), OrderRequest{Account: "0xabc", MarketID: 1, Side: "buy", Size: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", apiErr.Status)
	}
	if apiErr.Message != "insufficient margin: margin_check_failed" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}
