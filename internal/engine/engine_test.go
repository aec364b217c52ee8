package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/risefleet/botd/internal/ai"
	"github.com/risefleet/botd/internal/exchange"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
	"github.com/risefleet/botd/internal/testutil"
)

const marketsJSON = `{"data":{"markets":[
	{"market_id":1,"base_asset_symbol":"BTC/USDC","last_price":"95000","change_24h":"2000","daily_volume":"1500000","funding_rate":"0.0001","available":true},
	{"market_id":9,"base_asset_symbol":"HALTED/USDC","last_price":"1","available":false}
]}}`

// fakeExchange serves the endpoints one trading cycle touches and records
// any order it receives.
type fakeExchange struct {
	*httptest.Server
	orders    []exchange.OrderRequest
	positions string
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{positions: `{"positions":[]}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/markets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(marketsJSON))
	})
	mux.HandleFunc("/v1/accounts/0xabc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"equity":500,"balance":500,"free_margin":400}}`))
	})
	mux.HandleFunc("/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(f.positions))
	})
	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req exchange.OrderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.orders = append(f.orders, req)
		_, _ = w.Write([]byte(`{"data":{"order_id":"ord-1","status":"filled","fill_price":95010}}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newDecisionAI(t *testing.T, decision string) *ai.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, decision)
	}))
	t.Cleanup(srv.Close)
	return ai.NewClient("test-key", "anthropic/claude-3-haiku", srv.URL, nil)
}

func newTestEngine(t *testing.T, cfg Config, ex *fakeExchange, aiClient *ai.Client) (*Engine, *store.Store, *realtime.Queue) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	st := store.NewStore(db)
	if _, err := st.CreateProfile(context.Background(), store.Profile{
		Name: "Degen Dave", Handle: "degen-dave", TradingStyle: "degen",
		RiskTolerance: 0.9, Address: "0xabc", IsActive: true,
	}); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	bus := realtime.NewBus()
	q := bus.SubscribeGlobal("watcher", "")
	return New(cfg, st, exchange.NewClient(ex.URL, 100, nil), aiClient, bus, nil), st, q
}

func drainEvents(q *realtime.Queue) []realtime.Event {
	var events []realtime.Event
	for {
		select {
		case e := <-q.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func drainKinds(q *realtime.Queue) []realtime.Kind {
	var kinds []realtime.Kind
	for _, e := range drainEvents(q) {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func hasKind(kinds []realtime.Kind, k realtime.Kind) bool {
	for _, got := range kinds {
		if got == k {
			return true
		}
	}
	return false
}

func TestCycleDryRunPublishesDecisionOnly(t *testing.T) {
	ex := newFakeExchange(t)
	aiClient := newDecisionAI(t, `{"should_trade":true,"action":"buy","market":"BTC","size_percent":0.2,"confidence":0.9,"reasoning":"momentum looks great"}`)
	e, st, q := newTestEngine(t, Config{DryRun: true}, ex, aiClient)

	e.runCycle(context.Background())

	kinds := drainKinds(q)
	for _, want := range []realtime.Kind{
		realtime.KindMarketUpdate,
		realtime.KindMarketSummary,
		realtime.KindProfileThinking,
		realtime.KindTradeDecision,
	} {
		if !hasKind(kinds, want) {
			t.Errorf("missing %s in %v", want, kinds)
		}
	}
	if hasKind(kinds, realtime.KindTradeOrderSubmitted) {
		t.Error("dry run must not submit orders")
	}
	if len(ex.orders) != 0 {
		t.Fatalf("dry run placed %d orders", len(ex.orders))
	}
	trades, err := st.ListTrades(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("dry run recorded %d trades", len(trades))
	}
}

func TestCycleLiveOrderFlow(t *testing.T) {
	ex := newFakeExchange(t)
	aiClient := newDecisionAI(t, `{"should_trade":true,"action":"buy","market":"BTC","size_percent":0.2,"confidence":0.9,"reasoning":"send it"}`)
	e, st, q := newTestEngine(t, Config{DryRun: false, MaxPositionUSD: 100}, ex, aiClient)

	e.runCycle(context.Background())

	if len(ex.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(ex.orders))
	}
	order := ex.orders[0]
	if order.Side != "buy" || order.MarketID != 1 || order.Account != "0xabc" {
		t.Fatalf("unexpected order: %+v", order)
	}
	// 20% of $400 free margin is $80, under the $100 cap.
	wantSize := 80.0 / 95000.0
	if diff := order.Size - wantSize; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("order size = %v, want %v", order.Size, wantSize)
	}

	kinds := drainKinds(q)
	for _, want := range []realtime.Kind{
		realtime.KindTradeOrderSubmitted,
		realtime.KindTradeOrderFilled,
		realtime.KindAccountUpdate,
	} {
		if !hasKind(kinds, want) {
			t.Errorf("missing %s in %v", want, kinds)
		}
	}

	trades, err := st.ListTrades(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Status != "filled" || trades[0].OrderID != "ord-1" || trades[0].Price != 95010 {
		t.Fatalf("unexpected trade: %+v", trades[0])
	}
}

func TestLiveOrderPublishesPositionState(t *testing.T) {
	ex := newFakeExchange(t)
	ex.positions = `{"positions":[{"market_id":1,"size":0.5,"entry_price":90000},{"market_id":9,"size":0,"entry_price":0}]}`
	aiClient := newDecisionAI(t, `{"should_trade":true,"action":"buy","market":"BTC","size_percent":0.2,"confidence":0.9,"reasoning":"adding to a winner"}`)
	e, _, q := newTestEngine(t, Config{DryRun: false, MaxPositionUSD: 100}, ex, aiClient)

	e.runCycle(context.Background())

	var updates []realtime.Event
	for _, evt := range drainEvents(q) {
		if evt.Kind == realtime.KindAccountPositionUpdate {
			updates = append(updates, evt)
		}
	}
	// The flat market-9 entry must not produce an update.
	if len(updates) != 1 {
		t.Fatalf("expected 1 position update, got %d", len(updates))
	}
	evt := updates[0]
	if evt.ProfileID == "" {
		t.Error("position update missing profile id")
	}
	if got := evt.Payload["market"]; got != "BTC" {
		t.Errorf("market = %v, want BTC", got)
	}
	if got := evt.Payload["size"]; got != 0.5 {
		t.Errorf("size = %v, want 0.5", got)
	}
	if got := evt.Payload["entry_price"]; got != 90000.0 {
		t.Errorf("entry_price = %v, want 90000", got)
	}
	// Marked at the $95000 last price: (95000-90000)*0.5.
	if got := evt.Payload["unrealized_pnl"]; got != 2500.0 {
		t.Errorf("unrealized_pnl = %v, want 2500", got)
	}
	if got := evt.Payload["address"]; got != "0xabc" {
		t.Errorf("address = %v, want 0xabc", got)
	}
}

func TestCycleHoldTakesNoAction(t *testing.T) {
	ex := newFakeExchange(t)
	aiClient := newDecisionAI(t, `{"should_trade":false,"action":null,"market":null,"size_percent":0.1,"confidence":0.8,"reasoning":"waiting for a better entry"}`)
	e, _, q := newTestEngine(t, Config{DryRun: false}, ex, aiClient)

	e.runCycle(context.Background())

	if len(ex.orders) != 0 {
		t.Fatalf("hold decision placed %d orders", len(ex.orders))
	}
	kinds := drainKinds(q)
	if !hasKind(kinds, realtime.KindTradeDecision) {
		t.Errorf("missing trade decision in %v", kinds)
	}
	if hasKind(kinds, realtime.KindTradeOrderSubmitted) {
		t.Error("hold must not submit orders")
	}
}

func TestCycleLowConfidenceSkipsExecution(t *testing.T) {
	ex := newFakeExchange(t)
	aiClient := newDecisionAI(t, `{"should_trade":true,"action":"buy","market":"BTC","size_percent":0.2,"confidence":0.4,"reasoning":"maybe?"}`)
	e, _, _ := newTestEngine(t, Config{DryRun: false}, ex, aiClient)

	e.runCycle(context.Background())

	if len(ex.orders) != 0 {
		t.Fatalf("low-confidence decision placed %d orders", len(ex.orders))
	}
}

func TestCloseSizesFromOpenPosition(t *testing.T) {
	ex := newFakeExchange(t)
	ex.positions = `{"positions":[{"market_id":1,"size":0.5,"entry_price":90000}]}`
	aiClient := newDecisionAI(t, `{"should_trade":true,"action":"close","market":"BTC","size_percent":0.1,"confidence":0.95,"reasoning":"taking profit"}`)
	e, _, _ := newTestEngine(t, Config{DryRun: false}, ex, aiClient)

	e.runCycle(context.Background())

	if len(ex.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(ex.orders))
	}
	order := ex.orders[0]
	if order.Side != "sell" || order.Size != 0.5 || !order.ReduceOnly {
		t.Fatalf("close should sell the open position reduce-only: %+v", order)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision("Sure, here is my decision:\n" +
		`{"should_trade":true,"action":"BUY","market":"BTC","size_percent":0.9,"confidence":1.8,"reasoning":"moon"}` +
		"\nLet me know if you need anything else.")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Action != "buy" {
		t.Errorf("action = %q", d.Action)
	}
	if d.SizePercent != 0.5 {
		t.Errorf("size_percent = %v, want clamp to 0.5", d.SizePercent)
	}
	if d.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamp to 1.0", d.Confidence)
	}

	if _, err := parseDecision(`{"should_trade":true,"action":"yolo","market":"BTC"}`); err == nil {
		t.Error("expected error for unknown action")
	}
	if _, err := parseDecision("no json at all"); err == nil {
		t.Error("expected error for non-JSON output")
	}
}
