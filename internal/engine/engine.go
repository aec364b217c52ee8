// Package engine runs the trading loop. Each cycle it refreshes market
// data, asks every active persona for a decision, and executes whatever
// clears the confidence bar. Everything noteworthy along the way goes out
// on the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/risefleet/botd/internal/ai"
	"github.com/risefleet/botd/internal/exchange"
	"github.com/risefleet/botd/internal/persona"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
)

const (
	// defaultPaperBalance stands in for profiles without a funded account.
	defaultPaperBalance = 1000.0
	// minConfidence gates execution: the persona must clear this or the
	// decision stays on paper.
	minConfidence = 0.6
)

// Config tunes the loop.
type Config struct {
	Interval       time.Duration
	MaxPositionUSD float64
	DryRun         bool
}

type Engine struct {
	cfg      Config
	store    *store.Store
	exchange *exchange.Client
	ai       *ai.Client
	bus      *realtime.Bus
	log      *logrus.Logger

	// markets is the current cycle's snapshot, keyed by base symbol.
	markets map[string]exchange.Market
}

func New(cfg Config, st *store.Store, ex *exchange.Client, aiClient *ai.Client, bus *realtime.Bus, log *logrus.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxPositionUSD <= 0 {
		cfg.MaxPositionUSD = 100
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		exchange: ex,
		ai:       aiClient,
		bus:      bus,
		log:      log,
		markets:  make(map[string]exchange.Market),
	}
}

// Run executes trading cycles until the context is cancelled. The first
// cycle starts immediately.
func (e *Engine) Run(ctx context.Context) error {
	mode := "live"
	if e.cfg.DryRun {
		mode = "dry_run"
	}
	e.log.WithFields(logrus.Fields{"interval": e.cfg.Interval.String(), "mode": mode}).Info("trading loop started")
	e.bus.Publish(realtime.New(realtime.KindBotStatus, "", map[string]any{
		"status": "started", "mode": mode, "interval_seconds": int(e.cfg.Interval.Seconds()),
	}))
	defer e.bus.Publish(realtime.New(realtime.KindBotStatus, "", map[string]any{"status": "stopped"}))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		e.runCycle(ctx)
		select {
		case <-ctx.Done():
			e.log.Info("trading loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()

	if err := e.refreshMarkets(ctx); err != nil {
		e.log.WithError(err).Error("market refresh failed")
		e.bus.Publish(realtime.New(realtime.KindBotError, "", map[string]any{
			"component": "trading_engine", "error": err.Error(),
		}))
		return
	}

	profiles, err := e.store.ListProfiles(ctx, true)
	if err != nil {
		e.log.WithError(err).Error("list active profiles failed")
		e.bus.Publish(realtime.New(realtime.KindBotError, "", map[string]any{
			"component": "trading_engine", "error": err.Error(),
		}))
		return
	}

	for _, p := range profiles {
		if ctx.Err() != nil {
			return
		}
		if err := e.processProfile(ctx, p); err != nil {
			e.log.WithError(err).WithField("profile", p.Handle).Error("cycle failed for profile")
			e.bus.Publish(realtime.New(realtime.KindBotError, p.ID, map[string]any{
				"component": "trading_engine", "error": err.Error(),
			}))
		}
	}

	e.log.WithFields(logrus.Fields{
		"profiles": len(profiles),
		"took":     time.Since(start).Round(time.Millisecond).String(),
	}).Info("trading cycle complete")
}

// refreshMarkets pulls the markets list, publishes one market.update per
// tradable instrument, and a market.summary roll-up for dashboards.
func (e *Engine) refreshMarkets(ctx context.Context) error {
	markets, err := e.exchange.Markets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	fresh := make(map[string]exchange.Market)
	summary := make(map[string]any)
	for _, m := range markets {
		sym := m.BaseSymbol()
		if sym == "" || !m.Available || m.Price() <= 0 {
			continue
		}
		fresh[sym] = m
		e.bus.Publish(realtime.NewMarketUpdate(sym, m.Price(), m.ChangeFraction(), float64(m.DailyVolume), float64(m.FundingRate)))
		summary[sym] = map[string]any{"price": m.Price(), "change_24h": m.ChangeFraction()}
	}
	if len(fresh) == 0 {
		return errors.New("no tradable markets")
	}
	e.markets = fresh

	e.bus.Publish(realtime.New(realtime.KindMarketSummary, "", map[string]any{
		"markets": summary,
		"count":   len(summary),
	}))
	return nil
}

func (e *Engine) marketLines() []string {
	symbols := make([]string, 0, len(e.markets))
	for sym := range e.markets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	lines := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		m := e.markets[sym]
		lines = append(lines, fmt.Sprintf("%s: $%.2f (%+.1f%% 24h)", sym, m.Price(), m.ChangeFraction()*100))
	}
	return lines
}

func (e *Engine) processProfile(ctx context.Context, p store.Profile) error {
	log := e.log.WithField("profile", p.Handle)

	e.bus.Publish(realtime.New(realtime.KindProfileThinking, p.ID, map[string]any{
		"trader_name": p.Name,
		"status":      "analyzing",
	}))

	balance, positions := e.accountState(ctx, p)
	mc := persona.MarketContext{
		Lines:         e.marketLines(),
		Balance:       balance,
		PositionsText: e.positionsText(positions),
	}

	system, user := persona.DecisionPrompt(persona.FromProfile(p), mc)
	raw, err := e.ai.ChatCompletion(ctx, []ai.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, true)
	if err != nil {
		return fmt.Errorf("decision request: %w", err)
	}
	decision, err := parseDecision(raw)
	if err != nil {
		return err
	}

	action := decision.Action
	if !decision.ShouldTrade || action == "" {
		action = "hold"
	}
	size := e.orderSize(decision, balance)
	e.bus.Publish(realtime.NewTradeDecision(p.ID, p.Name, decision.Market, action,
		size, decision.Reasoning, decision.Confidence))
	log.WithFields(logrus.Fields{
		"action":     action,
		"market":     decision.Market,
		"confidence": decision.Confidence,
	}).Info("decision made")

	if !decision.ShouldTrade || action == "hold" {
		return nil
	}
	if decision.Confidence < minConfidence {
		log.WithField("confidence", decision.Confidence).Info("confidence below bar, skipping execution")
		return nil
	}
	return e.executeTrade(ctx, p, decision, size, positions)
}

// orderSize converts a size_percent of balance into asset units, capped by
// the per-position limit. Close orders size themselves from the open
// position instead.
func (e *Engine) orderSize(d Decision, balance float64) float64 {
	if !d.ShouldTrade || (d.Action != "buy" && d.Action != "sell") {
		return 0
	}
	m, ok := e.markets[d.Market]
	if !ok || m.Price() <= 0 {
		return 0
	}
	notional := balance * d.SizePercent
	if notional > e.cfg.MaxPositionUSD {
		notional = e.cfg.MaxPositionUSD
	}
	return notional / m.Price()
}

// accountState fetches balance and positions for a profile. Profiles
// without a funded account trade on paper with a default balance.
func (e *Engine) accountState(ctx context.Context, p store.Profile) (float64, []exchange.Position) {
	if p.Address == "" {
		return defaultPaperBalance, nil
	}
	acct, err := e.exchange.AccountInfo(ctx, p.Address)
	if err != nil {
		e.log.WithError(err).WithField("profile", p.Handle).Warn("account lookup failed, using paper balance")
		return defaultPaperBalance, nil
	}
	balance := acct.FreeMargin
	if balance <= 0 {
		balance = acct.Balance
	}
	positions, err := e.exchange.Positions(ctx, p.Address)
	if err != nil {
		e.log.WithError(err).WithField("profile", p.Handle).Warn("position lookup failed")
		positions = nil
	}
	return balance, positions
}

func (e *Engine) positionsText(positions []exchange.Position) string {
	byID := make(map[int]string)
	for sym, m := range e.markets {
		byID[m.ID] = sym
	}
	var parts []string
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		sym, ok := byID[pos.MarketID]
		if !ok {
			sym = fmt.Sprintf("market %d", pos.MarketID)
		}
		parts = append(parts, fmt.Sprintf("%s: %+.4f @ $%.2f", sym, pos.Size, pos.EntryPrice))
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func (e *Engine) unrealizedPnL(positions []exchange.Position) float64 {
	byID := make(map[int]float64)
	for _, m := range e.markets {
		byID[m.ID] = m.Price()
	}
	total := 0.0
	for _, pos := range positions {
		price, ok := byID[pos.MarketID]
		if !ok || pos.Size == 0 {
			continue
		}
		total += (price - pos.EntryPrice) * pos.Size
	}
	return total
}

func (e *Engine) executeTrade(ctx context.Context, p store.Profile, d Decision, size float64, positions []exchange.Position) error {
	log := e.log.WithFields(logrus.Fields{"profile": p.Handle, "market": d.Market, "action": d.Action})

	m, ok := e.markets[d.Market]
	if !ok {
		log.Warn("decided market is not tradable, skipping")
		return nil
	}
	price := m.Price()

	side := d.Action
	reduceOnly := false
	if d.Action == "close" {
		net := 0.0
		for _, pos := range positions {
			if pos.MarketID == m.ID {
				net += pos.Size
			}
		}
		if net == 0 {
			log.Info("nothing to close")
			return nil
		}
		if net > 0 {
			side, size = "sell", net
		} else {
			side, size = "buy", -net
		}
		reduceOnly = true
	}
	if size <= 0 {
		log.Warn("computed order size is zero, skipping")
		return nil
	}

	if e.cfg.DryRun {
		log.WithFields(logrus.Fields{"size": size, "price": price}).Info("dry run, order not sent")
		return nil
	}
	if p.Address == "" {
		log.Warn("profile has no trading account, cannot execute")
		return nil
	}

	e.bus.Publish(realtime.New(realtime.KindTradeOrderSubmitted, p.ID, map[string]any{
		"market": d.Market, "side": side, "size": size, "price": price,
	}))

	order, err := e.exchange.PlaceOrder(ctx, exchange.OrderRequest{
		Account:    p.Address,
		MarketID:   m.ID,
		Side:       side,
		Size:       size,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		e.bus.Publish(realtime.New(realtime.KindTradeOrderRejected, p.ID, map[string]any{
			"market": d.Market, "side": side, "error": err.Error(),
		}))
		if _, saveErr := e.store.SaveTrade(ctx, store.Trade{
			ProfileID: p.ID, Market: d.Market, Side: side, Size: size, Price: price,
			Reasoning: d.Reasoning, Confidence: d.Confidence, Status: "rejected",
		}); saveErr != nil {
			log.WithError(saveErr).Error("save rejected trade")
		}
		return fmt.Errorf("place order: %w", err)
	}

	status := order.Status
	if status == "" {
		status = "submitted"
	}
	fillPrice := order.FillPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	if status == "filled" {
		e.bus.Publish(realtime.New(realtime.KindTradeOrderFilled, p.ID, map[string]any{
			"market": d.Market, "side": side, "size": size,
			"fill_price": fillPrice, "order_id": order.OrderID,
		}))
	}

	if _, err := e.store.SaveTrade(ctx, store.Trade{
		ProfileID: p.ID, Market: d.Market, Side: side, Size: size, Price: fillPrice,
		Reasoning: d.Reasoning, Confidence: d.Confidence,
		OrderID: order.OrderID, Status: status,
	}); err != nil {
		log.WithError(err).Error("save trade")
	}
	log.WithFields(logrus.Fields{"size": size, "status": status, "order_id": order.OrderID}).Info("trade executed")

	e.publishAccountState(ctx, p)
	return nil
}

// publishAccountState refreshes the account after an execution and publishes
// one account.update plus an account.position_update per open position.
func (e *Engine) publishAccountState(ctx context.Context, p store.Profile) {
	acct, err := e.exchange.AccountInfo(ctx, p.Address)
	if err != nil {
		e.log.WithError(err).WithField("profile", p.Handle).Warn("post-trade account refresh failed")
		return
	}
	positions, err := e.exchange.Positions(ctx, p.Address)
	if err != nil {
		positions = nil
	}
	open := 0
	for _, pos := range positions {
		if pos.Size != 0 {
			open++
		}
	}
	e.bus.Publish(realtime.NewAccountUpdate(p.ID, p.Address, acct.Equity, acct.FreeMargin, open, e.unrealizedPnL(positions)))

	byID := make(map[int]exchange.Market)
	for _, m := range e.markets {
		byID[m.ID] = m
	}
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		sym := fmt.Sprintf("market %d", pos.MarketID)
		pnl := 0.0
		if m, ok := byID[pos.MarketID]; ok {
			sym = m.BaseSymbol()
			pnl = (m.Price() - pos.EntryPrice) * pos.Size
		}
		e.bus.Publish(realtime.NewPositionUpdate(p.ID, p.Address, sym, pos.Size, pos.EntryPrice, pnl))
	}
}
