// Package monitor polls exchange account equity for active profiles,
// records the readings, and republishes them as realtime events.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/risefleet/botd/internal/exchange"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
)

const maxConsecutiveFailures = 5

type reading struct {
	equity float64
	at     time.Time
}

type Monitor struct {
	store    *store.Store
	exchange *exchange.Client
	bus      *realtime.Bus
	log      *logrus.Logger
	interval time.Duration

	failures int

	mu    sync.Mutex
	cache map[string]reading
}

func New(st *store.Store, ex *exchange.Client, bus *realtime.Bus, log *logrus.Logger, interval time.Duration) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:    st,
		exchange: ex,
		bus:      bus,
		log:      log,
		interval: interval,
		cache:    make(map[string]reading),
	}
}

// Run polls until the context is cancelled. Poll failures are logged and
// counted but never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.interval.String()).Info("equity monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.pollOnce(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("equity monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	profiles, err := m.store.ListProfiles(ctx, true)
	if err != nil {
		m.log.WithError(err).Error("list profiles for equity poll")
		return
	}

	polled, updated := 0, 0
	for _, p := range profiles {
		if p.Address == "" {
			continue
		}
		polled++
		if err := m.updateProfile(ctx, p); err != nil {
			m.log.WithError(err).WithField("profile_id", p.ID).Warn("equity update failed")
			continue
		}
		updated++
	}
	if polled == 0 {
		return
	}

	if updated > 0 {
		m.failures = 0
		m.log.WithFields(logrus.Fields{"updated": updated, "polled": polled}).Debug("equity poll complete")
		return
	}

	m.failures++
	if m.failures == maxConsecutiveFailures {
		m.bus.Publish(realtime.New(realtime.KindBotError, "", map[string]any{
			"component": "equity_monitor",
			"error":     fmt.Sprintf("equity polling failed %d cycles in a row", m.failures),
		}))
	}
	if m.failures >= maxConsecutiveFailures {
		m.log.WithField("consecutive_failures", m.failures).Error("equity polling failing repeatedly")
	}
}

func (m *Monitor) updateProfile(ctx context.Context, p store.Profile) error {
	acct, err := m.exchange.AccountInfo(ctx, p.Address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev, hasPrev := m.cache[p.ID]
	m.cache[p.ID] = reading{equity: acct.Equity, at: time.Now().UTC()}
	m.mu.Unlock()

	if err := m.store.RecordEquity(ctx, p.ID, acct.Equity); err != nil {
		return err
	}

	var change float64
	if hasPrev {
		change = acct.Equity - prev.equity
	}
	m.bus.Publish(realtime.NewEquityUpdate(p.ID, p.Address, acct.Equity, change))
	m.log.WithFields(logrus.Fields{
		"profile": p.Handle,
		"equity":  acct.Equity,
		"change":  change,
	}).Info("equity updated")
	return nil
}
