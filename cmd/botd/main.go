package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/risefleet/botd/internal/ai"
	"github.com/risefleet/botd/internal/api"
	"github.com/risefleet/botd/internal/chat"
	"github.com/risefleet/botd/internal/config"
	"github.com/risefleet/botd/internal/engine"
	"github.com/risefleet/botd/internal/exchange"
	"github.com/risefleet/botd/internal/logging"
	"github.com/risefleet/botd/internal/monitor"
	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
	"github.com/risefleet/botd/internal/web"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("create data dir")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	st := store.NewStore(db)
	bus := realtime.NewBus(
		realtime.WithQueueSize(cfg.QueueSize),
		realtime.WithHistorySize(cfg.HistorySize),
		realtime.WithLogger(log),
	)
	directory := realtime.NewDirectory()
	exClient := exchange.NewClient(cfg.ExchangeBaseURL, cfg.ExchangeRPS, log)

	var aiClient *ai.Client
	if cfg.OpenRouterAPIKey != "" {
		aiClient = ai.NewClient(cfg.OpenRouterAPIKey, cfg.OpenRouterModel, cfg.OpenRouterBaseURL, log)
	} else {
		log.Warn("no OpenRouter API key set, trading decisions and chat are disabled")
	}

	mode := "live"
	if cfg.DryRun {
		mode = "dry_run"
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	g, ctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return monitor.New(st, exClient, bus, log, cfg.EquityInterval).Run(ctx)
	})
	if aiClient != nil {
		eng := engine.New(engine.Config{
			Interval:       cfg.TradeInterval,
			MaxPositionUSD: cfg.MaxPositionUSD,
			DryRun:         cfg.DryRun,
		}, st, exClient, aiClient, bus, log)
		g.Go(func() error { return eng.Run(ctx) })
		g.Go(func() error { return chat.New(st, aiClient, bus, log).Run(ctx) })
	}

	apiServer := &api.Server{
		Store:     st,
		Bus:       bus,
		Directory: directory,
		Log:       log,
		StartedAt: time.Now().UTC(),
		Mode:      mode,
		Model:     cfg.OpenRouterModel,
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	apiHandler := apiServer.Handler()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/ws", apiHandler)
	mux.Handle("/ws/", apiHandler)
	mux.Handle("/", webServer.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "mode": mode}).Info("botd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	serverCancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("background services stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	_ = httpServer.Close()
}

func loggingMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}
