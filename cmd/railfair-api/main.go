// railfair-api serves delay predictions, fare comparisons and route
// statistics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/cache"
	"github.com/xianyu-ding/RailFair/pkg/config"
	"github.com/xianyu-ding/RailFair/pkg/fares"
	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/predict"
	"github.com/xianyu-ding/RailFair/pkg/server"
	"github.com/xianyu-ding/RailFair/pkg/store"
)

// fareRefreshInterval is how often the background refresher re-checks
// feed freshness. The ingester itself skips downloads newer than the
// configured refresh window.
const fareRefreshInterval = time.Hour

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.DSN, store.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	m := metrics.New("railfair")
	respCache := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, m, logger)
	engine := predict.NewEngine(db, logger)
	comparator := fares.NewComparator(db)

	srv, err := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		AdminToken:      cfg.Server.AdminToken,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		RateLimitPerDay: cfg.Server.RateLimitPerDay,
	}, db, respCache, engine, comparator, m, logger)
	if err != nil {
		return err
	}

	go srv.Limiter().Run(ctx)
	go runFareRefresher(ctx, cfg, db, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
	return nil
}

// runFareRefresher keeps the fare cache warm. Failures are logged and
// retried on the next tick; predictions degrade to no fare data in the
// meantime.
func runFareRefresher(ctx context.Context, cfg *config.Config, db *store.Store, logger *zap.Logger) {
	if cfg.Fares.Username == "" {
		logger.Info("fares feed credentials not configured, skipping refresh loop")
		return
	}

	feed := fares.NewFeedClient(cfg.Fares.BaseURL, cfg.Fares.Username, cfg.Fares.Password,
		cfg.Fares.RequestTimeout, logger)
	ingester := fares.NewIngester(feed, fares.NewFlowDecoder(logger), db,
		cfg.Fares.RefreshAfter, logger)

	refresh := func() {
		if err := ingester.Refresh(ctx); err != nil {
			logger.Warn("fare refresh failed", zap.Error(err))
		}
	}
	refresh()

	ticker := time.NewTicker(fareRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
