// railfair-stats recomputes the pre-aggregated statistics tables from
// stored service history. Run it after each ingestion phase or on a
// schedule.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/config"
	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/stats"
	"github.com/xianyu-ding/RailFair/pkg/store"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("statistics recompute failed", zap.Error(err))
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
	defer db.Close() //nolint:errcheck
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	aggregator, err := stats.NewAggregator(db, metrics.New("railfair_stats"), logger)
	if err != nil {
		return err
	}
	return aggregator.Recompute(ctx)
}
