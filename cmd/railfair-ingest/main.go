// railfair-ingest runs one batch ingestion phase: it pulls historical
// service performance data for the phase's routes, normalizes it and
// commits it to the store, journaling progress so an interrupted run can
// resume without gaps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/config"
	"github.com/xianyu-ding/RailFair/pkg/hsp"
	"github.com/xianyu-ding/RailFair/pkg/ingest"
	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/normalize"
	"github.com/xianyu-ding/RailFair/pkg/store"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	phaseName := flag.String("phase", "", "phase to run (default: first phase in config)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, *phaseName, logger); err != nil {
		logger.Fatal("ingestion failed", zap.Error(err))
	}
}

func run(configPath, phaseName string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	phase, err := selectPhase(cfg, phaseName)
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

	client := hsp.NewClient(hsp.Config{
		BaseURL:        cfg.HSP.BaseURL,
		Username:       cfg.HSP.Username,
		Password:       cfg.HSP.Password,
		RequestTimeout: cfg.HSP.RequestTimeout,
		Retry: hsp.RetryPolicy{
			MaxAttempts:  cfg.HSP.Retry.MaxAttempts,
			InitialDelay: cfg.HSP.Retry.InitialDelay,
			MaxDelay:     cfg.HSP.Retry.MaxDelay,
			Backoff:      cfg.HSP.Retry.Backoff,
		},
		Pacing: hsp.Pacing{
			MinInterval: cfg.HSP.Pacing.MinInterval,
			MaxInterval: cfg.HSP.Pacing.MaxInterval,
		},
	}, logger)

	// Fail fast on bad credentials before touching the journal.
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("upstream authentication: %w", err)
	}

	processor, err := normalize.NewProcessor(logger)
	if err != nil {
		return err
	}
	tracker, err := ingest.LoadTracker(phase.ProgressFile, phase.Name, logger)
	if err != nil {
		return err
	}

	from, err := phase.From()
	if err != nil {
		return err
	}
	to, err := phase.To()
	if err != nil {
		return err
	}

	m := metrics.New("railfair_ingest")
	scheduler := ingest.NewScheduler(client, db, processor, tracker, m, logger)
	return scheduler.Run(ctx, ingest.PhaseSpec{
		Name:      phase.Name,
		Routes:    phase.Routes,
		From:      from,
		To:        to,
		DayTypes:  phase.DayTypes,
		ChunkDays: phase.ChunkDays,
	})
}

func selectPhase(cfg *config.Config, name string) (*config.Phase, error) {
	if len(cfg.Phases) == 0 {
		return nil, fmt.Errorf("config defines no ingestion phases")
	}
	if name == "" {
		return &cfg.Phases[0], nil
	}
	for i := range cfg.Phases {
		if cfg.Phases[i].Name == name {
			return &cfg.Phases[i], nil
		}
	}
	return nil, fmt.Errorf("phase %q not found in config", name)
}
