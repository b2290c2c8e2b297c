package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/models"
	"github.com/xianyu-ding/RailFair/pkg/normalize"
)

// FilterNewRIDs returns the rids with no stored service row, preserving
// input order.
func (s *Store) FilterNewRIDs(ctx context.Context, rids []string) ([]string, error) {
	if len(rids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT rid FROM services WHERE rid IN (?)`, rids)
	if err != nil {
		return nil, fmt.Errorf("build rid query: %w", err)
	}
	query = s.db.Rebind(query)

	var known []string
	if err := s.db.SelectContext(ctx, &known, query, args...); err != nil {
		return nil, fmt.Errorf("query known rids: %w", err)
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, rid := range known {
		knownSet[rid] = struct{}{}
	}
	var out []string
	for _, rid := range rids {
		if _, ok := knownSet[rid]; !ok {
			out = append(out, rid)
		}
	}
	return out, nil
}

// SaveBatch persists one normalized batch transactionally. Conflicting
// rows are left untouched so the earliest ingested record wins and
// re-running a task is idempotent.
func (s *Store) SaveBatch(ctx context.Context, b *normalize.Batch) (int64, error) {
	if len(b.Services) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	for _, svc := range b.Services {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO services (rid, service_date, toc, origin, destination)
			VALUES (:rid, :service_date, :toc, :origin, :destination)
			ON CONFLICT (rid) DO NOTHING`, svc); err != nil {
			return 0, fmt.Errorf("insert service %s: %w", svc.RID, err)
		}
	}

	var inserted int64
	for _, stop := range b.Stops {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO service_stops (
				rid, location, sequence,
				scheduled_arrival, scheduled_departure,
				actual_arrival, actual_departure,
				arrival_delay_minutes, departure_delay_minutes, cancel_reason)
			VALUES (
				:rid, :location, :sequence,
				:scheduled_arrival, :scheduled_departure,
				:actual_arrival, :actual_departure,
				:arrival_delay_minutes, :departure_delay_minutes, :cancel_reason)
			ON CONFLICT (rid, location) DO NOTHING`, stop)
		if err != nil {
			return 0, fmt.Errorf("insert stop %s/%s: %w", stop.RID, stop.Location, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	s.logger.Debug("batch persisted",
		zap.Int("services", len(b.Services)),
		zap.Int("stops", len(b.Stops)),
		zap.Int64("inserted", inserted))
	return inserted, nil
}

// RecordDataQuality appends drop counters for one ingestion task.
func (s *Store) RecordDataQuality(ctx context.Context, records []models.DataQualityRecord) error {
	for _, rec := range records {
		if _, err := s.db.NamedExecContext(ctx, `
			INSERT INTO data_quality_metrics (task_key, reason, count, recorded_at)
			VALUES (:task_key, :reason, :count, :recorded_at)`, rec); err != nil {
			return fmt.Errorf("insert data quality record: %w", err)
		}
	}
	return nil
}
