package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// ArrivalObservation is one destination arrival the aggregator folds into
// route and operator statistics.
type ArrivalObservation struct {
	DelayMinutes     *int       `db:"arrival_delay_minutes"`
	CancelReason     *string    `db:"cancel_reason"`
	ScheduledArrival *time.Time `db:"scheduled_arrival"`
	ServiceDate      time.Time  `db:"service_date"`
	TOC              string     `db:"toc"`
}

// Cancelled reports whether the observation is a late cancellation.
func (o *ArrivalObservation) Cancelled() bool {
	return o.CancelReason != nil && *o.CancelReason != ""
}

// ListRoutes returns every distinct (origin, destination) pair with
// ingested services, in stable order.
func (s *Store) ListRoutes(ctx context.Context) ([]models.Route, error) {
	var routes []models.Route
	err := s.db.SelectContext(ctx, &routes, `
		SELECT DISTINCT origin, destination
		FROM services
		ORDER BY origin, destination`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

// RouteArrivals returns the destination-arrival observations for a route.
func (s *Store) RouteArrivals(ctx context.Context, origin, destination string) ([]ArrivalObservation, error) {
	var obs []ArrivalObservation
	err := s.db.SelectContext(ctx, &obs, `
		SELECT st.arrival_delay_minutes, st.cancel_reason, st.scheduled_arrival,
		       sv.service_date, sv.toc
		FROM service_stops st
		JOIN services sv ON sv.rid = st.rid
		WHERE sv.origin = $1 AND sv.destination = $2 AND st.location = sv.destination`,
		origin, destination)
	if err != nil {
		return nil, fmt.Errorf("route arrivals %s-%s: %w", origin, destination, err)
	}
	return obs, nil
}

// ListTOCs returns every operator code with ingested services.
func (s *Store) ListTOCs(ctx context.Context) ([]string, error) {
	var tocs []string
	if err := s.db.SelectContext(ctx, &tocs, `
		SELECT DISTINCT toc FROM services ORDER BY toc`); err != nil {
		return nil, fmt.Errorf("list tocs: %w", err)
	}
	return tocs, nil
}

// TOCArrivals returns every destination arrival run by one operator.
func (s *Store) TOCArrivals(ctx context.Context, toc string) ([]ArrivalObservation, error) {
	var obs []ArrivalObservation
	err := s.db.SelectContext(ctx, &obs, `
		SELECT st.arrival_delay_minutes, st.cancel_reason, st.scheduled_arrival,
		       sv.service_date, sv.toc
		FROM service_stops st
		JOIN services sv ON sv.rid = st.rid
		WHERE sv.toc = $1 AND st.location = sv.destination`, toc)
	if err != nil {
		return nil, fmt.Errorf("toc arrivals %s: %w", toc, err)
	}
	return obs, nil
}

// ReplaceRouteStatistics swaps in a route's statistics row for its
// calculation date. Delete-then-insert keeps a same-day recomputation
// canonical without touching older dates.
func (s *Store) ReplaceRouteStatistics(ctx context.Context, rs models.RouteStatistics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin route stats tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM route_statistics
		WHERE origin = $1 AND destination = $2 AND calculation_date = $3`,
		rs.Origin, rs.Destination, rs.CalculationDate); err != nil {
		return fmt.Errorf("delete route stats: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO route_statistics (
			origin, destination, calculation_date, total_services,
			on_time_pct, within_3_pct, within_5_pct, within_10_pct,
			within_15_pct, within_30_pct, avg_delay, median_delay,
			max_delay, std_dev_delay, cancelled_count, cancelled_pct,
			severe_delay_pct, bucket_0_5, bucket_5_15, bucket_15_30,
			bucket_30_60, bucket_over_60, reliability_score,
			reliability_grade, hourly_stats, day_of_week_stats)
		VALUES (
			:origin, :destination, :calculation_date, :total_services,
			:on_time_pct, :within_3_pct, :within_5_pct, :within_10_pct,
			:within_15_pct, :within_30_pct, :avg_delay, :median_delay,
			:max_delay, :std_dev_delay, :cancelled_count, :cancelled_pct,
			:severe_delay_pct, :bucket_0_5, :bucket_5_15, :bucket_15_30,
			:bucket_30_60, :bucket_over_60, :reliability_score,
			:reliability_grade, :hourly_stats, :day_of_week_stats)`, rs); err != nil {
		return fmt.Errorf("insert route stats: %w", err)
	}
	return tx.Commit()
}

// ReplaceRouteOperatorStatistics swaps in the per-operator rows for one
// route and calculation date.
func (s *Store) ReplaceRouteOperatorStatistics(ctx context.Context, origin, destination string,
	date time.Time, rows []models.RouteOperatorStatistics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin route operator stats tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM route_operator_statistics
		WHERE origin = $1 AND destination = $2 AND calculation_date = $3`,
		origin, destination, date); err != nil {
		return fmt.Errorf("delete route operator stats: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO route_operator_statistics (
				origin, destination, toc, calculation_date, sample_size,
				avg_delay, on_time_pct, within_5_pct, within_15_pct, severe_delay_pct)
			VALUES (
				:origin, :destination, :toc, :calculation_date, :sample_size,
				:avg_delay, :on_time_pct, :within_5_pct, :within_15_pct, :severe_delay_pct)`,
			row); err != nil {
			return fmt.Errorf("insert route operator stats: %w", err)
		}
	}
	return tx.Commit()
}

// ReplaceTOCStatistics swaps in an operator's row for its calculation date.
func (s *Store) ReplaceTOCStatistics(ctx context.Context, ts models.TOCStatistics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin toc stats tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM toc_statistics WHERE toc = $1 AND calculation_date = $2`,
		ts.TOC, ts.CalculationDate); err != nil {
		return fmt.Errorf("delete toc stats: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO toc_statistics (
			toc, calculation_date, total_services, on_time_pct,
			within_5_pct, within_15_pct, avg_delay, cancelled_pct, severe_delay_pct)
		VALUES (
			:toc, :calculation_date, :total_services, :on_time_pct,
			:within_5_pct, :within_15_pct, :avg_delay, :cancelled_pct, :severe_delay_pct)`,
		ts); err != nil {
		return fmt.Errorf("insert toc stats: %w", err)
	}
	return tx.Commit()
}

// ReplaceNetworkStatistics swaps in the network-wide row for a date.
func (s *Store) ReplaceNetworkStatistics(ctx context.Context, ns models.NetworkStatistics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin network stats tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM network_statistics WHERE calculation_date = $1`,
		ns.CalculationDate); err != nil {
		return fmt.Errorf("delete network stats: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO network_statistics (
			calculation_date, total_services, on_time_pct,
			within_5_pct, within_15_pct, avg_delay, severe_delay_pct)
		VALUES (
			:calculation_date, :total_services, :on_time_pct,
			:within_5_pct, :within_15_pct, :avg_delay, :severe_delay_pct)`, ns); err != nil {
		return fmt.Errorf("insert network stats: %w", err)
	}
	return tx.Commit()
}

// ReplaceTimeSlotStatistics swaps in a route's time-slot rows for a date.
func (s *Store) ReplaceTimeSlotStatistics(ctx context.Context, origin, destination string,
	date time.Time, rows []models.TimeSlotStatistics) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin time slot stats tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM time_slot_statistics
		WHERE origin = $1 AND destination = $2 AND calculation_date = $3`,
		origin, destination, date); err != nil {
		return fmt.Errorf("delete time slot stats: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO time_slot_statistics (
				origin, destination, hour_of_day, day_of_week,
				sample_size, avg_delay, calculation_date)
			VALUES (
				:origin, :destination, :hour_of_day, :day_of_week,
				:sample_size, :avg_delay, :calculation_date)`, row); err != nil {
			return fmt.Errorf("insert time slot stats: %w", err)
		}
	}
	return tx.Commit()
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Baseline reads for the prediction ladder
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RouteOperatorBaseline returns the latest per-operator route baseline,
// or nil when none exists.
func (s *Store) RouteOperatorBaseline(ctx context.Context, origin, destination, toc string) (*models.Baseline, error) {
	var b models.Baseline
	err := s.db.GetContext(ctx, &b, `
		SELECT sample_size, avg_delay, on_time_pct, within_5_pct,
		       within_15_pct, severe_delay_pct
		FROM route_operator_statistics
		WHERE origin = $1 AND destination = $2 AND toc = $3
		ORDER BY calculation_date DESC LIMIT 1`, origin, destination, toc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("route operator baseline: %w", err)
	}
	return &b, nil
}

// RouteBaseline returns the latest route-level baseline, or nil.
func (s *Store) RouteBaseline(ctx context.Context, origin, destination string) (*models.Baseline, error) {
	var b models.Baseline
	err := s.db.GetContext(ctx, &b, `
		SELECT total_services AS sample_size, avg_delay, on_time_pct,
		       within_5_pct, within_15_pct, severe_delay_pct
		FROM route_statistics
		WHERE origin = $1 AND destination = $2
		ORDER BY calculation_date DESC LIMIT 1`, origin, destination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("route baseline: %w", err)
	}
	return &b, nil
}

// OperatorBaseline returns the latest operator network baseline, or nil.
func (s *Store) OperatorBaseline(ctx context.Context, toc string) (*models.Baseline, error) {
	var b models.Baseline
	err := s.db.GetContext(ctx, &b, `
		SELECT total_services AS sample_size, avg_delay, on_time_pct,
		       within_5_pct, within_15_pct, severe_delay_pct
		FROM toc_statistics
		WHERE toc = $1
		ORDER BY calculation_date DESC LIMIT 1`, toc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("operator baseline: %w", err)
	}
	return &b, nil
}

// NetworkBaseline returns the latest network-wide baseline, or nil.
func (s *Store) NetworkBaseline(ctx context.Context) (*models.Baseline, error) {
	var b models.Baseline
	err := s.db.GetContext(ctx, &b, `
		SELECT total_services AS sample_size, avg_delay, on_time_pct,
		       within_5_pct, within_15_pct, severe_delay_pct
		FROM network_statistics
		ORDER BY calculation_date DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("network baseline: %w", err)
	}
	return &b, nil
}

// RouteStatistics returns the latest full statistics row for a route, or
// nil when the route has never been aggregated.
func (s *Store) RouteStatistics(ctx context.Context, origin, destination string) (*models.RouteStatistics, error) {
	var rs models.RouteStatistics
	err := s.db.GetContext(ctx, &rs, `
		SELECT * FROM route_statistics
		WHERE origin = $1 AND destination = $2
		ORDER BY calculation_date DESC LIMIT 1`, origin, destination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("route statistics: %w", err)
	}
	return &rs, nil
}

// PopularRoutes returns the busiest routes by observed service volume.
func (s *Store) PopularRoutes(ctx context.Context, limit int) ([]models.RouteStatistics, error) {
	var rows []models.RouteStatistics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (origin, destination) *
		FROM route_statistics
		ORDER BY origin, destination, calculation_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("popular routes: %w", err)
	}
	// Highest volume first; ties keep the stable route ordering.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].TotalServices > rows[j].TotalServices
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
