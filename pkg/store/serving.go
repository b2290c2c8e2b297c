package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Fares
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// UpsertFares replaces fare rows on their (route, type, class) key.
// Unlike ingestion rows, a fresh feed always wins.
func (s *Store) UpsertFares(ctx context.Context, fares []models.FareRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fares tx: %w", err)
	}
	defer tx.Rollback()

	for _, f := range fares {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO fare_cache (
				origin, destination, ticket_type, ticket_class,
				adult_pence, child_pence, data_source, fetched_at)
			VALUES (
				:origin, :destination, :ticket_type, :ticket_class,
				:adult_pence, :child_pence, :data_source, :fetched_at)
			ON CONFLICT (origin, destination, ticket_type, ticket_class)
			DO UPDATE SET
				adult_pence = EXCLUDED.adult_pence,
				child_pence = EXCLUDED.child_pence,
				data_source = EXCLUDED.data_source,
				fetched_at  = EXCLUDED.fetched_at`, f); err != nil {
			return fmt.Errorf("upsert fare %s-%s/%s: %w", f.Origin, f.Destination, f.TicketType, err)
		}
	}
	return tx.Commit()
}

// FaresForRoute returns every stored fare for a route.
func (s *Store) FaresForRoute(ctx context.Context, origin, destination string) ([]models.FareRecord, error) {
	var fares []models.FareRecord
	err := s.db.SelectContext(ctx, &fares, `
		SELECT origin, destination, ticket_type, ticket_class,
		       adult_pence, child_pence, data_source, fetched_at
		FROM fare_cache
		WHERE origin = $1 AND destination = $2
		ORDER BY ticket_type, ticket_class`, origin, destination)
	if err != nil {
		return nil, fmt.Errorf("fares for route: %w", err)
	}
	return fares, nil
}

// LatestFareFetch returns the newest fetched_at across the table, or the
// zero time when no fares are stored. The ingester uses it to decide
// whether the 24 h freshness window has lapsed.
func (s *Store) LatestFareFetch(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := s.db.GetContext(ctx, &t, `SELECT MAX(fetched_at) FROM fare_cache`)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest fare fetch: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Feedback
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// InsertFeedback stores one feedback submission. Feedback never feeds the
// statistics tables; it is held for offline analysis only.
func (s *Store) InsertFeedback(ctx context.Context, fb models.Feedback) error {
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO feedback (
			feedback_id, request_id, actual_delay_minutes,
			was_cancelled, rating, comment, created_at)
		VALUES (
			:feedback_id, :request_id, :actual_delay_minutes,
			:was_cancelled, :rating, :comment, :created_at)`, fb); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Route calling patterns
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RouteStopsResult carries a route's calling pattern and where it came
// from: "future_timetable" when a published timetable covers the route,
// "observed_services" when derived from the most recent ingested service.
type RouteStopsResult struct {
	Stops      []models.RouteStop `json:"stops"`
	DataSource string             `json:"data_source"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// RouteStops resolves a route's calling pattern, preferring the future
// timetable when present.
func (s *Store) RouteStops(ctx context.Context, origin, destination string) (*RouteStopsResult, error) {
	var row struct {
		Stops      []byte    `db:"stops"`
		DataSource string    `db:"data_source"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT stops, data_source, updated_at
		FROM route_timetable
		WHERE origin = $1 AND destination = $2`, origin, destination)
	if err == nil {
		var stops []models.RouteStop
		if uerr := json.Unmarshal(row.Stops, &stops); uerr != nil {
			return nil, fmt.Errorf("decode timetable stops: %w", uerr)
		}
		return &RouteStopsResult{Stops: stops, DataSource: row.DataSource, UpdatedAt: row.UpdatedAt}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route timetable: %w", err)
	}
	return s.observedRouteStops(ctx, origin, destination)
}

// observedRouteStops reconstructs the calling pattern from the most
// recently ingested service on the route.
func (s *Store) observedRouteStops(ctx context.Context, origin, destination string) (*RouteStopsResult, error) {
	var svc struct {
		RID         string    `db:"rid"`
		ServiceDate time.Time `db:"service_date"`
	}
	err := s.db.GetContext(ctx, &svc, `
		SELECT rid, service_date
		FROM services
		WHERE origin = $1 AND destination = $2
		ORDER BY service_date DESC LIMIT 1`, origin, destination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest service: %w", err)
	}

	var stops []models.RouteStop
	err = s.db.SelectContext(ctx, &stops, `
		SELECT location AS crs, sequence
		FROM service_stops
		WHERE rid = $1
		ORDER BY sequence`, svc.RID)
	if err != nil {
		return nil, fmt.Errorf("service stops: %w", err)
	}
	return &RouteStopsResult{
		Stops:      stops,
		DataSource: "observed_services",
		UpdatedAt:  svc.ServiceDate,
	}, nil
}

// SaveRouteTimetable replaces the timetable calling pattern for a route.
func (s *Store) SaveRouteTimetable(ctx context.Context, origin, destination string,
	stops []models.RouteStop, dataSource string) error {
	payload, err := json.Marshal(stops)
	if err != nil {
		return fmt.Errorf("encode timetable stops: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO route_timetable (origin, destination, stops, data_source, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (origin, destination) DO UPDATE SET
			stops = EXCLUDED.stops,
			data_source = EXCLUDED.data_source,
			updated_at = EXCLUDED.updated_at`,
		origin, destination, payload, dataSource, time.Now().UTC()); err != nil {
		return fmt.Errorf("save route timetable: %w", err)
	}
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// System totals
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// SystemTotals summarises the corpus for the stats endpoint.
type SystemTotals struct {
	Services int64 `db:"services" json:"services"`
	Stops    int64 `db:"stops" json:"stops"`
	Routes   int64 `db:"routes" json:"routes"`
	Fares    int64 `db:"fares" json:"fares"`
}

// SystemTotals counts stored services, stops, routes and fares.
func (s *Store) SystemTotals(ctx context.Context) (*SystemTotals, error) {
	var totals SystemTotals
	err := s.db.GetContext(ctx, &totals, `
		SELECT
			(SELECT COUNT(*) FROM services) AS services,
			(SELECT COUNT(*) FROM service_stops) AS stops,
			(SELECT COUNT(DISTINCT (origin, destination)) FROM services) AS routes,
			(SELECT COUNT(*) FROM fare_cache) AS fares`)
	if err != nil {
		return nil, fmt.Errorf("system totals: %w", err)
	}
	return &totals, nil
}
