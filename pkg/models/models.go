// Package models defines the domain types shared across the ingestion
// pipeline, the statistics engine and the serving layer.
package models

import (
	"time"
)

// DayType selects which days of the week an ingestion task covers.
type DayType string

const (
	DayTypeWeekday  DayType = "WEEKDAY"
	DayTypeSaturday DayType = "SATURDAY"
	DayTypeSunday   DayType = "SUNDAY"
)

// Route is an ordered origin/destination pair of CRS codes. FromTime and
// ToTime optionally narrow the departure window queried upstream, as
// local HHMM strings; empty covers the whole day.
type Route struct {
	Origin      string `json:"origin" yaml:"origin"`
	Destination string `json:"destination" yaml:"destination"`
	FromTime    string `json:"from_time,omitempty" yaml:"from_time"`
	ToTime      string `json:"to_time,omitempty" yaml:"to_time"`
}

// Name returns the canonical "ORG-DST" form used in task keys and logs.
func (r Route) Name() string {
	return r.Origin + "-" + r.Destination
}

// Service is one observed train service on one calendar day.
type Service struct {
	RID         string    `db:"rid" json:"rid"`
	ServiceDate time.Time `db:"service_date" json:"service_date"`
	TOC         string    `db:"toc" json:"toc"`
	Origin      string    `db:"origin" json:"origin"`
	Destination string    `db:"destination" json:"destination"`
}

// ServiceStop is one calling point of a service. Scheduled and actual
// instants are stored in UTC; delay columns are null when either side of
// the pair was missing upstream.
type ServiceStop struct {
	RID                 string     `db:"rid" json:"rid"`
	Location            string     `db:"location" json:"location"`
	Sequence            int        `db:"sequence" json:"sequence"`
	ScheduledArrival    *time.Time `db:"scheduled_arrival" json:"scheduled_arrival,omitempty"`
	ScheduledDeparture  *time.Time `db:"scheduled_departure" json:"scheduled_departure,omitempty"`
	ActualArrival       *time.Time `db:"actual_arrival" json:"actual_arrival,omitempty"`
	ActualDeparture     *time.Time `db:"actual_departure" json:"actual_departure,omitempty"`
	ArrivalDelayMinutes *int       `db:"arrival_delay_minutes" json:"arrival_delay_minutes,omitempty"`
	DepartureDelayMin   *int       `db:"departure_delay_minutes" json:"departure_delay_minutes,omitempty"`
	CancelReason        *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
}

// Cancelled reports whether the stop carried a late-cancellation marker.
func (s *ServiceStop) Cancelled() bool {
	return s.CancelReason != nil && *s.CancelReason != ""
}

// RouteStatistics is one pre-computed statistics row for a route. Rows are
// keyed by (origin, destination, calculation_date); a recomputation on the
// same day replaces the row wholesale.
type RouteStatistics struct {
	Origin          string    `db:"origin" json:"origin"`
	Destination     string    `db:"destination" json:"destination"`
	CalculationDate time.Time `db:"calculation_date" json:"calculation_date"`

	TotalServices  int     `db:"total_services" json:"total_services"`
	OnTimePct      float64 `db:"on_time_pct" json:"on_time_pct"`
	Within3Pct     float64 `db:"within_3_pct" json:"within_3_pct"`
	Within5Pct     float64 `db:"within_5_pct" json:"within_5_pct"`
	Within10Pct    float64 `db:"within_10_pct" json:"within_10_pct"`
	Within15Pct    float64 `db:"within_15_pct" json:"within_15_pct"`
	Within30Pct    float64 `db:"within_30_pct" json:"within_30_pct"`
	AvgDelay       float64 `db:"avg_delay" json:"avg_delay"`
	MedianDelay    float64 `db:"median_delay" json:"median_delay"`
	MaxDelay       int     `db:"max_delay" json:"max_delay"`
	StdDevDelay    float64 `db:"std_dev_delay" json:"std_dev_delay"`
	CancelledCount int     `db:"cancelled_count" json:"cancelled_count"`
	CancelledPct   float64 `db:"cancelled_pct" json:"cancelled_pct"`
	SevereDelayPct float64 `db:"severe_delay_pct" json:"severe_delay_pct"`

	// Histogram buckets over positive delay minutes, each half-open:
	// [0,5) [5,15) [15,30) [30,60) [60,∞).
	Bucket0To5   int `db:"bucket_0_5" json:"bucket_0_5"`
	Bucket5To15  int `db:"bucket_5_15" json:"bucket_5_15"`
	Bucket15To30 int `db:"bucket_15_30" json:"bucket_15_30"`
	Bucket30To60 int `db:"bucket_30_60" json:"bucket_30_60"`
	BucketOver60 int `db:"bucket_over_60" json:"bucket_over_60"`

	ReliabilityScore float64 `db:"reliability_score" json:"reliability_score"`
	ReliabilityGrade string  `db:"reliability_grade" json:"reliability_grade"`

	// JSON-encoded per-hour and per-weekday breakdowns, keyed by "0".."23"
	// and "0".."6" (Monday=0) respectively.
	HourlyStats    string `db:"hourly_stats" json:"hourly_stats"`
	DayOfWeekStats string `db:"day_of_week_stats" json:"day_of_week_stats"`
}

// SlotStat is the count/mean pair stored inside the hourly and weekday
// breakdown blobs.
type SlotStat struct {
	Count    int     `json:"count"`
	AvgDelay float64 `json:"avg_delay"`
}

// TOCStatistics aggregates delay behaviour for one operator across every
// route it serves.
type TOCStatistics struct {
	TOC             string    `db:"toc" json:"toc"`
	CalculationDate time.Time `db:"calculation_date" json:"calculation_date"`
	TotalServices   int       `db:"total_services" json:"total_services"`
	OnTimePct       float64   `db:"on_time_pct" json:"on_time_pct"`
	Within5Pct      float64   `db:"within_5_pct" json:"within_5_pct"`
	Within15Pct     float64   `db:"within_15_pct" json:"within_15_pct"`
	AvgDelay        float64   `db:"avg_delay" json:"avg_delay"`
	CancelledPct    float64   `db:"cancelled_pct" json:"cancelled_pct"`
	SevereDelayPct  float64   `db:"severe_delay_pct" json:"severe_delay_pct"`
}

// TimeSlotStatistics holds the per-route observed mean for one hour band
// and weekday, used by the prediction engine's explanation output.
type TimeSlotStatistics struct {
	Origin          string    `db:"origin" json:"origin"`
	Destination     string    `db:"destination" json:"destination"`
	HourOfDay       int       `db:"hour_of_day" json:"hour_of_day"`
	DayOfWeek       int       `db:"day_of_week" json:"day_of_week"` // Monday=0
	SampleSize      int       `db:"sample_size" json:"sample_size"`
	AvgDelay        float64   `db:"avg_delay" json:"avg_delay"`
	CalculationDate time.Time `db:"calculation_date" json:"calculation_date"`
}

// RouteOperatorStatistics aggregates delay behaviour for one operator on
// one route, the most specific baseline the prediction ladder consults.
type RouteOperatorStatistics struct {
	Origin          string    `db:"origin" json:"origin"`
	Destination     string    `db:"destination" json:"destination"`
	TOC             string    `db:"toc" json:"toc"`
	CalculationDate time.Time `db:"calculation_date" json:"calculation_date"`
	SampleSize      int       `db:"sample_size" json:"sample_size"`
	AvgDelay        float64   `db:"avg_delay" json:"avg_delay"`
	OnTimePct       float64   `db:"on_time_pct" json:"on_time_pct"`
	Within5Pct      float64   `db:"within_5_pct" json:"within_5_pct"`
	Within15Pct     float64   `db:"within_15_pct" json:"within_15_pct"`
	SevereDelayPct  float64   `db:"severe_delay_pct" json:"severe_delay_pct"`
}

// NetworkStatistics is the whole-network baseline, one row per
// calculation date.
type NetworkStatistics struct {
	CalculationDate time.Time `db:"calculation_date" json:"calculation_date"`
	TotalServices   int       `db:"total_services" json:"total_services"`
	OnTimePct       float64   `db:"on_time_pct" json:"on_time_pct"`
	Within5Pct      float64   `db:"within_5_pct" json:"within_5_pct"`
	Within15Pct     float64   `db:"within_15_pct" json:"within_15_pct"`
	AvgDelay        float64   `db:"avg_delay" json:"avg_delay"`
	SevereDelayPct  float64   `db:"severe_delay_pct" json:"severe_delay_pct"`
}

// Baseline is the statistics slice the prediction ladder consumes,
// regardless of which aggregation level produced it.
type Baseline struct {
	SampleSize     int     `db:"sample_size" json:"sample_size"`
	AvgDelay       float64 `db:"avg_delay" json:"avg_delay"`
	OnTimePct      float64 `db:"on_time_pct" json:"on_time_pct"`
	Within5Pct     float64 `db:"within_5_pct" json:"within_5_pct"`
	Within15Pct    float64 `db:"within_15_pct" json:"within_15_pct"`
	SevereDelayPct float64 `db:"severe_delay_pct" json:"severe_delay_pct"`
}

// TicketType enumerates the fare families carried by the fares feed.
type TicketType string

const (
	TicketAnytime  TicketType = "ANYTIME"
	TicketOffPeak  TicketType = "OFF_PEAK"
	TicketAdvance  TicketType = "ADVANCE"
	TicketSuperOff TicketType = "SUPER_OFF_PEAK"
	TicketSeason   TicketType = "SEASON"
)

// TicketClass distinguishes standard from first class fares.
type TicketClass string

const (
	ClassStandard TicketClass = "STANDARD"
	ClassFirst    TicketClass = "FIRST"
)

// FareRecord is one admissible fare row. Prices are integer pence.
type FareRecord struct {
	Origin      string      `db:"origin" json:"origin"`
	Destination string      `db:"destination" json:"destination"`
	TicketType  TicketType  `db:"ticket_type" json:"ticket_type"`
	TicketClass TicketClass `db:"ticket_class" json:"ticket_class"`
	AdultPence  int         `db:"adult_pence" json:"adult_pence"`
	ChildPence  int         `db:"child_pence" json:"child_pence"`
	DataSource  string      `db:"data_source" json:"data_source"`
	FetchedAt   time.Time   `db:"fetched_at" json:"fetched_at"`
}

// Feedback is one user-submitted accuracy report. Feedback is stored for
// offline analysis and never feeds the statistics tables.
type Feedback struct {
	FeedbackID   string    `db:"feedback_id" json:"feedback_id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	ActualDelay  *float64  `db:"actual_delay_minutes" json:"actual_delay_minutes,omitempty"`
	WasCancelled bool      `db:"was_cancelled" json:"was_cancelled"`
	Rating       int       `db:"rating" json:"rating"`
	Comment      string    `db:"comment" json:"comment"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RouteStop is one entry in a route's calling pattern as served by the
// stops endpoint.
type RouteStop struct {
	CRS      string `json:"crs"`
	Name     string `json:"name,omitempty"`
	Sequence int    `json:"sequence"`
}

// DataQualityRecord counts records dropped during normalization for one
// ingestion task, by reason.
type DataQualityRecord struct {
	TaskKey    string    `db:"task_key" json:"task_key"`
	Reason     string    `db:"reason" json:"reason"`
	Count      int       `db:"count" json:"count"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}
