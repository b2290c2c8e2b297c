// Package stats recomputes route, operator and network statistics from
// the ingested service corpus. Recomputation is deterministic for a fixed
// corpus and isolated per route: one bad route never blocks the rest.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/models"
	"github.com/xianyu-ding/RailFair/pkg/store"
)

// On-time and severity thresholds, in minutes. severeThreshold feeds the
// published severe-delay percentage; extremeThreshold feeds the
// reliability score, which only penalises hour-plus delays.
const (
	onTimeThreshold  = 1
	severeThreshold  = 30
	extremeThreshold = 60
)

// StatsStore is the persistence surface the aggregator needs.
type StatsStore interface {
	ListRoutes(ctx context.Context) ([]models.Route, error)
	RouteArrivals(ctx context.Context, origin, destination string) ([]store.ArrivalObservation, error)
	ReplaceRouteStatistics(ctx context.Context, rs models.RouteStatistics) error
	ReplaceRouteOperatorStatistics(ctx context.Context, origin, destination string, date time.Time, rows []models.RouteOperatorStatistics) error
	ReplaceTimeSlotStatistics(ctx context.Context, origin, destination string, date time.Time, rows []models.TimeSlotStatistics) error
	ListTOCs(ctx context.Context) ([]string, error)
	TOCArrivals(ctx context.Context, toc string) ([]store.ArrivalObservation, error)
	ReplaceTOCStatistics(ctx context.Context, ts models.TOCStatistics) error
	ReplaceNetworkStatistics(ctx context.Context, ns models.NetworkStatistics) error
}

// Aggregator drives a full recomputation pass.
type Aggregator struct {
	store   StatsStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	loc     *time.Location
}

// NewAggregator wires an aggregator. The timezone is used for the hourly
// breakdown so peak bands line up with the published timetable.
func NewAggregator(st StatsStore, m *metrics.Metrics, logger *zap.Logger) (*Aggregator, error) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &Aggregator{store: st, metrics: m, logger: logger, loc: loc}, nil
}

// Recompute rebuilds every statistics table for today's calculation date.
// Route failures are logged and skipped; prior rows for a failed route
// stay canonical.
func (a *Aggregator) Recompute(ctx context.Context) error {
	started := time.Now()
	defer func() {
		a.metrics.StatsRecomputeDuration.Observe(time.Since(started).Seconds())
	}()
	calcDate := time.Now().UTC().Truncate(24 * time.Hour)

	routes, err := a.store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	a.logger.Info("recomputing statistics",
		zap.Int("routes", len(routes)),
		zap.Time("calculation_date", calcDate))

	for _, route := range routes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.recomputeRoute(ctx, route, calcDate); err != nil {
			a.metrics.StatsRouteFailures.Inc()
			a.logger.Error("route recomputation failed, continuing",
				zap.String("route", route.Name()),
				zap.Error(err))
		}
	}

	tocs, err := a.store.ListTOCs(ctx)
	if err != nil {
		return fmt.Errorf("list tocs: %w", err)
	}
	var tocStats []models.TOCStatistics
	for _, toc := range tocs {
		if err := ctx.Err(); err != nil {
			return err
		}
		ts, err := a.recomputeTOC(ctx, toc, calcDate)
		if err != nil {
			a.metrics.StatsRouteFailures.Inc()
			a.logger.Error("operator recomputation failed, continuing",
				zap.String("toc", toc),
				zap.Error(err))
			continue
		}
		if ts != nil {
			tocStats = append(tocStats, *ts)
		}
	}

	network := combineNetwork(tocStats, calcDate)
	if network.TotalServices > 0 {
		if err := a.store.ReplaceNetworkStatistics(ctx, network); err != nil {
			return fmt.Errorf("replace network statistics: %w", err)
		}
	}

	a.logger.Info("statistics recomputation complete",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("operators", len(tocStats)))
	return nil
}

func (a *Aggregator) recomputeRoute(ctx context.Context, route models.Route, calcDate time.Time) error {
	obs, err := a.store.RouteArrivals(ctx, route.Origin, route.Destination)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		return nil
	}

	rs := a.ComputeRouteStatistics(route.Origin, route.Destination, calcDate, obs)
	if err := a.store.ReplaceRouteStatistics(ctx, rs); err != nil {
		return err
	}
	if err := a.store.ReplaceRouteOperatorStatistics(ctx, route.Origin, route.Destination,
		calcDate, a.computeOperatorRows(route, calcDate, obs)); err != nil {
		return err
	}
	if err := a.store.ReplaceTimeSlotStatistics(ctx, route.Origin, route.Destination,
		calcDate, a.computeTimeSlots(route, calcDate, obs)); err != nil {
		return err
	}
	return nil
}

func (a *Aggregator) recomputeTOC(ctx context.Context, toc string, calcDate time.Time) (*models.TOCStatistics, error) {
	obs, err := a.store.TOCArrivals(ctx, toc)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}
	base := summarize(obs)
	ts := models.TOCStatistics{
		TOC:             toc,
		CalculationDate: calcDate,
		TotalServices:   base.total,
		OnTimePct:       base.onTimePct,
		Within5Pct:      base.withinPct[5],
		Within15Pct:     base.withinPct[15],
		AvgDelay:        base.avg,
		CancelledPct:    base.cancelledPct,
		SevereDelayPct:  base.severePct,
	}
	if err := a.store.ReplaceTOCStatistics(ctx, ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Pure computation
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// summary is the intermediate aggregation shared by the route and
// operator computations.
type summary struct {
	total        int
	delays       []int
	cancelled    int
	cancelledPct float64
	onTimePct    float64
	withinPct    map[int]float64
	avg, median  float64
	max          int
	std          float64
	severePct    float64
	extremePct   float64
}

func summarize(obs []store.ArrivalObservation) summary {
	s := summary{total: len(obs), withinPct: map[int]float64{}}
	for _, o := range obs {
		if o.Cancelled() {
			s.cancelled++
			continue
		}
		if o.DelayMinutes != nil {
			s.delays = append(s.delays, *o.DelayMinutes)
		}
	}
	sort.Ints(s.delays)

	n := len(s.delays)
	if s.total > 0 {
		s.cancelledPct = round2(100 * float64(s.cancelled) / float64(s.total))
	}
	if n == 0 {
		for _, t := range []int{3, 5, 10, 15, 30} {
			s.withinPct[t] = 0
		}
		return s
	}

	var sum, sumSq float64
	var onTime, severe, extreme int
	within := map[int]int{3: 0, 5: 0, 10: 0, 15: 0, 30: 0}
	for _, d := range s.delays {
		sum += float64(d)
		sumSq += float64(d) * float64(d)
		if d <= onTimeThreshold {
			onTime++
		}
		if d > severeThreshold {
			severe++
		}
		if d > extremeThreshold {
			extreme++
		}
		for _, t := range []int{3, 5, 10, 15, 30} {
			if d <= t {
				within[t]++
			}
		}
		if d > s.max {
			s.max = d
		}
	}
	fn := float64(n)
	s.avg = round2(sum / fn)
	s.onTimePct = round2(100 * float64(onTime) / fn)
	s.severePct = round2(100 * float64(severe) / fn)
	s.extremePct = round2(100 * float64(extreme) / fn)
	for t, c := range within {
		s.withinPct[t] = round2(100 * float64(c) / fn)
	}
	// Upper median: for even counts the higher of the two middle values.
	s.median = float64(s.delays[n/2])
	variance := sumSq/fn - (sum/fn)*(sum/fn)
	if variance > 0 {
		s.std = round2(math.Sqrt(variance))
	}
	return s
}

// ComputeRouteStatistics folds destination arrivals into one route
// statistics row. Exported so the computation is testable without a
// database.
func (a *Aggregator) ComputeRouteStatistics(origin, destination string, calcDate time.Time,
	obs []store.ArrivalObservation) models.RouteStatistics {
	base := summarize(obs)

	var b05, b515, b1530, b3060, b60 int
	for _, d := range base.delays {
		if d < 0 {
			d = 0
		}
		switch {
		case d < 5:
			b05++
		case d < 15:
			b515++
		case d < 30:
			b1530++
		case d < 60:
			b3060++
		default:
			b60++
		}
	}

	score := 0.4*base.withinPct[5] + 0.3*base.withinPct[10] +
		0.2*(100-base.cancelledPct) + 0.1*(100-base.extremePct)
	score = round1(clamp(score, 0, 100))

	return models.RouteStatistics{
		Origin:           origin,
		Destination:      destination,
		CalculationDate:  calcDate,
		TotalServices:    base.total,
		OnTimePct:        base.onTimePct,
		Within3Pct:       base.withinPct[3],
		Within5Pct:       base.withinPct[5],
		Within10Pct:      base.withinPct[10],
		Within15Pct:      base.withinPct[15],
		Within30Pct:      base.withinPct[30],
		AvgDelay:         base.avg,
		MedianDelay:      base.median,
		MaxDelay:         base.max,
		StdDevDelay:      base.std,
		CancelledCount:   base.cancelled,
		CancelledPct:     base.cancelledPct,
		SevereDelayPct:   base.severePct,
		Bucket0To5:       b05,
		Bucket5To15:      b515,
		Bucket15To30:     b1530,
		Bucket30To60:     b3060,
		BucketOver60:     b60,
		ReliabilityScore: score,
		ReliabilityGrade: Grade(score),
		HourlyStats:      a.hourlyBlob(obs),
		DayOfWeekStats:   weekdayBlob(obs),
	}
}

// Grade maps a reliability score onto its letter band.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func (a *Aggregator) computeOperatorRows(route models.Route, calcDate time.Time,
	obs []store.ArrivalObservation) []models.RouteOperatorStatistics {
	byTOC := make(map[string][]store.ArrivalObservation)
	for _, o := range obs {
		byTOC[o.TOC] = append(byTOC[o.TOC], o)
	}
	tocs := make([]string, 0, len(byTOC))
	for toc := range byTOC {
		tocs = append(tocs, toc)
	}
	sort.Strings(tocs)

	rows := make([]models.RouteOperatorStatistics, 0, len(tocs))
	for _, toc := range tocs {
		base := summarize(byTOC[toc])
		rows = append(rows, models.RouteOperatorStatistics{
			Origin:          route.Origin,
			Destination:     route.Destination,
			TOC:             toc,
			CalculationDate: calcDate,
			SampleSize:      base.total,
			AvgDelay:        base.avg,
			OnTimePct:       base.onTimePct,
			Within5Pct:      base.withinPct[5],
			Within15Pct:     base.withinPct[15],
			SevereDelayPct:  base.severePct,
		})
	}
	return rows
}

func (a *Aggregator) computeTimeSlots(route models.Route, calcDate time.Time,
	obs []store.ArrivalObservation) []models.TimeSlotStatistics {
	type key struct{ hour, weekday int }
	type acc struct {
		count int
		sum   float64
	}
	slots := make(map[key]*acc)
	for _, o := range obs {
		if o.DelayMinutes == nil || o.ScheduledArrival == nil || o.Cancelled() {
			continue
		}
		local := o.ScheduledArrival.In(a.loc)
		k := key{hour: local.Hour(), weekday: mondayIndexed(o.ServiceDate.Weekday())}
		if slots[k] == nil {
			slots[k] = &acc{}
		}
		slots[k].count++
		slots[k].sum += float64(*o.DelayMinutes)
	}

	keys := make([]key, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].weekday != keys[j].weekday {
			return keys[i].weekday < keys[j].weekday
		}
		return keys[i].hour < keys[j].hour
	})

	rows := make([]models.TimeSlotStatistics, 0, len(keys))
	for _, k := range keys {
		slot := slots[k]
		rows = append(rows, models.TimeSlotStatistics{
			Origin:          route.Origin,
			Destination:     route.Destination,
			HourOfDay:       k.hour,
			DayOfWeek:       k.weekday,
			SampleSize:      slot.count,
			AvgDelay:        round2(slot.sum / float64(slot.count)),
			CalculationDate: calcDate,
		})
	}
	return rows
}

// hourlyBlob builds the per-hour JSON breakdown keyed "0".."23" by local
// scheduled arrival hour.
func (a *Aggregator) hourlyBlob(obs []store.ArrivalObservation) string {
	type acc struct {
		count int
		sum   float64
	}
	hours := make(map[int]*acc)
	for _, o := range obs {
		if o.DelayMinutes == nil || o.ScheduledArrival == nil || o.Cancelled() {
			continue
		}
		h := o.ScheduledArrival.In(a.loc).Hour()
		if hours[h] == nil {
			hours[h] = &acc{}
		}
		hours[h].count++
		hours[h].sum += float64(*o.DelayMinutes)
	}
	out := make(map[string]models.SlotStat, len(hours))
	for h, slot := range hours {
		out[fmt.Sprintf("%d", h)] = models.SlotStat{
			Count:    slot.count,
			AvgDelay: round2(slot.sum / float64(slot.count)),
		}
	}
	blob, _ := json.Marshal(out)
	return string(blob)
}

// weekdayBlob builds the per-weekday JSON breakdown keyed "0".."6",
// Monday first.
func weekdayBlob(obs []store.ArrivalObservation) string {
	type acc struct {
		count int
		sum   float64
	}
	days := make(map[int]*acc)
	for _, o := range obs {
		if o.DelayMinutes == nil || o.Cancelled() {
			continue
		}
		d := mondayIndexed(o.ServiceDate.Weekday())
		if days[d] == nil {
			days[d] = &acc{}
		}
		days[d].count++
		days[d].sum += float64(*o.DelayMinutes)
	}
	out := make(map[string]models.SlotStat, len(days))
	for d, slot := range days {
		out[fmt.Sprintf("%d", d)] = models.SlotStat{
			Count:    slot.count,
			AvgDelay: round2(slot.sum / float64(slot.count)),
		}
	}
	blob, _ := json.Marshal(out)
	return string(blob)
}

// combineNetwork folds operator rows into the network baseline, weighting
// by service volume.
func combineNetwork(tocStats []models.TOCStatistics, calcDate time.Time) models.NetworkStatistics {
	ns := models.NetworkStatistics{CalculationDate: calcDate}
	var wOnTime, w5, w15, wAvg, wSevere float64
	for _, ts := range tocStats {
		w := float64(ts.TotalServices)
		ns.TotalServices += ts.TotalServices
		wOnTime += ts.OnTimePct * w
		w5 += ts.Within5Pct * w
		w15 += ts.Within15Pct * w
		wAvg += ts.AvgDelay * w
		wSevere += ts.SevereDelayPct * w
	}
	if ns.TotalServices > 0 {
		total := float64(ns.TotalServices)
		ns.OnTimePct = round2(wOnTime / total)
		ns.Within5Pct = round2(w5 / total)
		ns.Within15Pct = round2(w15 / total)
		ns.AvgDelay = round2(wAvg / total)
		ns.SevereDelayPct = round2(wSevere / total)
	}
	return ns
}

// mondayIndexed converts Go's Sunday-first weekday to Monday=0.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
