// Package normalize converts raw upstream service records into store rows.
// Upstream times are local HHMM strings against a service date; storage is
// UTC. Structurally invalid records are dropped and counted per reason.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/hsp"
	"github.com/xianyu-ding/RailFair/pkg/models"
)

// Drop reasons reported in batch counters and prometheus labels.
const (
	DropMissingRID       = "missing_rid"
	DropBadServiceDate   = "bad_service_date"
	DropBadCRS           = "bad_crs"
	DropBadTime          = "bad_time"
	DropImplausibleDelay = "implausible_delay"
)

// Plausibility window for computed delays, in minutes. Values outside it
// are treated as data corruption, not observations.
const (
	minPlausibleDelay = -180
	maxPlausibleDelay = 720
)

// rolloverThreshold decides next-day correction: an actual time earlier
// than its schedule by more than this is assumed to be past midnight.
const rolloverThreshold = 12 * time.Hour

var crsPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Batch accumulates normalized rows plus per-reason drop counts for one
// ingestion task.
type Batch struct {
	Services []models.Service
	Stops    []models.ServiceStop
	Drops    map[string]int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{Drops: make(map[string]int)}
}

func (b *Batch) drop(reason string) {
	b.Drops[reason]++
}

// Records returns the number of stop rows in the batch.
func (b *Batch) Records() int64 {
	return int64(len(b.Stops))
}

// Processor normalizes service details. It is stateless apart from the
// timezone handle and safe for reuse across tasks.
type Processor struct {
	loc    *time.Location
	logger *zap.Logger
}

// NewProcessor loads the Europe/London timezone. DST transitions are
// handled by the location database, never by fixed offsets.
func NewProcessor(logger *zap.Logger) (*Processor, error) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &Processor{loc: loc, logger: logger}, nil
}

// ProcessDetail normalizes one service detail into the batch. A service
// with no usable identity or date is dropped whole; individual stops are
// dropped independently.
func (p *Processor) ProcessDetail(d *hsp.ServiceDetail, b *Batch) {
	if d.RID == "" {
		b.drop(DropMissingRID)
		return
	}
	serviceDate, err := time.Parse("2006-01-02", d.DateOfService)
	if err != nil {
		b.drop(DropBadServiceDate)
		p.logger.Debug("dropping service with unparseable date",
			zap.String("rid", d.RID),
			zap.String("date", d.DateOfService))
		return
	}

	var stops []models.ServiceStop
	for i, loc := range d.Locations {
		if !crsPattern.MatchString(loc.Location) {
			b.drop(DropBadCRS)
			continue
		}
		stop := models.ServiceStop{
			RID:      d.RID,
			Location: loc.Location,
			Sequence: i,
		}
		if loc.LateCancReason != "" {
			reason := loc.LateCancReason
			stop.CancelReason = &reason
		}

		schedArr, okSA := p.parseHHMM(serviceDate, loc.GBTTArrival, b)
		schedDep, okSD := p.parseHHMM(serviceDate, loc.GBTTDeparture, b)
		actArr, okAA := p.parseHHMM(serviceDate, loc.ActualArrival, b)
		actDep, okAD := p.parseHHMM(serviceDate, loc.ActualDeparture, b)
		if !okSA || !okSD || !okAA || !okAD {
			continue
		}

		stop.ScheduledArrival = schedArr
		stop.ScheduledDeparture = schedDep
		stop.ActualArrival = rollover(schedArr, actArr)
		stop.ActualDeparture = rollover(schedDep, actDep)

		if d, ok := p.delayMinutes(stop.ScheduledArrival, stop.ActualArrival, b); ok {
			stop.ArrivalDelayMinutes = d
		} else {
			continue
		}
		if d, ok := p.delayMinutes(stop.ScheduledDeparture, stop.ActualDeparture, b); ok {
			stop.DepartureDelayMin = d
		} else {
			continue
		}
		stops = append(stops, stop)
	}

	if len(stops) == 0 {
		return
	}
	b.Services = append(b.Services, models.Service{
		RID:         d.RID,
		ServiceDate: serviceDate,
		TOC:         d.TOCCode,
		Origin:      stops[0].Location,
		Destination: stops[len(stops)-1].Location,
	})
	b.Stops = append(b.Stops, stops...)
}

// parseHHMM converts a local HHMM string (optionally HHMMSS) on the given
// service date into a UTC instant. Empty input is a legitimate absence and
// returns (nil, true); malformed input counts a drop and returns false.
func (p *Processor) parseHHMM(serviceDate time.Time, hhmm string, b *Batch) (*time.Time, bool) {
	if hhmm == "" {
		return nil, true
	}
	if len(hhmm) > 4 {
		hhmm = hhmm[:4]
	}
	if len(hhmm) != 4 {
		b.drop(DropBadTime)
		return nil, false
	}
	hour := int(hhmm[0]-'0')*10 + int(hhmm[1]-'0')
	min := int(hhmm[2]-'0')*10 + int(hhmm[3]-'0')
	if hhmm[0] < '0' || hhmm[0] > '9' || hhmm[1] < '0' || hhmm[1] > '9' ||
		hhmm[2] < '0' || hhmm[2] > '9' || hhmm[3] < '0' || hhmm[3] > '9' ||
		hour > 23 || min > 59 {
		b.drop(DropBadTime)
		return nil, false
	}
	local := time.Date(serviceDate.Year(), serviceDate.Month(), serviceDate.Day(),
		hour, min, 0, 0, p.loc)
	utc := local.UTC()
	return &utc, true
}

// rollover applies the next-day correction: an actual instant earlier than
// its schedule by more than the threshold moves forward one day.
func rollover(scheduled, actual *time.Time) *time.Time {
	if scheduled == nil || actual == nil {
		return actual
	}
	if scheduled.Sub(*actual) > rolloverThreshold {
		corrected := actual.AddDate(0, 0, 1)
		return &corrected
	}
	return actual
}

// delayMinutes computes the rounded delay when both instants are present.
// An implausible delay drops the stop and returns ok=false; a missing side
// yields (nil, true).
func (p *Processor) delayMinutes(scheduled, actual *time.Time, b *Batch) (*int, bool) {
	if scheduled == nil || actual == nil {
		return nil, true
	}
	d := int(math.Round(actual.Sub(*scheduled).Minutes()))
	if d < minPlausibleDelay || d > maxPlausibleDelay {
		b.drop(DropImplausibleDelay)
		return nil, false
	}
	return &d, true
}
