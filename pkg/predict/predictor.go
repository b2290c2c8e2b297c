// Package predict turns pre-computed baselines into journey-specific
// delay predictions through a fixed fallback ladder.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// Confidence grades how much to trust a prediction.
type Confidence string

const (
	ConfidenceHigh    Confidence = "HIGH"
	ConfidenceMedium  Confidence = "MEDIUM"
	ConfidenceLow     Confidence = "LOW"
	ConfidenceVeryLow Confidence = "VERY_LOW"
)

// sampleFloor is the minimum sample size a baseline needs before the
// ladder accepts it.
const sampleFloor = 30

// Confidence sample thresholds.
const (
	highSampleThreshold   = 150
	mediumSampleThreshold = 50
)

// Hard-floor values served when no baseline exists anywhere (level 5).
const (
	floorOnTimeProbability = 0.64
	floorExpectedDelay     = 4.0
	floorWithin5           = 0.78
	floorWithin15          = 0.92
	floorSevere            = 0.03
	floorReason            = "no_route_data"
)

const weekendFactor = 0.90

// Source supplies baselines per ladder level. A nil baseline with a nil
// error means that level has no data.
type Source interface {
	RouteOperatorBaseline(ctx context.Context, origin, destination, toc string) (*models.Baseline, error)
	RouteBaseline(ctx context.Context, origin, destination string) (*models.Baseline, error)
	OperatorBaseline(ctx context.Context, toc string) (*models.Baseline, error)
	NetworkBaseline(ctx context.Context) (*models.Baseline, error)
}

// Request describes the journey being predicted. When is the scheduled
// departure in local (Europe/London) time; TOC is optional.
type Request struct {
	Origin      string
	Destination string
	TOC         string
	When        time.Time
}

// Prediction is the engine's output. Probabilities are in [0,1].
type Prediction struct {
	ExpectedDelay      float64    `json:"expected_delay_minutes"`
	OnTimeProbability  float64    `json:"on_time_probability"`
	Within5Probability float64    `json:"within_5_probability"`
	Within15Prob       float64    `json:"within_15_probability"`
	SevereProbability  float64    `json:"severe_delay_probability"`
	DelayCategory      string     `json:"delay_category"`
	Confidence         Confidence `json:"confidence"`
	SampleSize         int        `json:"sample_size"`
	FallbackLevel      int        `json:"fallback_level"`
	IsDegraded         bool       `json:"is_degraded"`
	DegradationReason  string     `json:"degradation_reason,omitempty"`
	TimeFactor         float64    `json:"time_factor"`
	Explanation        string     `json:"explanation"`
}

// Engine resolves predictions against a baseline source.
type Engine struct {
	source Source
	logger *zap.Logger
}

// NewEngine wires an engine.
func NewEngine(source Source, logger *zap.Logger) *Engine {
	return &Engine{source: source, logger: logger}
}

// ladderLevel names each fallback level for explanations.
var ladderLevel = map[int]string{
	1: "route and operator history",
	2: "route history",
	3: "operator network history",
	4: "network-wide average",
	5: "service floor",
}

// Predict walks the fallback ladder and applies the journey's time-of-day
// and day-of-week adjustment.
func (e *Engine) Predict(ctx context.Context, req Request) (*Prediction, error) {
	baseline, level, err := e.resolveBaseline(ctx, req)
	if err != nil {
		return nil, err
	}

	factor := TimeFactor(req.When)

	if baseline == nil {
		// Level 5: nothing usable anywhere. Fixed floor values, no
		// adjustment: the floor is a floor, not an estimate.
		p := &Prediction{
			ExpectedDelay:      floorExpectedDelay,
			OnTimeProbability:  floorOnTimeProbability,
			Within5Probability: floorWithin5,
			Within15Prob:       floorWithin15,
			SevereProbability:  floorSevere,
			DelayCategory:      Category(floorExpectedDelay),
			Confidence:         ConfidenceVeryLow,
			SampleSize:         0,
			FallbackLevel:      5,
			IsDegraded:         true,
			DegradationReason:  floorReason,
			TimeFactor:         factor,
			Explanation:        fmt.Sprintf("No historical data for %s-%s; serving the %s.", req.Origin, req.Destination, ladderLevel[5]),
		}
		return p, nil
	}

	expected := round1(baseline.AvgDelay * factor)
	if expected < 0 {
		expected = 0
	}

	conf := confidence(level, baseline.SampleSize)
	p := &Prediction{
		ExpectedDelay:      expected,
		OnTimeProbability:  adjustInverse(baseline.OnTimePct/100, factor),
		Within5Probability: adjustInverse(baseline.Within5Pct/100, factor),
		Within15Prob:       adjustInverse(baseline.Within15Pct/100, factor),
		SevereProbability:  clamp01(baseline.SevereDelayPct / 100 * factor),
		DelayCategory:      Category(expected),
		Confidence:         conf,
		SampleSize:         baseline.SampleSize,
		FallbackLevel:      level,
		IsDegraded:         level >= 3,
		TimeFactor:         factor,
		Explanation: fmt.Sprintf("Based on %d arrivals from %s (fallback level %d); time factor %.2f applied.",
			baseline.SampleSize, ladderLevel[level], level, factor),
	}
	if p.IsDegraded {
		p.DegradationReason = "insufficient_route_data"
	}
	return p, nil
}

// resolveBaseline walks the ladder: route+operator, route, operator
// network, network-wide. Levels needing an operator are skipped when the
// request carries none.
func (e *Engine) resolveBaseline(ctx context.Context, req Request) (*models.Baseline, int, error) {
	type probe struct {
		level int
		fetch func() (*models.Baseline, error)
	}
	probes := []probe{
		{1, func() (*models.Baseline, error) {
			if req.TOC == "" {
				return nil, nil
			}
			return e.source.RouteOperatorBaseline(ctx, req.Origin, req.Destination, req.TOC)
		}},
		{2, func() (*models.Baseline, error) {
			return e.source.RouteBaseline(ctx, req.Origin, req.Destination)
		}},
		{3, func() (*models.Baseline, error) {
			if req.TOC == "" {
				return nil, nil
			}
			return e.source.OperatorBaseline(ctx, req.TOC)
		}},
		{4, func() (*models.Baseline, error) {
			return e.source.NetworkBaseline(ctx)
		}},
	}
	for _, pr := range probes {
		b, err := pr.fetch()
		if err != nil {
			return nil, 0, fmt.Errorf("baseline level %d: %w", pr.level, err)
		}
		if b != nil && b.SampleSize >= sampleFloor {
			return b, pr.level, nil
		}
	}
	return nil, 5, nil
}

// confidence applies the grading rules: HIGH needs a specific baseline
// (level 1 or 2) and a large sample; a large sample on a route-specific
// baseline can still reach MEDIUM. Degraded levels (3 and up) never rise
// above LOW regardless of how many arrivals back them.
func confidence(level, sample int) Confidence {
	switch {
	case level >= 3:
		return ConfidenceLow
	case sample >= highSampleThreshold:
		return ConfidenceHigh
	case sample >= mediumSampleThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// TimeFactor returns the combined time-of-day and day-of-week delay
// multiplier for a local departure instant.
func TimeFactor(when time.Time) float64 {
	var hourFactor float64
	switch h := when.Hour(); {
	case h < 6:
		hourFactor = 0.85
	case h < 10:
		hourFactor = 1.15
	case h < 16:
		hourFactor = 1.00
	case h < 19:
		hourFactor = 1.20
	default:
		hourFactor = 1.05
	}
	if wd := when.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return hourFactor * weekendFactor
	}
	return hourFactor
}

// adjustInverse scales an on-time-like probability opposite to the delay
// factor: busier slots push delays up and punctuality down.
func adjustInverse(p, factor float64) float64 {
	return clamp01(p * (2 - factor))
}

// Category labels an expected delay for the response payload.
func Category(delayMinutes float64) string {
	switch {
	case delayMinutes < 5:
		return "MINIMAL"
	case delayMinutes < 15:
		return "MODERATE"
	case delayMinutes < 30:
		return "SIGNIFICANT"
	default:
		return "SEVERE"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
