package predict_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/models"
	"github.com/xianyu-ding/RailFair/pkg/predict"
)

// fakeSource serves one baseline per ladder level; nil means no data.
type fakeSource struct {
	routeOperator *models.Baseline
	route         *models.Baseline
	operator      *models.Baseline
	network       *models.Baseline
	err           error
}

func (f *fakeSource) RouteOperatorBaseline(ctx context.Context, origin, destination, toc string) (*models.Baseline, error) {
	return f.routeOperator, f.err
}

func (f *fakeSource) RouteBaseline(ctx context.Context, origin, destination string) (*models.Baseline, error) {
	return f.route, f.err
}

func (f *fakeSource) OperatorBaseline(ctx context.Context, toc string) (*models.Baseline, error) {
	return f.operator, f.err
}

func (f *fakeSource) NetworkBaseline(ctx context.Context) (*models.Baseline, error) {
	return f.network, f.err
}

var _ = Describe("Engine", func() {
	var (
		// Tuesday 2025-07-15 at 08:30: a weekday morning peak departure,
		// hour factor 1.15.
		morningPeak time.Time
		// Tuesday at 12:00: midday, factor 1.00.
		midday time.Time
		// Saturday 2025-07-19 at 12:00: midday weekend, factor 0.90.
		saturdayNoon time.Time

		baseline models.Baseline
	)

	BeforeEach(func() {
		morningPeak = time.Date(2025, 7, 15, 8, 30, 0, 0, time.UTC)
		midday = time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
		saturdayNoon = time.Date(2025, 7, 19, 12, 0, 0, 0, time.UTC)
		baseline = models.Baseline{
			SampleSize:     200,
			AvgDelay:       4.2,
			OnTimePct:      62.0,
			Within5Pct:     80.0,
			Within15Pct:    95.0,
			SevereDelayPct: 2.0,
		}
	})

	engineWith := func(src *fakeSource) *predict.Engine {
		return predict.NewEngine(src, zap.NewNop())
	}

	predictAt := func(src *fakeSource, toc string, when time.Time) *predict.Prediction {
		p, err := engineWith(src).Predict(context.Background(), predict.Request{
			Origin: "EUS", Destination: "MAN", TOC: toc, When: when,
		})
		Expect(err).ToNot(HaveOccurred())
		return p
	}

	Describe("fallback ladder", func() {
		It("prefers the route+operator baseline when the sample is large enough", func() {
			src := &fakeSource{
				routeOperator: &baseline,
				route:         &models.Baseline{SampleSize: 500, AvgDelay: 9.9},
			}
			p := predictAt(src, "VT", midday)

			Expect(p.FallbackLevel).To(Equal(1))
			Expect(p.SampleSize).To(Equal(200))
			Expect(p.IsDegraded).To(BeFalse())
		})

		It("skips operator-dependent levels when no operator is given", func() {
			src := &fakeSource{
				routeOperator: &baseline,
				operator:      &baseline,
				network:       &models.Baseline{SampleSize: 1000, AvgDelay: 6.0},
			}
			p := predictAt(src, "", midday)

			Expect(p.FallbackLevel).To(Equal(4))
		})

		It("falls past a thin baseline to the next level", func() {
			src := &fakeSource{
				routeOperator: &models.Baseline{SampleSize: 29, AvgDelay: 1.0},
				route:         &baseline,
			}
			p := predictAt(src, "VT", midday)

			Expect(p.FallbackLevel).To(Equal(2))
		})

		It("marks level 3 and beyond as degraded", func() {
			src := &fakeSource{operator: &baseline}
			p := predictAt(src, "VT", midday)

			Expect(p.FallbackLevel).To(Equal(3))
			Expect(p.IsDegraded).To(BeTrue())
			Expect(p.DegradationReason).To(Equal("insufficient_route_data"))
		})

		It("serves the fixed floor when nothing is usable", func() {
			p := predictAt(&fakeSource{}, "VT", morningPeak)

			Expect(p.FallbackLevel).To(Equal(5))
			Expect(p.ExpectedDelay).To(Equal(4.0))
			Expect(p.OnTimeProbability).To(Equal(0.64))
			Expect(p.IsDegraded).To(BeTrue())
			Expect(p.DegradationReason).To(Equal("no_route_data"))
			Expect(p.Confidence).To(Equal(predict.ConfidenceVeryLow))
			Expect(p.SampleSize).To(BeZero())
		})

		It("propagates source failures", func() {
			src := &fakeSource{err: errors.New("connection refused")}
			_, err := engineWith(src).Predict(context.Background(), predict.Request{
				Origin: "EUS", Destination: "MAN", When: midday,
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("time adjustment", func() {
		It("scales the expected delay up in the morning peak", func() {
			src := &fakeSource{route: &baseline}
			p := predictAt(src, "", morningPeak)

			// 4.2 * 1.15 = 4.83, rounded to one decimal.
			Expect(p.ExpectedDelay).To(Equal(4.8))
			Expect(p.TimeFactor).To(Equal(1.15))
			Expect(p.DelayCategory).To(Equal("MINIMAL"))
		})

		It("scales the expected delay down on a weekend", func() {
			src := &fakeSource{route: &baseline}
			p := predictAt(src, "", saturdayNoon)

			// 4.2 * 1.00 * 0.90 = 3.78, rounded to one decimal.
			Expect(p.ExpectedDelay).To(Equal(3.8))
			Expect(p.TimeFactor).To(Equal(0.9))
		})

		It("moves punctuality opposite to the delay factor", func() {
			src := &fakeSource{route: &baseline}
			peak := predictAt(src, "", morningPeak)
			quiet := predictAt(src, "", saturdayNoon)

			Expect(peak.OnTimeProbability).To(BeNumerically("<", 0.62))
			Expect(quiet.OnTimeProbability).To(BeNumerically(">", 0.62))
		})

		It("scales severe-delay risk with the factor, not against it", func() {
			src := &fakeSource{route: &baseline}
			peak := predictAt(src, "", morningPeak)
			quiet := predictAt(src, "", saturdayNoon)

			Expect(peak.SevereProbability).To(BeNumerically(">", quiet.SevereProbability))
		})

		It("keeps every probability within [0,1]", func() {
			extreme := models.Baseline{
				SampleSize: 100, AvgDelay: 2.0,
				OnTimePct: 99.0, Within5Pct: 99.0, Within15Pct: 99.9, SevereDelayPct: 95.0,
			}
			src := &fakeSource{route: &extreme}
			// 04:00 gives the smallest factor, pushing inverse-adjusted
			// probabilities over 1 without the clamp.
			p := predictAt(src, "", time.Date(2025, 7, 15, 4, 0, 0, 0, time.UTC))

			for _, v := range []float64{p.OnTimeProbability, p.Within5Probability, p.Within15Prob, p.SevereProbability} {
				Expect(v).To(BeNumerically(">=", 0))
				Expect(v).To(BeNumerically("<=", 1))
			}
		})

		It("never predicts a negative expected delay", func() {
			early := models.Baseline{SampleSize: 50, AvgDelay: -2.5, OnTimePct: 99}
			src := &fakeSource{route: &early}
			p := predictAt(src, "", midday)

			Expect(p.ExpectedDelay).To(Equal(0.0))
		})
	})

	Describe("confidence grading", func() {
		It("grants HIGH only to specific baselines with large samples", func() {
			big := baseline
			big.SampleSize = 150
			Expect(predictAt(&fakeSource{route: &big}, "", midday).Confidence).
				To(Equal(predict.ConfidenceHigh))

			// The same sample at level 3 is capped at LOW.
			Expect(predictAt(&fakeSource{operator: &big}, "VT", midday).Confidence).
				To(Equal(predict.ConfidenceLow))
		})

		It("never rates a degraded prediction above LOW", func() {
			huge := models.Baseline{
				SampleSize: 100000, AvgDelay: 5.0,
				OnTimePct: 70.0, Within5Pct: 85.0, Within15Pct: 96.0, SevereDelayPct: 2.0,
			}
			p := predictAt(&fakeSource{network: &huge}, "", midday)

			Expect(p.FallbackLevel).To(Equal(4))
			Expect(p.IsDegraded).To(BeTrue())
			Expect(p.Confidence).To(Equal(predict.ConfidenceLow))
		})

		It("grades a mid-sized sample MEDIUM and a thin one LOW", func() {
			mid := baseline
			mid.SampleSize = 50
			Expect(predictAt(&fakeSource{route: &mid}, "", midday).Confidence).
				To(Equal(predict.ConfidenceMedium))

			thin := baseline
			thin.SampleSize = 31
			Expect(predictAt(&fakeSource{route: &thin}, "", midday).Confidence).
				To(Equal(predict.ConfidenceLow))
		})
	})
})

var _ = Describe("TimeFactor", func() {
	It("applies the documented hour bands on weekdays", func() {
		tuesday := func(h int) time.Time {
			return time.Date(2025, 7, 15, h, 0, 0, 0, time.UTC)
		}
		Expect(predict.TimeFactor(tuesday(3))).To(Equal(0.85))
		Expect(predict.TimeFactor(tuesday(6))).To(Equal(1.15))
		Expect(predict.TimeFactor(tuesday(10))).To(Equal(1.00))
		Expect(predict.TimeFactor(tuesday(16))).To(Equal(1.20))
		Expect(predict.TimeFactor(tuesday(19))).To(Equal(1.05))
		Expect(predict.TimeFactor(tuesday(23))).To(Equal(1.05))
	})

	It("multiplies weekend departures by 0.90", func() {
		sunday := time.Date(2025, 7, 20, 17, 0, 0, 0, time.UTC)
		Expect(predict.TimeFactor(sunday)).To(BeNumerically("~", 1.20*0.90, 1e-9))
	})
})

var _ = Describe("Category", func() {
	It("labels delays by band", func() {
		Expect(predict.Category(0)).To(Equal("MINIMAL"))
		Expect(predict.Category(4.9)).To(Equal("MINIMAL"))
		Expect(predict.Category(5)).To(Equal("MODERATE"))
		Expect(predict.Category(14.9)).To(Equal("MODERATE"))
		Expect(predict.Category(15)).To(Equal("SIGNIFICANT"))
		Expect(predict.Category(30)).To(Equal("SEVERE"))
	})
})
