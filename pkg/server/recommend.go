package server

import (
	"fmt"
	"math"
	"sort"

	"github.com/xianyu-ding/RailFair/pkg/fares"
	"github.com/xianyu-ding/RailFair/pkg/predict"
)

// Recommendation is one actionable suggestion attached to a prediction
// response.
type Recommendation struct {
	Tag         string  `json:"tag"` // money | time | balanced
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// tieOrder breaks score ties deterministically: money beats time beats
// balanced.
var tieOrder = map[string]int{"money": 0, "time": 1, "balanced": 2}

// buildRecommendations derives up to three tagged recommendations from
// the prediction and fare spread. Scores are on a 0-10 scale: money from
// the percentage saving, time from the expected delay, balanced as their
// weighted mean.
func buildRecommendations(p *predict.Prediction, cmp *fares.Comparison) []Recommendation {
	var recs []Recommendation

	var moneyScore float64
	if cmp != nil && cmp.SavingsPence > 0 && cmp.Cheapest != nil {
		moneyScore = math.Min(10, cmp.SavingsPct/10)
		recs = append(recs, Recommendation{
			Tag:   "money",
			Title: "Cheapest ticket",
			Score: round2(moneyScore),
			Description: fmt.Sprintf("Choose the %s fare to save £%.2f (%.0f%%) on this journey.",
				cmp.Cheapest.TicketType, float64(cmp.SavingsPence)/100, cmp.SavingsPct),
		})
	}

	timeScore := math.Min(10, p.ExpectedDelay/6)
	timeMsg := "Services on this route usually run close to time."
	if p.ExpectedDelay >= 5 {
		timeMsg = fmt.Sprintf("Allow a %.0f minute buffer; services on this route average %.1f minutes late.",
			math.Ceil(p.ExpectedDelay), p.ExpectedDelay)
	}
	recs = append(recs, Recommendation{
		Tag:         "time",
		Title:       "Punctuality buffer",
		Score:       round2(timeScore),
		Description: timeMsg,
	})

	balanced := (moneyScore + timeScore) / 2
	recs = append(recs, Recommendation{
		Tag:         "balanced",
		Title:       "Overall value",
		Score:       round2(balanced),
		Description: "Weigh the fare saving against the punctuality record before booking.",
	})

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return tieOrder[recs[i].Tag] < tieOrder[recs[j].Tag]
	})
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
