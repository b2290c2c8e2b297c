package fares

import (
	"context"
	"fmt"
	"math"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// FareQuote is one fare as served to clients.
type FareQuote struct {
	TicketType  models.TicketType  `json:"ticket_type"`
	TicketClass models.TicketClass `json:"ticket_class"`
	PricePence  int                `json:"price_pence"`
	PricePounds float64            `json:"price_pounds"`
}

// Comparison is the fare spread for one route.
type Comparison struct {
	Origin        string      `json:"origin"`
	Destination   string      `json:"destination"`
	Fares         []FareQuote `json:"fares"`
	Cheapest      *FareQuote  `json:"cheapest"`
	MostExpensive *FareQuote  `json:"most_expensive"`
	SavingsPence  int         `json:"savings_pence"`
	SavingsPct    float64     `json:"savings_pct"`
	DataSource    string      `json:"data_source"`
}

// RouteFareReader is the read surface the comparator needs.
type RouteFareReader interface {
	FaresForRoute(ctx context.Context, origin, destination string) ([]models.FareRecord, error)
}

// Comparator computes fare spreads from the stored cache.
type Comparator struct {
	store RouteFareReader
}

// NewComparator wires a comparator.
func NewComparator(store RouteFareReader) *Comparator {
	return &Comparator{store: store}
}

// Compare returns the fare spread for a route, or nil when no fares are
// stored for it.
func (c *Comparator) Compare(ctx context.Context, origin, destination string) (*Comparison, error) {
	records, err := c.store.FaresForRoute(ctx, origin, destination)
	if err != nil {
		return nil, fmt.Errorf("load fares: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	cmp := &Comparison{
		Origin:      origin,
		Destination: destination,
		DataSource:  records[0].DataSource,
	}
	for _, rec := range records {
		q := FareQuote{
			TicketType:  rec.TicketType,
			TicketClass: rec.TicketClass,
			PricePence:  rec.AdultPence,
			PricePounds: pounds(rec.AdultPence),
		}
		cmp.Fares = append(cmp.Fares, q)
	}
	for i := range cmp.Fares {
		q := &cmp.Fares[i]
		if cmp.Cheapest == nil || q.PricePence < cmp.Cheapest.PricePence {
			cmp.Cheapest = q
		}
		if cmp.MostExpensive == nil || q.PricePence > cmp.MostExpensive.PricePence {
			cmp.MostExpensive = q
		}
	}
	if cmp.Cheapest != nil && cmp.MostExpensive != nil && cmp.MostExpensive.PricePence > 0 {
		cmp.SavingsPence = cmp.MostExpensive.PricePence - cmp.Cheapest.PricePence
		cmp.SavingsPct = math.Round(10000*float64(cmp.SavingsPence)/float64(cmp.MostExpensive.PricePence)) / 100
	}
	return cmp, nil
}

func pounds(pence int) float64 {
	return math.Round(float64(pence)) / 100
}
