package fares

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

// Admissibility bounds for a fare, in pence. Anything outside is feed
// corruption, not a price.
const (
	minAdmissiblePence = 1
	maxAdmissiblePence = 100000
)

// FeedSource abstracts the archive download for testing.
type FeedSource interface {
	Download(ctx context.Context) ([]byte, time.Time, error)
}

// FareStore is the persistence surface for fares.
type FareStore interface {
	UpsertFares(ctx context.Context, fares []models.FareRecord) error
	LatestFareFetch(ctx context.Context) (time.Time, error)
}

// Ingester refreshes the fare cache from the feed, at most once per
// freshness window.
type Ingester struct {
	feed         FeedSource
	decoder      Decoder
	store        FareStore
	refreshAfter time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewIngester wires an ingester.
func NewIngester(feed FeedSource, decoder Decoder, store FareStore,
	refreshAfter time.Duration, logger *zap.Logger) *Ingester {
	if refreshAfter == 0 {
		refreshAfter = 24 * time.Hour
	}
	return &Ingester{
		feed:         feed,
		decoder:      decoder,
		store:        store,
		refreshAfter: refreshAfter,
		logger:       logger,
		now:          time.Now,
	}
}

// Refresh downloads and replaces the fare cache when the stored copy is
// absent or stale. A fresh cache short-circuits without touching the feed.
func (i *Ingester) Refresh(ctx context.Context) error {
	last, err := i.store.LatestFareFetch(ctx)
	if err != nil {
		return fmt.Errorf("check fare freshness: %w", err)
	}
	if !last.IsZero() && i.now().Sub(last) < i.refreshAfter {
		i.logger.Info("fare cache is fresh, skipping feed download",
			zap.Time("fetched_at", last),
			zap.Duration("age", i.now().Sub(last)))
		return nil
	}

	data, lastModified, err := i.feed.Download(ctx)
	if err != nil {
		return fmt.Errorf("download feed: %w", err)
	}
	fetchedAt := i.now().UTC()
	if !lastModified.IsZero() {
		i.logger.Debug("feed publication stamp", zap.Time("last_modified", lastModified))
	}

	decoded, err := i.decoder.DecodeArchive(data, fetchedAt)
	if err != nil {
		return fmt.Errorf("decode feed: %w", err)
	}

	admissible := Filter(decoded, i.logger)
	if len(admissible) == 0 {
		return fmt.Errorf("feed decoded to zero admissible fares")
	}
	if err := i.store.UpsertFares(ctx, admissible); err != nil {
		return fmt.Errorf("store fares: %w", err)
	}
	i.logger.Info("fare cache refreshed",
		zap.Int("decoded", len(decoded)),
		zap.Int("stored", len(admissible)))
	return nil
}

// Filter applies the admissibility window and drops (route, ticket type)
// groups whose rows disagree on data source.
func Filter(fares []models.FareRecord, logger *zap.Logger) []models.FareRecord {
	type key struct {
		origin, dest string
		ticketType   models.TicketType
	}
	sources := make(map[key]map[string]struct{})
	inWindow := make([]models.FareRecord, 0, len(fares))
	dropped := 0
	for _, f := range fares {
		if f.AdultPence < minAdmissiblePence || f.AdultPence > maxAdmissiblePence {
			dropped++
			continue
		}
		k := key{f.Origin, f.Destination, f.TicketType}
		if sources[k] == nil {
			sources[k] = make(map[string]struct{})
		}
		sources[k][f.DataSource] = struct{}{}
		inWindow = append(inWindow, f)
	}

	out := inWindow[:0]
	mixed := 0
	for _, f := range inWindow {
		k := key{f.Origin, f.Destination, f.TicketType}
		if len(sources[k]) > 1 {
			mixed++
			continue
		}
		out = append(out, f)
	}
	if dropped > 0 || mixed > 0 {
		logger.Warn("dropped inadmissible fares",
			zap.Int("out_of_window", dropped),
			zap.Int("mixed_source", mixed))
	}
	return out
}
