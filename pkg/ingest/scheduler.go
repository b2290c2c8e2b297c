package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/hsp"
	"github.com/xianyu-ding/RailFair/pkg/metrics"
	"github.com/xianyu-ding/RailFair/pkg/models"
	"github.com/xianyu-ding/RailFair/pkg/normalize"
)

// UpstreamClient is the slice of the HSP client the scheduler needs.
type UpstreamClient interface {
	ServiceMetrics(ctx context.Context, q hsp.MetricsQuery) ([]hsp.ServiceMetric, error)
	ServiceDetails(ctx context.Context, rid string) (*hsp.ServiceDetail, error)
}

// Store is the persistence surface for ingested batches.
type Store interface {
	// FilterNewRIDs returns the subset of rids with no stored service row,
	// preserving input order.
	FilterNewRIDs(ctx context.Context, rids []string) ([]string, error)
	// SaveBatch persists a normalized batch in one transaction and returns
	// the number of newly inserted stop rows.
	SaveBatch(ctx context.Context, b *normalize.Batch) (int64, error)
	RecordDataQuality(ctx context.Context, records []models.DataQualityRecord) error
}

// PhaseSpec is the scheduler's view of one ingestion campaign.
type PhaseSpec struct {
	Name      string
	Routes    []models.Route
	From      time.Time
	To        time.Time
	DayTypes  []models.DayType
	ChunkDays int
}

// Scheduler walks a phase's task set strictly sequentially, committing
// store batches before journaling progress so a crash can only repeat
// work, never skip it.
type Scheduler struct {
	client    UpstreamClient
	store     Store
	processor *normalize.Processor
	tracker   *Tracker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(client UpstreamClient, store Store, processor *normalize.Processor,
	tracker *Tracker, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		client:    client,
		store:     store,
		processor: processor,
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
	}
}

// Tasks expands a phase into its ordered task list: the cross product of
// routes, day types and date chunks, sorted by task key.
func Tasks(spec PhaseSpec) []Task {
	chunks := SplitDateRange(spec.From, spec.To, spec.ChunkDays)
	tasks := make([]Task, 0, len(spec.Routes)*len(spec.DayTypes)*len(chunks))
	for _, route := range spec.Routes {
		for _, dt := range spec.DayTypes {
			for _, ch := range chunks {
				tasks = append(tasks, Task{Route: route, DayType: dt, Chunk: ch})
			}
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Key() < tasks[j].Key() })
	return tasks
}

// Run executes every pending task in the phase. Authentication failures
// abort the run; any other task failure is journaled and the run moves on.
func (s *Scheduler) Run(ctx context.Context, spec PhaseSpec) error {
	tasks := Tasks(spec)
	completed, failed, records := s.tracker.Summary()
	s.logger.Info("starting ingestion phase",
		zap.String("phase", spec.Name),
		zap.Int("tasks", len(tasks)),
		zap.Int("already_completed", completed),
		zap.Int("previously_failed", failed),
		zap.Int64("records_so_far", records))

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.tracker.IsDone(task) {
			s.metrics.IngestTasks.WithLabelValues("skipped").Inc()
			continue
		}

		n, err := s.processTask(ctx, task)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			var herr *hsp.Error
			if errors.As(err, &herr) && herr.Kind == hsp.KindAuth {
				return fmt.Errorf("aborting phase on authentication failure: %w", err)
			}
			s.metrics.IngestTasks.WithLabelValues("failed").Inc()
			s.logger.Warn("task failed",
				zap.String("task", task.Key()),
				zap.Error(err))
			if jerr := s.tracker.MarkFailed(task, err); jerr != nil {
				return fmt.Errorf("journal failure for %s: %w", task.Key(), jerr)
			}
			continue
		}

		s.metrics.IngestTasks.WithLabelValues("completed").Inc()
		s.metrics.IngestRecords.Add(float64(n))
		if err := s.tracker.MarkDone(task, n); err != nil {
			return fmt.Errorf("journal completion for %s: %w", task.Key(), err)
		}
		s.logger.Info("task completed",
			zap.String("task", task.Key()),
			zap.Int64("records", n))
	}

	completed, failed, records = s.tracker.Summary()
	s.logger.Info("ingestion phase finished",
		zap.String("phase", spec.Name),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int64("records", records))
	return nil
}

// processTask fetches, normalizes and persists one task. The store commit
// happens before the caller journals progress.
func (s *Scheduler) processTask(ctx context.Context, task Task) (int64, error) {
	query := hsp.MetricsQuery{
		Origin:   task.Route.Origin,
		Dest:     task.Route.Destination,
		FromTime: task.Route.FromTime,
		ToTime:   task.Route.ToTime,
		FromDate: task.Chunk.From.Format(dateLayout),
		ToDate:   task.Chunk.To.Format(dateLayout),
		Days:     string(task.DayType),
	}
	svcMetrics, err := s.client.ServiceMetrics(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("service metrics: %w", err)
	}

	rids := dedupeRIDs(svcMetrics)
	newRIDs, err := s.store.FilterNewRIDs(ctx, rids)
	if err != nil {
		return 0, fmt.Errorf("filter known rids: %w", err)
	}
	s.logger.Debug("task rid set resolved",
		zap.String("task", task.Key()),
		zap.Int("matched", len(rids)),
		zap.Int("new", len(newRIDs)))

	batch := normalize.NewBatch()
	for _, rid := range newRIDs {
		detail, err := s.client.ServiceDetails(ctx, rid)
		if err != nil {
			return 0, fmt.Errorf("service details for %s: %w", rid, err)
		}
		s.processor.ProcessDetail(detail, batch)
	}

	inserted, err := s.store.SaveBatch(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("save batch: %w", err)
	}

	for reason, count := range batch.Drops {
		s.metrics.IngestDrops.WithLabelValues(reason).Add(float64(count))
	}
	if len(batch.Drops) > 0 {
		records := make([]models.DataQualityRecord, 0, len(batch.Drops))
		now := time.Now().UTC()
		for reason, count := range batch.Drops {
			records = append(records, models.DataQualityRecord{
				TaskKey:    task.Key(),
				Reason:     reason,
				Count:      count,
				RecordedAt: now,
			})
		}
		if err := s.store.RecordDataQuality(ctx, records); err != nil {
			// Quality bookkeeping must not fail the task.
			s.logger.Warn("failed to record data quality metrics",
				zap.String("task", task.Key()),
				zap.Error(err))
		}
	}
	return inserted, nil
}

func dedupeRIDs(metrics []hsp.ServiceMetric) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range metrics {
		for _, rid := range m.RIDs {
			if rid == "" {
				continue
			}
			if _, ok := seen[rid]; ok {
				continue
			}
			seen[rid] = struct{}{}
			out = append(out, rid)
		}
	}
	return out
}
