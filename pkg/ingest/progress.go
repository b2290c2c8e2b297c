package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFailure is one journaled task failure.
type TaskFailure struct {
	TaskKey   string    `json:"task_key"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// progressDocument is the on-disk journal shape. completed_routes is the
// legacy route-level field from before task-level tracking; it is carried
// through every save so resuming a migrated journal keeps that work.
type progressDocument struct {
	Phase           string        `json:"phase"`
	CompletedTasks  []string      `json:"completed_tasks"`
	FailedTasks     []TaskFailure `json:"failed_tasks"`
	TotalRecords    int64         `json:"total_records"`
	StartedAt       time.Time     `json:"started_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedRoutes []string      `json:"completed_routes,omitempty"`
}

// Tracker is the durable record of which tasks a phase has finished. Every
// save goes through a temp-file-and-rename so a crash mid-write leaves the
// previous journal intact.
type Tracker struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger

	phase        string
	completed    map[string]struct{}
	legacyRoutes map[string]struct{}
	failed       []TaskFailure
	totalRecords int64
	startedAt    time.Time
	updatedAt    time.Time
}

// LoadTracker opens the journal at path, creating a fresh one when the
// file does not exist. Legacy route-level journals load without losing
// completed work: their route names mark every task on that route as done.
func LoadTracker(path, phase string, logger *zap.Logger) (*Tracker, error) {
	t := &Tracker{
		path:         path,
		logger:       logger,
		phase:        phase,
		completed:    make(map[string]struct{}),
		legacyRoutes: make(map[string]struct{}),
		startedAt:    time.Now().UTC(),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress journal: %w", err)
	}

	var doc progressDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse progress journal %s: %w", path, err)
	}
	for _, k := range doc.CompletedTasks {
		t.completed[k] = struct{}{}
	}
	for _, r := range doc.CompletedRoutes {
		t.legacyRoutes[r] = struct{}{}
	}
	t.failed = doc.FailedTasks
	t.totalRecords = doc.TotalRecords
	if !doc.StartedAt.IsZero() {
		t.startedAt = doc.StartedAt
	}
	t.updatedAt = doc.UpdatedAt

	if len(t.legacyRoutes) > 0 {
		logger.Info("migrated legacy route-level progress journal",
			zap.String("path", path),
			zap.Int("legacy_routes", len(t.legacyRoutes)))
	}
	return t, nil
}

// IsDone reports whether the task has already completed, either in this
// journal or under the legacy route-level scheme.
func (t *Tracker) IsDone(task Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.completed[task.Key()]; ok {
		return true
	}
	_, ok := t.legacyRoutes[task.Route.Name()]
	return ok
}

// MarkDone records a completed task and the records it contributed, then
// persists the journal. The caller must only invoke this after the store
// has acknowledged the batch.
func (t *Tracker) MarkDone(task Task, records int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed[task.Key()] = struct{}{}
	t.totalRecords += records
	return t.saveLocked()
}

// MarkFailed journals a task failure and persists.
func (t *Tracker) MarkFailed(task Task, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = append(t.failed, TaskFailure{
		TaskKey:   task.Key(),
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
	return t.saveLocked()
}

// Summary returns completed/failed counts and the record total.
func (t *Tracker) Summary() (completed, failed int, records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed), len(t.failed), t.totalRecords
}

func (t *Tracker) saveLocked() error {
	t.updatedAt = time.Now().UTC()

	keys := make([]string, 0, len(t.completed))
	for k := range t.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var legacy []string
	if len(t.legacyRoutes) > 0 {
		legacy = make([]string, 0, len(t.legacyRoutes))
		for r := range t.legacyRoutes {
			legacy = append(legacy, r)
		}
		sort.Strings(legacy)
	}

	doc := progressDocument{
		Phase:           t.phase,
		CompletedTasks:  keys,
		FailedTasks:     t.failed,
		TotalRecords:    t.totalRecords,
		StartedAt:       t.startedAt,
		UpdatedAt:       t.updatedAt,
		CompletedRoutes: legacy,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress journal: %w", err)
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp journal: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace progress journal: %w", err)
	}
	return nil
}
