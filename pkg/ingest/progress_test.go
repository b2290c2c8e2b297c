package ingest_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/xianyu-ding/RailFair/pkg/ingest"
	"github.com/xianyu-ding/RailFair/pkg/models"
)

var _ = Describe("Tracker", func() {
	var (
		dir    string
		path   string
		logger *zap.Logger
		task   ingest.Task
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "progress.json")
		logger = zap.NewNop()
		task = ingest.Task{
			Route:   models.Route{Origin: "EUS", Destination: "MAN"},
			DayType: models.DayTypeWeekday,
			Chunk:   ingest.Chunk{From: day("2024-12-01"), To: day("2024-12-07")},
		}
	})

	It("starts fresh when no journal exists", func() {
		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())

		completed, failed, records := tracker.Summary()
		Expect(completed).To(BeZero())
		Expect(failed).To(BeZero())
		Expect(records).To(BeZero())
		Expect(tracker.IsDone(task)).To(BeFalse())
	})

	It("persists completed tasks across reloads", func() {
		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(tracker.MarkDone(task, 42)).To(Succeed())

		reloaded, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(reloaded.IsDone(task)).To(BeTrue())

		completed, _, records := reloaded.Summary()
		Expect(completed).To(Equal(1))
		Expect(records).To(Equal(int64(42)))
	})

	It("journals failures without marking the task done", func() {
		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(tracker.MarkFailed(task, errors.New("upstream timeout"))).To(Succeed())

		reloaded, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(reloaded.IsDone(task)).To(BeFalse())

		_, failed, _ := reloaded.Summary()
		Expect(failed).To(Equal(1))
	})

	It("treats legacy route-level journals as completed work", func() {
		legacy := map[string]any{
			"phase":            "phase1",
			"completed_routes": []string{"EUS-MAN"},
			"total_records":    100,
		}
		data, err := json.Marshal(legacy)
		Expect(err).ToNot(HaveOccurred())
		Expect(os.WriteFile(path, data, 0o644)).To(Succeed())

		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())

		// Every task on the legacy route is done, other routes are not.
		Expect(tracker.IsDone(task)).To(BeTrue())
		other := task
		other.Route = models.Route{Origin: "KGX", Destination: "EDB"}
		Expect(tracker.IsDone(other)).To(BeFalse())
	})

	It("keeps legacy completed routes across saves and reloads", func() {
		legacy := map[string]any{
			"phase":            "phase1",
			"completed_routes": []string{"EUS-MAN"},
		}
		data, err := json.Marshal(legacy)
		Expect(err).ToNot(HaveOccurred())
		Expect(os.WriteFile(path, data, 0o644)).To(Succeed())

		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		other := task
		other.Route = models.Route{Origin: "KGX", Destination: "EDB"}
		Expect(tracker.MarkDone(other, 5)).To(Succeed())

		// Saving task-level progress must not discard the migrated
		// route-level work.
		reloaded, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(reloaded.IsDone(task)).To(BeTrue())
		Expect(reloaded.IsDone(other)).To(BeTrue())

		raw, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring(`"EUS-MAN"`))
	})

	It("rejects a corrupt journal instead of silently restarting", func() {
		Expect(os.WriteFile(path, []byte("{not json"), 0o644)).To(Succeed())

		_, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).To(HaveOccurred())
	})

	It("leaves no temp files behind after saving", func() {
		tracker, err := ingest.LoadTracker(path, "phase1", logger)
		Expect(err).ToNot(HaveOccurred())
		Expect(tracker.MarkDone(task, 1)).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(Equal("progress.json"))
	})
})
