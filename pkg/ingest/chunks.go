package ingest

import (
	"fmt"
	"time"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

const dateLayout = "2006-01-02"

// Chunk is an inclusive date window no wider than the configured chunk
// size. Chunks tile their parent range exactly and are stable across runs.
type Chunk struct {
	From time.Time
	To   time.Time
}

// SplitDateRange decomposes [from, to] (inclusive calendar dates) into
// contiguous chunks of at most chunkDays days. The final chunk absorbs the
// remainder and may be shorter.
func SplitDateRange(from, to time.Time, chunkDays int) []Chunk {
	if chunkDays < 1 {
		chunkDays = 7
	}
	var chunks []Chunk
	cur := from
	for !cur.After(to) {
		end := cur.AddDate(0, 0, chunkDays-1)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, Chunk{From: cur, To: end})
		cur = end.AddDate(0, 0, 1)
	}
	return chunks
}

// Days returns the inclusive day count covered by the chunk.
func (c Chunk) Days() int {
	return int(c.To.Sub(c.From).Hours()/24) + 1
}

// Task is one unit of ingestion work: a route, a day type and a date chunk.
type Task struct {
	Route   models.Route
	DayType models.DayType
	Chunk   Chunk
}

// Key returns the stable identity used by the progress journal. Two runs
// over the same phase always produce identical keys.
func (t Task) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		t.Route.Name(), t.DayType,
		t.Chunk.From.Format(dateLayout), t.Chunk.To.Format(dateLayout))
}
