package encode

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tracker aggregates per-rendition percentages for one active job and emits
// the structured status log stream. Percentages are monotonically
// non-decreasing per rendition for the tracker's lifetime; stale updates are
// ignored.
type Tracker struct {
	videoID string
	total   int
	start   time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	progress map[string]int
}

// NewTracker prepares progress tracking for a job spanning total renditions.
func NewTracker(videoID string, total int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		videoID:  videoID,
		total:    total,
		start:    time.Now(),
		logger:   logger,
		progress: make(map[string]int),
	}
}

// Start logs the beginning of processing with the planned rendition count.
func (t *Tracker) Start() {
	t.logger.Info("processing started",
		"video_id", t.videoID,
		"total_resolutions", t.total,
	)
}

// Record accepts a progress advance for one rendition and logs the updated
// state. Values at or below the stored percentage are dropped, which keeps
// per-rendition progress non-decreasing under concurrent updates.
func (t *Tracker) Record(resolution string, percent int) {
	t.mu.Lock()
	if percent <= t.progress[resolution] {
		t.mu.Unlock()
		return
	}
	t.progress[resolution] = percent
	overall := t.overallLocked()
	active := t.activeLocked()
	t.mu.Unlock()

	t.logger.Info("encoding progress",
		"video_id", t.videoID,
		"resolution", resolution,
		"resolution_percent", percent,
		"overall_percent", overall,
		"elapsed_seconds", t.elapsed(),
		"active_resolutions", active,
	)
}

// Percent returns the last recorded percentage for a rendition.
func (t *Tracker) Percent(resolution string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress[resolution]
}

// Overall reports aggregate job progress: the sum of every rendition's
// percentage divided by the planned rendition count. Renditions that have not
// reported yet still count in the denominator.
func (t *Tracker) Overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overallLocked()
}

func (t *Tracker) overallLocked() float64 {
	if t.total == 0 {
		return 0
	}
	sum := 0
	for _, pct := range t.progress {
		sum += pct
	}
	return float64(sum) / float64(t.total)
}

func (t *Tracker) activeLocked() []string {
	names := make([]string, 0, len(t.progress))
	for name, pct := range t.progress {
		if pct > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Completed logs the end of a fully successful job.
func (t *Tracker) Completed() {
	t.logger.Info("processing completed",
		"video_id", t.videoID,
		"total_resolutions", t.total,
		"elapsed_seconds", t.elapsed(),
	)
}

// Error logs a processing failure, with rendition context when known.
func (t *Tracker) Error(resolution string, err error) {
	attrs := []any{
		"video_id", t.videoID,
		"elapsed_seconds", t.elapsed(),
		"error", err,
	}
	if resolution != "" {
		attrs = append(attrs, "resolution", resolution)
	}
	t.logger.Error("processing failed", attrs...)
}

func (t *Tracker) elapsed() float64 {
	return time.Since(t.start).Seconds()
}
