package encode

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestTrackerOverallIncludesSilentRenditions(t *testing.T) {
	tracker := NewTracker("vid-1", 4, testLogger())
	tracker.Record("1080p", 80)
	tracker.Record("720p", 40)
	// 480p and 360p have not reported: they still count in the denominator.
	if got := tracker.Overall(); got != 30 {
		t.Errorf("overall = %v, want 30", got)
	}
}

func TestTrackerRecordIsMonotonic(t *testing.T) {
	tracker := NewTracker("vid-1", 1, testLogger())
	tracker.Record("720p", 50)
	tracker.Record("720p", 30)
	tracker.Record("720p", 50)
	if got := tracker.Percent("720p"); got != 50 {
		t.Errorf("percent = %d, want 50", got)
	}
	tracker.Record("720p", 51)
	if got := tracker.Percent("720p"); got != 51 {
		t.Errorf("percent = %d, want 51", got)
	}
}

func TestTrackerEmptyJob(t *testing.T) {
	tracker := NewTracker("vid-1", 0, testLogger())
	if got := tracker.Overall(); got != 0 {
		t.Errorf("overall = %v, want 0", got)
	}
}

func TestTrackerLogsProgressFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	tracker := NewTracker("vid-1", 2, logger)

	tracker.Start()
	tracker.Record("720p", 25)
	tracker.Completed()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("log lines = %d, want 3", len(lines))
	}

	var progress map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &progress); err != nil {
		t.Fatalf("decode progress record: %v", err)
	}
	if progress["resolution"] != "720p" {
		t.Errorf("resolution = %v", progress["resolution"])
	}
	if progress["overall_percent"] != 12.5 {
		t.Errorf("overall_percent = %v, want 12.5", progress["overall_percent"])
	}
	if progress["resolution_percent"] != float64(25) {
		t.Errorf("resolution_percent = %v, want 25", progress["resolution_percent"])
	}
	active, ok := progress["active_resolutions"].([]any)
	if !ok || len(active) != 1 || active[0] != "720p" {
		t.Errorf("active_resolutions = %v", progress["active_resolutions"])
	}
}

func TestTrackerErrorIncludesResolutionWhenKnown(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	tracker := NewTracker("vid-1", 1, logger)

	tracker.Error("480p", &EncodeError{Resolution: "480p", Reason: "encoder failed"})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode error record: %v", err)
	}
	if record["resolution"] != "480p" {
		t.Errorf("resolution = %v, want 480p", record["resolution"])
	}
	if record["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", record["level"])
	}
}
