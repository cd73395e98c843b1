package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestJobLifecycleCounters(t *testing.T) {
	r := New()

	r.JobStarted()
	if got := r.ActiveJobs(); got != 1 {
		t.Fatalf("active jobs = %d, want 1", got)
	}
	r.JobCompleted(2 * time.Second)
	r.JobStarted()
	r.JobFailed(time.Second)

	counts := r.JobCounts()
	if counts["started"] != 2 || counts["completed"] != 1 || counts["failed"] != 1 {
		t.Errorf("unexpected job counts: %v", counts)
	}
	if got := r.ActiveJobs(); got != 0 {
		t.Errorf("active jobs = %d, want 0", got)
	}
}

func TestEncodeCounters(t *testing.T) {
	r := New()

	r.EncodeStarted()
	r.EncodeStarted()
	if got := r.ActiveEncodes(); got != 2 {
		t.Fatalf("active encodes = %d, want 2", got)
	}
	r.EncodeFinished("720p", "completed")
	r.EncodeFinished("1080p", "timeout")

	counts := r.EncodeCounts()
	if counts[EncodeLabel{Resolution: "720p", Status: "completed"}] != 1 {
		t.Errorf("missing 720p completed count: %v", counts)
	}
	if counts[EncodeLabel{Resolution: "1080p", Status: "timeout"}] != 1 {
		t.Errorf("missing 1080p timeout count: %v", counts)
	}
	if got := r.ActiveEncodes(); got != 0 {
		t.Errorf("active encodes = %d, want 0", got)
	}
}

func TestGaugeNeverGoesNegative(t *testing.T) {
	r := New()
	r.EncodeFinished("360p", "completed")
	if got := r.ActiveEncodes(); got != 0 {
		t.Fatalf("active encodes = %d, want 0", got)
	}
}

func TestHandlerRendersTextFormat(t *testing.T) {
	r := New()
	r.JobStarted()
	r.JobCompleted(time.Second)
	r.EncodeStarted()
	r.EncodeFinished("480p", "completed")
	r.ObserveQueueEvent("delivered")
	r.ObserveQueueEvent("acked")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`vodforge_jobs_total{outcome="completed"} 1`,
		`vodforge_encodes_total{resolution="480p",status="completed"} 1`,
		`vodforge_queue_events_total{event="delivered"} 1`,
		"vodforge_active_jobs 0",
		"vodforge_active_encodes 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}
