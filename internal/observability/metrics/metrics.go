// Package metrics aggregates in-memory counters and gauges for the worker's
// job and encode lifecycle and renders them in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EncodeLabel identifies one encode-operation counter bucket.
type EncodeLabel struct {
	Resolution string
	Status     string
}

// Recorder aggregates job outcomes, per-rendition encode outcomes, queue
// delivery statistics, and an active-encode gauge. Writers are coordinated
// through a mutex; gauges use atomics so hot paths avoid lock contention.
type Recorder struct {
	mu            sync.RWMutex
	jobEvents     map[string]uint64
	jobDuration   map[string]time.Duration
	encodeEvents  map[EncodeLabel]uint64
	queueEvents   map[string]uint64
	activeEncodes atomic.Int64
	activeJobs    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		jobEvents:    make(map[string]uint64),
		jobDuration:  make(map[string]time.Duration),
		encodeEvents: make(map[EncodeLabel]uint64),
		queueEvents:  make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder used by the package-level
// helpers.
func Default() *Recorder {
	return defaultRecorder
}

// JobStarted increments the started counter and the active-jobs gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Add(1)
	r.recordJobEvent("started", 0)
}

// JobCompleted records a successful job and its wall-clock duration.
func (r *Recorder) JobCompleted(duration time.Duration) {
	r.decrementGauge(&r.activeJobs)
	r.recordJobEvent("completed", duration)
}

// JobFailed records a failed job and its wall-clock duration.
func (r *Recorder) JobFailed(duration time.Duration) {
	r.decrementGauge(&r.activeJobs)
	r.recordJobEvent("failed", duration)
}

func (r *Recorder) recordJobEvent(outcome string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents[outcome]++
	if duration > 0 {
		r.jobDuration[outcome] += duration
	}
}

// EncodeStarted increments the active-encode gauge.
func (r *Recorder) EncodeStarted() {
	r.activeEncodes.Add(1)
}

// EncodeFinished records the outcome of one rendition's encode operation and
// releases the gauge. Status is one of "completed", "failed", "timeout",
// "grace".
func (r *Recorder) EncodeFinished(resolution, status string) {
	r.decrementGauge(&r.activeEncodes)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encodeEvents[EncodeLabel{Resolution: resolution, Status: status}]++
}

// ObserveQueueEvent counts queue-level events: "delivered", "acked",
// "requeued", "rejected", "reconnect".
func (r *Recorder) ObserveQueueEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueEvents[event]++
}

// ActiveEncodes reports the current number of running encode operations.
func (r *Recorder) ActiveEncodes() int64 {
	return r.activeEncodes.Load()
}

// ActiveJobs reports the current number of jobs being processed.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the per-outcome job counters.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		out[k] = v
	}
	return out
}

// EncodeCounts returns a copy of the per-label encode counters.
func (r *Recorder) EncodeCounts() map[EncodeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[EncodeLabel]uint64, len(r.encodeEvents))
	for k, v := range r.encodeEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents = make(map[string]uint64)
	r.jobDuration = make(map[string]time.Duration)
	r.encodeEvents = make(map[EncodeLabel]uint64)
	r.queueEvents = make(map[string]uint64)
	r.activeEncodes.Store(0)
	r.activeJobs.Store(0)
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders every metric with stable ordering.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP vodforge_jobs_total Processing jobs by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_jobs_total counter")
	for _, outcome := range sortedKeys(r.jobEvents) {
		fmt.Fprintf(w, "vodforge_jobs_total{outcome=%q} %d\n", outcome, r.jobEvents[outcome])
	}

	fmt.Fprintln(w, "# HELP vodforge_job_duration_seconds_sum Total job wall-clock time by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_job_duration_seconds_sum counter")
	for _, outcome := range sortedKeys(r.jobDuration) {
		fmt.Fprintf(w, "vodforge_job_duration_seconds_sum{outcome=%q} %f\n", outcome, r.jobDuration[outcome].Seconds())
	}

	fmt.Fprintln(w, "# HELP vodforge_encodes_total Encode operations by resolution and status")
	fmt.Fprintln(w, "# TYPE vodforge_encodes_total counter")
	for _, label := range r.sortedEncodeLabels() {
		fmt.Fprintf(w, "vodforge_encodes_total{resolution=%q,status=%q} %d\n", label.Resolution, label.Status, r.encodeEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_queue_events_total Queue delivery events by type")
	fmt.Fprintln(w, "# TYPE vodforge_queue_events_total counter")
	for _, event := range sortedKeys(r.queueEvents) {
		fmt.Fprintf(w, "vodforge_queue_events_total{event=%q} %d\n", event, r.queueEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_active_jobs Current number of jobs being processed")
	fmt.Fprintln(w, "# TYPE vodforge_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_active_encodes Current number of running encode operations")
	fmt.Fprintln(w, "# TYPE vodforge_active_encodes gauge")
	fmt.Fprintf(w, "vodforge_active_encodes %d\n", r.activeEncodes.Load())
}

func (r *Recorder) sortedEncodeLabels() []EncodeLabel {
	labels := make([]EncodeLabel, 0, len(r.encodeEvents))
	for label := range r.encodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Resolution != labels[j].Resolution {
			return labels[i].Resolution < labels[j].Resolution
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	if gauge.Add(-1) < 0 {
		gauge.Store(0)
	}
}

// Package-level helpers recording against the default Recorder.

func JobStarted()                       { defaultRecorder.JobStarted() }
func JobCompleted(d time.Duration)      { defaultRecorder.JobCompleted(d) }
func JobFailed(d time.Duration)         { defaultRecorder.JobFailed(d) }
func EncodeStarted()                    { defaultRecorder.EncodeStarted() }
func EncodeFinished(res, status string) { defaultRecorder.EncodeFinished(res, status) }
func ObserveQueueEvent(event string)    { defaultRecorder.ObserveQueueEvent(event) }
func Handler() http.Handler             { return defaultRecorder.Handler() }
