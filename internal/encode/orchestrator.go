package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/plan"
	"vodforge/internal/storage"
)

const (
	// Wall-clock budgets per rendition, by tier.
	hdEncodeBudget = 30 * time.Minute
	sdEncodeBudget = 20 * time.Minute

	// Progress is clamped here while the encoder is still running; the last
	// five points are reserved for output verification.
	runningProgressCap = 95

	// A rendition killed past this point is still recorded as complete when
	// its output verifies. See the tests before changing this.
	graceThreshold = 90
)

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Transcoder Transcoder
	Repository storage.Repository
	Recorder   *metrics.Recorder
	Logger     *slog.Logger
	HDBudget   time.Duration
	SDBudget   time.Duration
}

// Orchestrator fans one job out into independent per-rendition transcode
// operations and reduces their outcomes into a single all-or-nothing result.
type Orchestrator struct {
	transcoder Transcoder
	repo       storage.Repository
	recorder   *metrics.Recorder
	logger     *slog.Logger
	hdBudget   time.Duration
	sdBudget   time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	hd := cfg.HDBudget
	if hd <= 0 {
		hd = hdEncodeBudget
	}
	sd := cfg.SDBudget
	if sd <= 0 {
		sd = sdEncodeBudget
	}
	return &Orchestrator{
		transcoder: cfg.Transcoder,
		repo:       cfg.Repository,
		recorder:   recorder,
		logger:     logger,
		hdBudget:   hd,
		sdBudget:   sd,
	}
}

// EncodeAll runs one transcode operation per planned rendition, all
// concurrently. The first failure cancels every still-running sibling; the
// job succeeds only when every rendition produced a verified output. Partial
// successes are never authoritative; the caller discards the whole output
// directory on error.
func (o *Orchestrator) EncodeAll(ctx context.Context, videoID, inputPath, outputDir string, renditions []models.Rendition, meta models.SourceMetadata, tracker *Tracker) error {
	handles := newHandleSet()
	defer handles.KillAll()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, rendition := range renditions {
		group.Go(func() error {
			return o.encodeOne(groupCtx, videoID, inputPath, outputDir, rendition, meta, tracker, handles)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) encodeOne(ctx context.Context, videoID, inputPath, outputDir string, rendition models.Rendition, meta models.SourceMetadata, tracker *Tracker, handles *handleSet) error {
	budget := o.sdBudget
	if rendition.Height >= 1080 {
		budget = o.hdBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	spec := Spec{
		InputPath:   inputPath,
		OutputPath:  filepath.Join(outputDir, rendition.Name+".mp4"),
		Rendition:   rendition,
		BitrateKbps: plan.Bitrate(rendition, meta),
		Settings:    SettingsFor(meta, rendition),
		Duration:    meta.Duration,
	}
	o.logger.Info("starting encode",
		"video_id", videoID,
		"resolution", rendition.Name,
		"width", rendition.Width,
		"height", rendition.Height,
		"bitrate_kbps", spec.BitrateKbps,
		"profile", spec.Settings.Profile,
		"pix_fmt", spec.Settings.PixelFormat,
		"preset", spec.Settings.Preset,
		"threads", spec.Settings.Threads,
	)

	handle, err := o.transcoder.Start(ctx, spec)
	if err != nil {
		return &EncodeError{Resolution: rendition.Name, Reason: "start encoder", Err: err}
	}
	handles.Add(rendition.Name, handle)
	defer handles.Remove(rendition.Name)

	o.recorder.EncodeStarted()

	// Forward strictly increasing ticks, clamped below 95 while running.
	lastForwarded := 0
	for pct := range handle.Progress() {
		current := int(pct)
		if current > runningProgressCap {
			current = runningProgressCap
		}
		if current <= lastForwarded {
			continue
		}
		lastForwarded = current
		o.reportProgress(ctx, videoID, rendition.Name, current, tracker)
	}

	waitErr := handle.Wait()
	if waitErr != nil {
		handle.Kill()
		// Compensating shortcut: a kill this close to the end still counts
		// as a completed rendition when the file verifies.
		if lastForwarded > graceThreshold {
			// The rendition's context is already dead here; the completion
			// write must not inherit its cancellation.
			if err := o.finalize(context.WithoutCancel(ctx), videoID, spec, tracker); err == nil {
				o.logger.Warn("encode terminated past grace threshold, keeping output",
					"video_id", videoID,
					"resolution", rendition.Name,
					"last_percent", lastForwarded,
					"cause", waitErr,
				)
				o.recorder.EncodeFinished(rendition.Name, "grace")
				return nil
			}
		}
		if errors.Is(waitErr, context.DeadlineExceeded) {
			o.recorder.EncodeFinished(rendition.Name, "timeout")
			return &TimeoutError{Resolution: rendition.Name, Budget: budget}
		}
		o.recorder.EncodeFinished(rendition.Name, "failed")
		return &EncodeError{Resolution: rendition.Name, Reason: "encoder failed", Err: waitErr}
	}

	if err := o.finalize(ctx, videoID, spec, tracker); err != nil {
		o.recorder.EncodeFinished(rendition.Name, "failed")
		return err
	}
	o.recorder.EncodeFinished(rendition.Name, "completed")
	return nil
}

// finalize verifies the output file and writes the completion record. The
// progress row moves to 100 only here. A persistence failure on the
// completion record aborts the rendition: success must be durable before the
// job can finish.
func (o *Orchestrator) finalize(ctx context.Context, videoID string, spec Spec, tracker *Tracker) error {
	name := spec.Rendition.Name
	info, err := os.Stat(spec.OutputPath)
	if err != nil {
		return &EncodeError{Resolution: name, Reason: "output file missing", Err: err}
	}
	if info.Size() == 0 {
		return &EncodeError{Resolution: name, Reason: "output file is empty"}
	}

	o.reportProgress(ctx, videoID, name, 100, tracker)

	encoded := models.EncodedVideo{
		VideoID:     videoID,
		Resolution:  name,
		FilePath:    spec.OutputPath,
		FileSize:    info.Size(),
		Width:       spec.Rendition.Width,
		Height:      spec.Rendition.Height,
		BitrateKbps: spec.BitrateKbps,
	}
	if err := o.repo.InsertEncodedVideo(ctx, encoded); err != nil {
		return fmt.Errorf("persist completion record for %s: %w", name, err)
	}
	return nil
}

// reportProgress updates the tracker and the persisted row. Progress writes
// are best-effort: a failed upsert is logged and swallowed so a flaky
// database cannot abort an otherwise healthy encode.
func (o *Orchestrator) reportProgress(ctx context.Context, videoID, resolution string, percent int, tracker *Tracker) {
	tracker.Record(resolution, percent)
	if err := o.repo.UpsertEncodingProgress(ctx, videoID, resolution, percent); err != nil {
		o.logger.Warn("progress update failed",
			"video_id", videoID,
			"resolution", resolution,
			"percent", percent,
			"error", err,
		)
	}
}

// handleSet owns the cancellable process handles for one EncodeAll
// invocation, keyed by rendition name. Scoped per invocation so two
// concurrent jobs can never alias handles.
type handleSet struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func newHandleSet() *handleSet {
	return &handleSet{handles: make(map[string]Handle)}
}

func (s *handleSet) Add(name string, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[name] = h
}

func (s *handleSet) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, name)
}

// KillAll terminates every still-registered operation.
func (s *handleSet) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, h := range s.handles {
		h.Kill()
		delete(s.handles, name)
	}
}
