// Package worker connects the job queue to the transcode pipeline. The
// dispatcher owns delivery acknowledgement; the pipeline owns everything
// between a claimed job and a terminal video status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vodforge/internal/encode"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/plan"
	"vodforge/internal/storage"
)

// Prober extracts source metadata from an uploaded file.
type Prober interface {
	Probe(ctx context.Context, path string) (models.SourceMetadata, error)
}

// Thumbnailer captures a poster frame from the source.
type Thumbnailer interface {
	Generate(ctx context.Context, inputPath, outputPath string) error
}

// Encoder produces every planned rendition for one job.
type Encoder interface {
	EncodeAll(ctx context.Context, videoID, inputPath, outputDir string, renditions []models.Rendition, meta models.SourceMetadata, tracker *encode.Tracker) error
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Prober      Prober
	Thumbnailer Thumbnailer
	Encoder     Encoder
	Repository  storage.Repository
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
	OutputRoot  string
}

// Pipeline processes one transcode job end to end: claim the video row,
// probe the source, plan the ladder, capture a thumbnail, encode every
// rendition, then settle the terminal status. A job either finishes with
// every rendition persisted or leaves no output behind.
type Pipeline struct {
	prober     Prober
	thumbs     Thumbnailer
	encoder    Encoder
	repo       storage.Repository
	recorder   *metrics.Recorder
	logger     *slog.Logger
	outputRoot string
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	root := cfg.OutputRoot
	if root == "" {
		root = "encoded"
	}
	return &Pipeline{
		prober:     cfg.Prober,
		thumbs:     cfg.Thumbnailer,
		encoder:    cfg.Encoder,
		repo:       cfg.Repository,
		recorder:   recorder,
		logger:     logger,
		outputRoot: root,
	}
}

// Process runs the whole pipeline for one job. On any failure the video is
// marked FAILED and the partial output directory is removed; the uploaded
// source is kept so the job can be inspected or resubmitted.
func (p *Pipeline) Process(ctx context.Context, job models.Job) error {
	ctx = logging.ContextWithVideoID(ctx, job.VideoID)
	logger := p.logger.With("video_id", job.VideoID)
	start := time.Now()
	p.recorder.JobStarted()

	if err := p.run(ctx, job, logger); err != nil {
		p.recorder.JobFailed(time.Since(start))
		p.settleFailure(ctx, job, logger, err)
		return err
	}
	p.recorder.JobCompleted(time.Since(start))
	return nil
}

func (p *Pipeline) run(ctx context.Context, job models.Job, logger *slog.Logger) error {
	if err := p.repo.MarkVideoStatus(ctx, job.VideoID, models.StatusProcessing); err != nil {
		return fmt.Errorf("claim video: %w", err)
	}

	meta, err := p.prober.Probe(ctx, job.StoragePath)
	if err != nil {
		return err
	}
	if err := p.repo.RecordSourceMetadata(ctx, job.VideoID, job.UserID, meta); err != nil {
		return fmt.Errorf("record source metadata: %w", err)
	}

	renditions := plan.Ladder(meta)
	names := make([]string, len(renditions))
	for i, r := range renditions {
		names[i] = r.Name
	}
	logger.Info("ladder planned",
		"source_width", meta.Width,
		"source_height", meta.Height,
		"source_bitrate_kbps", meta.BitrateKbps,
		"fps", meta.FPS,
		"duration_seconds", meta.Duration,
		"aspect_ratio", plan.ClassifyAspectRatio(meta),
		"renditions", names,
	)

	outputDir := p.outputDir(job.VideoID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if err := p.thumbs.Generate(ctx, job.StoragePath, filepath.Join(outputDir, "thumbnail.jpg")); err != nil {
		return fmt.Errorf("generate thumbnail: %w", err)
	}

	tracker := encode.NewTracker(job.VideoID, len(renditions), logger)
	tracker.Start()
	if err := p.encoder.EncodeAll(ctx, job.VideoID, job.StoragePath, outputDir, renditions, meta, tracker); err != nil {
		tracker.Error(failedResolution(err), err)
		return err
	}
	tracker.Completed()

	if err := p.repo.MarkVideoStatus(ctx, job.VideoID, models.StatusCompleted); err != nil {
		return fmt.Errorf("mark video completed: %w", err)
	}

	// The source is only disposable once every rendition is durable.
	if err := os.Remove(job.StoragePath); err != nil {
		logger.Warn("source cleanup failed", "path", job.StoragePath, "error", err)
	}
	return nil
}

// settleFailure records the terminal status and removes partial output. It
// runs on a detached context so a cancelled job still settles.
func (p *Pipeline) settleFailure(ctx context.Context, job models.Job, logger *slog.Logger, cause error) {
	ctx = context.WithoutCancel(ctx)

	if err := p.repo.MarkVideoStatus(ctx, job.VideoID, models.StatusFailed); err != nil {
		logger.Error("failed to mark video failed", "error", err)
	}
	outputDir := p.outputDir(job.VideoID)
	if err := os.RemoveAll(outputDir); err != nil {
		logger.Warn("partial output cleanup failed", "path", outputDir, "error", err)
	}
	logger.Error("job failed", "error", cause)
}

func (p *Pipeline) outputDir(videoID string) string {
	return filepath.Join(p.outputRoot, videoID)
}

// failedResolution pulls the rendition name out of an encode failure, if the
// error carries one.
func failedResolution(err error) string {
	var encodeErr *encode.EncodeError
	if errors.As(err, &encodeErr) {
		return encodeErr.Resolution
	}
	var timeoutErr *encode.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Resolution
	}
	return ""
}
