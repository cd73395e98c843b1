package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodforge/internal/encode"
	"vodforge/internal/models"
	"vodforge/internal/storage"
)

type fakeProber struct {
	meta   models.SourceMetadata
	err    error
	called bool
}

func (f *fakeProber) Probe(_ context.Context, _ string) (models.SourceMetadata, error) {
	f.called = true
	if f.err != nil {
		return models.SourceMetadata{}, f.err
	}
	return f.meta, nil
}

type fakeThumbnailer struct {
	err        error
	outputPath string
}

func (f *fakeThumbnailer) Generate(_ context.Context, _, outputPath string) error {
	f.outputPath = outputPath
	return f.err
}

type fakeEncoder struct {
	err        error
	renditions []models.Rendition
	outputDir  string
	run        func(outputDir string) error
}

func (f *fakeEncoder) EncodeAll(_ context.Context, _, _, outputDir string, renditions []models.Rendition, _ models.SourceMetadata, _ *encode.Tracker) error {
	f.renditions = renditions
	f.outputDir = outputDir
	if f.run != nil {
		return f.run(outputDir)
	}
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sourceMeta() models.SourceMetadata {
	return models.SourceMetadata{
		Duration:    120,
		Width:       1920,
		Height:      1080,
		BitrateKbps: 8000,
		FPS:         30,
		Codec:       "h264",
		PixelFormat: "yuv420p",
	}
}

func writeSourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func newTestPipeline(t *testing.T, repo storage.Repository, prober Prober, thumbs Thumbnailer, enc Encoder) (*Pipeline, string) {
	t.Helper()
	outputRoot := t.TempDir()
	pipeline := NewPipeline(PipelineConfig{
		Prober:      prober,
		Thumbnailer: thumbs,
		Encoder:     enc,
		Repository:  repo,
		Logger:      testLogger(),
		OutputRoot:  outputRoot,
	})
	return pipeline, outputRoot
}

func TestPipelineSuccess(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1"})
	source := writeSourceFile(t)

	prober := &fakeProber{meta: sourceMeta()}
	thumbs := &fakeThumbnailer{}
	enc := &fakeEncoder{}
	pipeline, outputRoot := newTestPipeline(t, repo, prober, thumbs, enc)

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	video, err := repo.GetVideo(t.Context(), "vid-1")
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if video.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", video.Status)
	}
	if video.OriginalWidth != 1920 || video.OriginalHeight != 1080 {
		t.Fatalf("source metadata not recorded: %+v", video)
	}
	if video.UserID != "user-1" {
		t.Fatalf("user not recorded: %q", video.UserID)
	}
	if _, err := os.Stat(source); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected source file to be removed after success")
	}
	if want := filepath.Join(outputRoot, "vid-1", "thumbnail.jpg"); thumbs.outputPath != want {
		t.Fatalf("thumbnail path = %q, want %q", thumbs.outputPath, want)
	}
	if len(enc.renditions) == 0 || enc.renditions[0].Name != "1080p" {
		t.Fatalf("unexpected ladder: %+v", enc.renditions)
	}
}

func TestPipelineProbeFailureMarksFailed(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1"})
	source := writeSourceFile(t)

	prober := &fakeProber{err: errors.New("no video stream")}
	enc := &fakeEncoder{}
	pipeline, outputRoot := newTestPipeline(t, repo, prober, &fakeThumbnailer{}, enc)

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); err == nil {
		t.Fatal("expected probe failure")
	}

	video, _ := repo.GetVideo(t.Context(), "vid-1")
	if video.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", video.Status)
	}
	if _, err := os.Stat(source); err != nil {
		t.Fatal("source must be retained on failure")
	}
	if _, err := os.Stat(filepath.Join(outputRoot, "vid-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected no output directory after probe failure")
	}
	if enc.outputDir != "" {
		t.Fatal("encoder must not run after probe failure")
	}
}

func TestPipelineEncodeFailureRemovesPartialOutput(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1"})
	source := writeSourceFile(t)

	enc := &fakeEncoder{
		run: func(outputDir string) error {
			// Leave a partial rendition behind, as a failed encode would.
			if err := os.WriteFile(filepath.Join(outputDir, "720p.mp4"), []byte("partial"), 0o644); err != nil {
				return err
			}
			return errors.New("encoder exited with code 1")
		},
	}
	pipeline, outputRoot := newTestPipeline(t, repo, &fakeProber{meta: sourceMeta()}, &fakeThumbnailer{}, enc)

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); err == nil {
		t.Fatal("expected encode failure")
	}

	video, _ := repo.GetVideo(t.Context(), "vid-1")
	if video.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", video.Status)
	}
	if _, err := os.Stat(filepath.Join(outputRoot, "vid-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected partial output directory to be removed")
	}
	if _, err := os.Stat(source); err != nil {
		t.Fatal("source must be retained on failure")
	}
}

func TestPipelineEncodeFailureLogsRenditionContext(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1"})
	source := writeSourceFile(t)

	var logs bytes.Buffer
	enc := &fakeEncoder{err: &encode.EncodeError{Resolution: "720p", Reason: "exit status 1"}}
	pipeline := NewPipeline(PipelineConfig{
		Prober:      &fakeProber{meta: sourceMeta()},
		Thumbnailer: &fakeThumbnailer{},
		Encoder:     enc,
		Repository:  repo,
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
		OutputRoot:  t.TempDir(),
	})

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); err == nil {
		t.Fatal("expected encode failure")
	}

	out := logs.String()
	if !strings.Contains(out, "processing failed") {
		t.Fatalf("missing failure record in logs:\n%s", out)
	}
	if !strings.Contains(out, "resolution=720p") {
		t.Fatalf("failure record lacks rendition context:\n%s", out)
	}
	if !strings.Contains(out, "elapsed_seconds=") {
		t.Fatalf("failure record lacks elapsed time:\n%s", out)
	}
}

func TestFailedResolution(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"encode error", &encode.EncodeError{Resolution: "1080p", Reason: "bad exit"}, "1080p"},
		{"timeout error", &encode.TimeoutError{Resolution: "480p", Budget: time.Minute}, "480p"},
		{"wrapped encode error", fmt.Errorf("job: %w", &encode.EncodeError{Resolution: "360p", Reason: "x"}), "360p"},
		{"plain error", errors.New("disk full"), ""},
	}
	for _, tc := range cases {
		if got := failedResolution(tc.err); got != tc.want {
			t.Errorf("%s: failedResolution = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPipelineThumbnailFailureIsFatal(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1"})
	source := writeSourceFile(t)

	enc := &fakeEncoder{}
	thumbs := &fakeThumbnailer{err: errors.New("could not seek")}
	pipeline, _ := newTestPipeline(t, repo, &fakeProber{meta: sourceMeta()}, thumbs, enc)

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); err == nil {
		t.Fatal("expected thumbnail failure")
	}
	if enc.outputDir != "" {
		t.Fatal("encoder must not run after thumbnail failure")
	}
	video, _ := repo.GetVideo(t.Context(), "vid-1")
	if video.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", video.Status)
	}
}

func TestPipelineSkipsVideoInTerminalState(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.PutVideo(models.Video{ID: "vid-1", Status: models.StatusCompleted})
	source := writeSourceFile(t)

	prober := &fakeProber{meta: sourceMeta()}
	pipeline, _ := newTestPipeline(t, repo, prober, &fakeThumbnailer{}, &fakeEncoder{})

	job := models.Job{VideoID: "vid-1", StoragePath: source, UserID: "user-1"}
	err := pipeline.Process(t.Context(), job)
	if !errors.Is(err, storage.ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
	if prober.called {
		t.Fatal("probe must not run for a terminal video")
	}
}

func TestPipelineUnknownVideo(t *testing.T) {
	repo := storage.NewMemoryRepository()
	source := writeSourceFile(t)

	pipeline, _ := newTestPipeline(t, repo, &fakeProber{meta: sourceMeta()}, &fakeThumbnailer{}, &fakeEncoder{})

	job := models.Job{VideoID: "vid-missing", StoragePath: source, UserID: "user-1"}
	if err := pipeline.Process(t.Context(), job); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
