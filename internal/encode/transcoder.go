package encode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Transcoder starts independent transcode operations. Implementations wrap a
// specific video-processing binary so the orchestration logic never depends
// on its callback shape.
type Transcoder interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is one running transcode operation. Progress delivers percentage
// events (0-100, not deduplicated); the channel closes when the operation
// stops emitting. Wait blocks until the underlying process exits and reports
// its terminal error. Kill forcibly terminates the process; it is safe to
// call more than once.
type Handle interface {
	Progress() <-chan float64
	Wait() error
	Kill()
}

// FFmpegTranscoder runs ffmpeg with -progress reporting on stdout.
type FFmpegTranscoder struct {
	binary string
	logger *slog.Logger
}

// NewFFmpegTranscoder returns a Transcoder using the given ffmpeg binary, or
// "ffmpeg" from PATH when empty.
func NewFFmpegTranscoder(binary string, logger *slog.Logger) *FFmpegTranscoder {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegTranscoder{binary: binary, logger: logger}
}

func (t *FFmpegTranscoder) Start(ctx context.Context, spec Spec) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, t.binary, spec.Args()...)
	cmd.Stderr = newLineWriter(t.logger, spec.Rendition.Name)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", t.binary, err)
	}

	h := &ffmpegHandle{
		cancel:   cancel,
		progress: make(chan float64, 16),
		done:     make(chan struct{}),
	}
	go h.parseProgress(stdout, spec.Duration)
	go func() {
		err := cmd.Wait()
		if ctxErr := runCtx.Err(); ctxErr != nil && err != nil {
			err = ctxErr
		}
		h.err = err
		close(h.done)
		cancel()
	}()
	return h, nil
}

type ffmpegHandle struct {
	cancel   context.CancelFunc
	progress chan float64
	done     chan struct{}
	err      error

	killOnce sync.Once
}

func (h *ffmpegHandle) Progress() <-chan float64 {
	return h.progress
}

func (h *ffmpegHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *ffmpegHandle) Kill() {
	h.killOnce.Do(h.cancel)
}

// parseProgress consumes ffmpeg's -progress key=value output. Each batch ends
// with a "progress=continue" or "progress=end" marker; out_time values within
// the batch are converted into a percentage of the source duration.
func (h *ffmpegHandle) parseProgress(r io.Reader, duration float64) {
	defer close(h.progress)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var outTimeSeconds float64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				outTimeSeconds = float64(us) / 1e6
			}
		case "out_time":
			if secs, ok := parseClock(value); ok {
				outTimeSeconds = secs
			}
		case "progress":
			if duration <= 0 {
				continue
			}
			pct := outTimeSeconds / duration * 100
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			select {
			case h.progress <- pct:
			default:
				// Drop the tick rather than stall the encoder pipe.
			}
		}
	}
}

// parseClock parses ffmpeg's "HH:MM:SS.micros" timestamps.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}

// lineWriter forwards process stderr to the structured logger one trimmed
// line at a time.
type lineWriter struct {
	logger     *slog.Logger
	resolution string
}

func newLineWriter(logger *slog.Logger, resolution string) *lineWriter {
	return &lineWriter{logger: logger, resolution: resolution}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Warn("ffmpeg stderr", "resolution", w.resolution, "line", string(line))
	}
	return total, nil
}
