// Package probe extracts technical metadata from an uploaded source file via
// a single ffprobe invocation.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"vodforge/internal/models"
)

// InputError marks a source file that cannot be processed: unreadable, empty,
// missing a video stream, or reporting nonsensical dimensions or duration.
// Jobs failing with an InputError never start an encode.
type InputError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("input %s: %s", e.Path, e.Reason)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Prober runs ffprobe against local files. The zero value is not usable; use
// New.
type Prober struct {
	binary string
}

// New returns a Prober using the given ffprobe binary, or "ffprobe" from PATH
// when empty.
func New(binary string) *Prober {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary}
}

// Probe inspects path and returns its source metadata. It runs exactly one
// ffprobe call per job, before any planning happens.
func (p *Prober) Probe(ctx context.Context, path string) (models.SourceMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "not accessible", Err: err}
	}
	if info.Size() == 0 {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "file is empty"}
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "ffprobe failed", Err: err}
	}
	return ParseJSON(path, out)
}

// ParseJSON converts raw ffprobe JSON output into source metadata. Exported
// for testing without a real ffprobe binary.
func ParseJSON(path string, data []byte) (models.SourceMetadata, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "parse ffprobe output", Err: err}
	}

	var video *ffprobeStream
	for i := range raw.Streams {
		if raw.Streams[i].CodecType == "video" {
			video = &raw.Streams[i]
			break
		}
	}
	if video == nil {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "no video stream found"}
	}

	duration := parseFloat(raw.Format.Duration)
	bitrate := parseInt64(video.BitRate)
	if bitrate <= 0 {
		bitrate = parseInt64(raw.Format.BitRate)
	}

	meta := models.SourceMetadata{
		Duration:    duration,
		Width:       video.Width,
		Height:      video.Height,
		BitrateKbps: int(bitrate / 1000),
		FPS:         parseFrameRate(video.RFrameRate),
		Codec:       video.CodecName,
		PixelFormat: video.PixFmt,
		Profile:     video.Profile,
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: fmt.Sprintf("invalid dimensions %dx%d", meta.Width, meta.Height)}
	}
	if meta.Duration <= 0 {
		return models.SourceMetadata{}, &InputError{Path: path, Reason: "invalid duration"}
	}
	return meta, nil
}

// ffprobe JSON wire types.

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Profile    string `json:"profile"`
	PixFmt     string `json:"pix_fmt"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BitRate    string `json:"bit_rate"`
	RFrameRate string `json:"r_frame_rate"`
}

// parseFrameRate evaluates ffprobe's "num/den" rational frame rate.
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n := parseFloat(num)
		d := parseFloat(den)
		if d == 0 {
			return 0
		}
		return n / d
	}
	return parseFloat(s)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
