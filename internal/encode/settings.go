package encode

import (
	"fmt"
	"strconv"
	"strings"

	"vodforge/internal/models"
)

// Settings is the deterministic x264 parameter selection for one rendition.
type Settings struct {
	Profile     string
	PixelFormat string
	Preset      string
	Threads     int
}

// SettingsFor derives encoder settings from the source chroma/profile and the
// target height. High-chroma outputs are only produced at 1080 lines and
// above; everything below is forced to main/yuv420p for playback
// compatibility.
func SettingsFor(meta models.SourceMetadata, r models.Rendition) Settings {
	pixFmt := strings.ToLower(meta.PixelFormat)
	inProfile := strings.ToLower(meta.Profile)

	s := Settings{Profile: "high", PixelFormat: "yuv420p"}
	switch {
	case strings.Contains(pixFmt, "444") || strings.Contains(inProfile, "444"):
		if r.Height >= 1080 {
			s.Profile = "high444"
			s.PixelFormat = "yuv444p"
		}
	case strings.Contains(pixFmt, "422") || strings.Contains(inProfile, "422"):
		if r.Height >= 1080 {
			s.Profile = "high422"
			s.PixelFormat = "yuv422p"
		}
	}
	if r.Height < 1080 {
		s.Profile = "main"
		s.PixelFormat = "yuv420p"
	}

	s.Threads = threadsFor(r.Height)
	s.Preset = presetFor(r.Height)
	return s
}

// threadsFor allocates encoder threads by resolution tier.
func threadsFor(height int) int {
	switch {
	case height >= 2160:
		return 4
	case height >= 1440:
		return 3
	case height >= 1080:
		return 2
	default:
		return 1
	}
}

// presetFor trades quality for throughput as resolution drops.
func presetFor(height int) string {
	switch {
	case height >= 2160:
		return "slow"
	case height >= 1440:
		return "medium"
	case height >= 1080:
		return "fast"
	default:
		return "veryfast"
	}
}

// Spec fully describes one rendition's transcode operation.
type Spec struct {
	InputPath   string
	OutputPath  string
	Rendition   models.Rendition
	BitrateKbps int
	Settings    Settings
	// Duration is the source duration in seconds, used to translate encoder
	// timestamps into percentages.
	Duration float64
}

// Args builds the ffmpeg argument list: scale-to-fit plus centered padding to
// the exact target box, capped VBV bitrate control, normalized stereo audio,
// and a streamable container with the index moved to the front.
func (s Spec) Args() []string {
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease:flags=lanczos,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		s.Rendition.Width, s.Rendition.Height, s.Rendition.Width, s.Rendition.Height,
	)
	return []string{
		"-y",
		"-i", s.InputPath,
		"-c:v", "libx264",
		"-profile:v", s.Settings.Profile,
		"-pix_fmt", s.Settings.PixelFormat,
		"-preset", s.Settings.Preset,
		"-threads", strconv.Itoa(s.Settings.Threads),
		"-b:v", fmt.Sprintf("%dk", s.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", s.BitrateKbps*3/2),
		"-bufsize", fmt.Sprintf("%dk", s.BitrateKbps*2),
		"-vf", filter,
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-ar", "48000",
		"-movflags", "+faststart",
		"-nostats",
		"-v", "error",
		"-progress", "pipe:1",
		s.OutputPath,
	}
}
