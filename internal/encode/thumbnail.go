package encode

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const (
	thumbnailOffset = "00:00:02"
	thumbnailScale  = "scale=1280:720"
)

// ThumbnailGenerator extracts the single preview frame for a job. Thumbnail
// failure is fatal to the whole job; there is no silent skip.
type ThumbnailGenerator struct {
	binary string
	logger *slog.Logger
}

func NewThumbnailGenerator(binary string, logger *slog.Logger) *ThumbnailGenerator {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailGenerator{binary: binary, logger: logger}
}

// Generate grabs one frame two seconds into the source at a fixed 1280x720
// output size, independent of the resolution ladder.
func (g *ThumbnailGenerator) Generate(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, g.binary,
		"-y",
		"-ss", thumbnailOffset,
		"-i", inputPath,
		"-frames:v", "1",
		"-vf", thumbnailScale,
		outputPath,
	)
	cmd.Stderr = newLineWriter(g.logger, "thumbnail")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("generate thumbnail for %s: %w", inputPath, err)
	}
	return nil
}
