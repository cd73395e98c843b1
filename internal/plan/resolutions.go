// Package plan derives the output resolution ladder and per-rendition bitrate
// targets from probed source metadata.
package plan

import (
	"fmt"
	"math"

	"vodforge/internal/models"
)

// standardHeights is the fixed descending ladder of output tiers considered
// below the source height.
var standardHeights = []int{2160, 1440, 1080, 720, 480, 360}

// maxPlannedWidth caps computed widths; anything wider than 4K UHD is dropped
// from the ladder.
const maxPlannedWidth = 3840

// standardAspectRatios maps display-name labels to their numeric ratio. The
// classification is logged as telemetry only and does not influence the
// ladder.
var standardAspectRatios = map[string]float64{
	"16:9": 1.77778,
	"4:3":  1.33333,
	"21:9": 2.33333,
}

// Ladder computes the ordered rendition list for a source. The source
// resolution is always first at its true height; each standard tier strictly
// below the source height follows in descending order, skipping any whose
// computed width would exceed 3840. Widths are forced even for codec
// compatibility.
func Ladder(meta models.SourceMetadata) []models.Rendition {
	aspect := float64(meta.Width) / float64(meta.Height)

	renditions := []models.Rendition{{
		Name:   fmt.Sprintf("%dp", meta.Height),
		Width:  evenWidth(meta.Height, aspect),
		Height: meta.Height,
	}}

	for _, height := range standardHeights {
		if height >= meta.Height {
			continue
		}
		width := evenWidth(height, aspect)
		if width > maxPlannedWidth {
			continue
		}
		renditions = append(renditions, models.Rendition{
			Name:   fmt.Sprintf("%dp", height),
			Width:  width,
			Height: height,
		})
	}
	return renditions
}

// ClassifyAspectRatio returns the standard aspect-ratio label closest to the
// source's ratio. Inert telemetry: callers log it but nothing downstream
// consumes it.
func ClassifyAspectRatio(meta models.SourceMetadata) string {
	aspect := float64(meta.Width) / float64(meta.Height)
	best := "16:9"
	bestDiff := math.Inf(1)
	for _, label := range []string{"16:9", "4:3", "21:9"} {
		diff := math.Abs(standardAspectRatios[label] - aspect)
		if diff < bestDiff {
			bestDiff = diff
			best = label
		}
	}
	return best
}

func evenWidth(height int, aspect float64) int {
	return int(math.Round(float64(height)*aspect/2)) * 2
}
