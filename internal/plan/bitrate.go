package plan

import (
	"fmt"
	"math"

	"vodforge/internal/models"
)

// BitrateRange is the allowed kbps window for one standard tier.
type BitrateRange struct {
	Min int
	Max int
}

// bitrateRanges holds the tuning table per standard tier name.
var bitrateRanges = map[string]BitrateRange{
	"2160p": {Min: 35000, Max: 45000},
	"1440p": {Min: 16000, Max: 24000},
	"1080p": {Min: 8000, Max: 12000},
	"720p":  {Min: 5000, Max: 7500},
	"480p":  {Min: 2500, Max: 4000},
	"360p":  {Min: 1000, Max: 2000},
}

// RangeFor returns the bitrate window for a rendition. Non-standard heights
// snap to the nearest standard tier by absolute height difference.
func RangeFor(r models.Rendition) BitrateRange {
	if rng, ok := bitrateRanges[r.Name]; ok {
		return rng
	}
	closest := 0
	bestDiff := math.MaxInt
	for _, height := range standardHeights {
		diff := height - r.Height
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			closest = height
		}
	}
	return bitrateRanges[fmt.Sprintf("%dp", closest)]
}

// Bitrate computes the target bitrate in kbps for one rendition. The base is
// the midpoint of the tier's range, raised 1.5x for high-frame-rate sources,
// capped by the source bitrate scaled to the target pixel count (with 20%
// headroom), and clamped back into the tier's range.
func Bitrate(r models.Rendition, meta models.SourceMetadata) int {
	rng := RangeFor(r)
	base := float64(rng.Min+rng.Max) / 2

	if meta.FPS > 30 {
		base *= 1.5
	}

	if meta.Pixels() > 0 && meta.BitrateKbps > 0 {
		scale := float64(r.Width*r.Height) / float64(meta.Pixels())
		scaledSource := float64(meta.BitrateKbps) * scale * 1.2
		base = math.Min(base, scaledSource)
	}

	base = math.Max(float64(rng.Min), math.Min(float64(rng.Max), base))
	return int(math.Round(base))
}
