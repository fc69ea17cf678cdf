// Package scene finds target-content intervals in a video by a coarse sampling
// pass, a batched fine pass around coarse hits, and a merge/filter step that
// turns positive samples into final scenes.
//
// All timestamps are seconds from the start of the source.
package scene

import (
	"context"
	"fmt"
	"image"
	"math"
)

// eps absorbs floating point noise when comparing timestamps.
const eps = 1e-6

// Sample is one scored frame.
type Sample struct {
	Timestamp float64 `json:"timestamp"`
	Score     float64 `json:"score"`
	Positive  bool    `json:"positive"`
}

// Window is a candidate region [Start, End) found by the coarse pass.
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Scene is a finalized [Start, End) interval judged to contain target content.
type Scene struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (s Scene) Duration() float64 {
	return s.End - s.Start
}

// Stats summarises a scene list against the source duration.
type Stats struct {
	NumScenes          int     `json:"numScenes"`
	TotalSceneDuration float64 `json:"totalSceneDuration"`
	VideoDuration      float64 `json:"videoDuration"`
	CoveragePercentage float64 `json:"coveragePercentage"`
}

// ComputeStats derives Stats from scenes. Coverage is 0 for a non-positive
// video duration.
func ComputeStats(scenes []Scene, videoDuration float64) Stats {
	total := 0.0
	for _, s := range scenes {
		total += s.Duration()
	}
	coverage := 0.0
	if videoDuration > 0 {
		coverage = 100 * total / videoDuration
	}
	return Stats{
		NumScenes:          len(scenes),
		TotalSceneDuration: total,
		VideoDuration:      videoDuration,
		CoveragePercentage: coverage,
	}
}

// Summary renders s as the short plain-text block shown to people:
//
//	Scenes Found: 2
//	Total Duration: 15.00s
//	Video Coverage: 25.00%
func (s Stats) Summary() string {
	return fmt.Sprintf("Scenes Found: %d\nTotal Duration: %.2fs\nVideo Coverage: %.2f%%",
		s.NumScenes, s.TotalSceneDuration, s.CoveragePercentage)
}

// Scorer wraps the frame classifier. Scores are in [0,1] and depend only on
// the frame, never on batch membership or order.
type Scorer interface {
	Score(ctx context.Context, frame image.Image) (float64, error)
	ScoreBatch(ctx context.Context, frames []image.Image) ([]float64, error)
}

// FrameSource decodes frames of one source video. It returns an error
// wrapping ErrNoFrame when nothing can be decoded at t.
type FrameSource interface {
	FrameAt(ctx context.Context, t float64) (image.Image, error)
}

// roundTS snaps a timestamp to millisecond precision so grid points computed
// from different windows compare equal.
func roundTS(t float64) float64 {
	return math.Round(t*1000) / 1000
}
