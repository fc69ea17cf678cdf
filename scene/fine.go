package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"scenereel/telemetry"
)

// FineScanner re-samples candidate windows at a narrow interval. Frames are
// scored in batches purely for throughput.
type FineScanner struct {
	logger    zerolog.Logger
	scorer    Scorer
	interval  float64
	batchSize int
	threshold float64
}

func NewFineScanner(logger zerolog.Logger, scorer Scorer, interval float64, batchSize int, threshold float64) *FineScanner {
	if batchSize < 1 {
		batchSize = 1
	}
	return &FineScanner{
		logger:    logger.With().Str("component", "fine-scan").Logger(),
		scorer:    scorer,
		interval:  interval,
		batchSize: batchSize,
		threshold: threshold,
	}
}

// MergeWindows sorts windows by start and joins the ones that overlap or touch.
func MergeWindows(windows []Window) []Window {
	if len(windows) == 0 {
		return nil
	}
	sorted := make([]Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &merged[len(merged)-1]
		if w.Start <= last.End+eps {
			last.End = math.Max(last.End, w.End)
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

// Timestamps lists the fine sample points of the merged windows, ascending and
// without duplicates.
func (f *FineScanner) Timestamps(windows []Window) []float64 {
	seen := make(map[int64]struct{})
	var out []float64
	for _, w := range MergeWindows(windows) {
		for k := 0; ; k++ {
			t := roundTS(w.Start + float64(k)*f.interval)
			if t >= w.End-eps {
				break
			}
			key := int64(math.Round(t * 1000))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Float64s(out)
	return out
}

// Scan scores every fine timestamp inside windows and returns the samples in
// time order.
func (f *FineScanner) Scan(ctx context.Context, src FrameSource, windows []Window) ([]Sample, error) {
	timestamps := f.Timestamps(windows)
	samples := make([]Sample, 0, len(timestamps))

	for i := 0; i < len(timestamps); i += f.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+f.batchSize, len(timestamps))

		frames := make([]image.Image, 0, end-i)
		times := make([]float64, 0, end-i)
		for _, t := range timestamps[i:end] {
			frame, err := src.FrameAt(ctx, t)
			if err != nil {
				if errors.Is(err, ErrNoFrame) {
					f.logger.Debug().Float64("t", t).Msg("no frame, skipping sample")
					continue
				}
				return nil, err
			}
			frames = append(frames, frame)
			times = append(times, t)
		}
		if len(frames) == 0 {
			continue
		}

		scores, err := f.scorer.ScoreBatch(ctx, frames)
		if err != nil {
			return nil, &ScoringError{Pass: "fine", Timestamp: times[0], Err: err}
		}
		if len(scores) != len(frames) {
			return nil, &ScoringError{
				Pass:      "fine",
				Timestamp: times[0],
				Err:       fmt.Errorf("scorer returned %d scores for %d frames", len(scores), len(frames)),
			}
		}
		telemetry.FramesScored.WithLabelValues("fine").Add(float64(len(frames)))

		for j, score := range scores {
			samples = append(samples, Sample{
				Timestamp: times[j],
				Score:     score,
				Positive:  score >= f.threshold,
			})
		}
	}

	f.logger.Info().
		Int("windows", len(windows)).
		Int("samples", len(samples)).
		Msg("fine scan complete")
	return samples, nil
}
