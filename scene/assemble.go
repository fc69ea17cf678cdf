package scene

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// Rules control how positive samples become scenes.
type Rules struct {
	// FineInterval is the spacing of fine samples; positives further apart
	// than this start a new interval.
	FineInterval float64
	// MinGap merges intervals separated by strictly less than this.
	MinGap float64
	// MinSceneDuration drops shorter intervals after merging.
	MinSceneDuration float64
}

type Assembler struct {
	logger zerolog.Logger
	rules  Rules
}

func NewAssembler(logger zerolog.Logger, rules Rules) *Assembler {
	return &Assembler{
		logger: logger.With().Str("component", "assembler").Logger(),
		rules:  rules,
	}
}

// Assemble turns fine samples into the final scene list and its stats. An
// empty result is a *NoScenesError.
func (a *Assembler) Assemble(samples []Sample, videoDuration float64) ([]Scene, Stats, error) {
	ordered := dedupe(samples)

	positives := 0
	for _, s := range ordered {
		if s.Positive {
			positives++
		}
	}

	raw := RawIntervals(ordered, a.rules.FineInterval)
	scenes := Normalize(raw, a.rules.MinGap, a.rules.MinSceneDuration)
	if err := Verify(scenes); err != nil {
		return nil, Stats{}, err
	}

	a.logger.Info().
		Int("positives", positives).
		Int("raw", len(raw)).
		Int("scenes", len(scenes)).
		Msg("scenes assembled")

	if len(scenes) == 0 {
		return nil, Stats{}, &NoScenesError{Positives: positives}
	}
	return scenes, ComputeStats(scenes, videoDuration), nil
}

// dedupe returns samples ordered by timestamp, keeping the first sample seen
// for each millisecond timestamp.
func dedupe(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	n := 0
	for i, s := range out {
		if i > 0 && math.Abs(s.Timestamp-out[n-1].Timestamp) < 0.0005 {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}

// RawIntervals groups runs of positive samples. A run ends at a negative
// sample or when the next positive is more than step (+eps) away. Each
// interval spans its first to its last positive timestamp.
func RawIntervals(samples []Sample, step float64) []Scene {
	var (
		out   []Scene
		cur   Scene
		inRun bool
	)
	for _, s := range samples {
		if !s.Positive {
			if inRun {
				out = append(out, cur)
				inRun = false
			}
			continue
		}
		if inRun && s.Timestamp-cur.End <= step+eps {
			cur.End = s.Timestamp
			continue
		}
		if inRun {
			out = append(out, cur)
		}
		cur = Scene{Start: s.Timestamp, End: s.Timestamp}
		inRun = true
	}
	if inRun {
		out = append(out, cur)
	}
	return out
}

// Normalize merges intervals whose gap is strictly below minGap and then
// drops intervals shorter than minDuration. Applying it to its own output
// returns the same list.
func Normalize(intervals []Scene, minGap, minDuration float64) []Scene {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Scene, len(intervals))
	copy(sorted, intervals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []Scene{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Start-last.End < minGap-eps {
			last.End = math.Max(last.End, iv.End)
			continue
		}
		merged = append(merged, iv)
	}

	kept := merged[:0]
	for _, s := range merged {
		if s.Duration() >= minDuration-eps {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// Verify checks that scenes are well formed, ascending by start and pairwise
// non-overlapping.
func Verify(scenes []Scene) error {
	for i, s := range scenes {
		if s.End < s.Start {
			return fmt.Errorf("scene %d: end %.3f before start %.3f", i, s.End, s.Start)
		}
		if i == 0 {
			continue
		}
		prev := scenes[i-1]
		if s.Start < prev.Start {
			return fmt.Errorf("scene %d: start %.3f not ascending after %.3f", i, s.Start, prev.Start)
		}
		if s.Start < prev.End-eps {
			return fmt.Errorf("scene %d [%.3f, %.3f] overlaps [%.3f, %.3f]", i, s.Start, s.End, prev.Start, prev.End)
		}
	}
	return nil
}
