package scene

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// stamped is a 1x1 frame that remembers where in the source it came from.
type stamped struct {
	*image.Gray
	t float64
}

func frameAt(t float64) image.Image {
	return stamped{Gray: image.NewGray(image.Rect(0, 0, 1, 1)), t: t}
}

// mockSource decodes stamped frames; frameErr lets a test fail chosen timestamps.
type mockSource struct {
	frameErr func(t float64) error

	mu    sync.Mutex
	calls []float64
}

func (m *mockSource) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	m.mu.Lock()
	m.calls = append(m.calls, t)
	m.mu.Unlock()
	if m.frameErr != nil {
		if err := m.frameErr(t); err != nil {
			return nil, err
		}
	}
	return frameAt(t), nil
}

// mockScorer scores a stamped frame by its timestamp.
type mockScorer struct {
	scoreFunc func(t float64) (float64, error)

	mu      sync.Mutex
	batches []int
}

func (m *mockScorer) Score(ctx context.Context, frame image.Image) (float64, error) {
	scores, err := m.ScoreBatch(ctx, []image.Image{frame})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

func (m *mockScorer) ScoreBatch(ctx context.Context, frames []image.Image) ([]float64, error) {
	m.mu.Lock()
	m.batches = append(m.batches, len(frames))
	m.mu.Unlock()

	out := make([]float64, len(frames))
	for i, f := range frames {
		s, ok := f.(stamped)
		if !ok {
			return nil, fmt.Errorf("unexpected frame type %T", f)
		}
		score, err := m.scoreFunc(s.t)
		if err != nil {
			return nil, err
		}
		out[i] = score
	}
	return out, nil
}

// inRanges scores 0.9 inside any closed [lo, hi] range and 0.1 elsewhere.
func inRanges(ranges ...[2]float64) func(float64) (float64, error) {
	return func(t float64) (float64, error) {
		for _, r := range ranges {
			if t >= r[0]-1e-9 && t <= r[1]+1e-9 {
				return 0.9, nil
			}
		}
		return 0.1, nil
	}
}
