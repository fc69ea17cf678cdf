// Package classifier turns image/text similarity backends into the scalar
// frame score used by scene detection.
package classifier

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/rs/zerolog"

	"scenereel/telemetry"
)

// Judgement is a backend's view of one frame: the best similarity against the
// positive prompt set and against the negative one.
type Judgement struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
}

// Backend compares frames with the configured prompts. It must return one
// Judgement per frame, in order.
type Backend interface {
	Judge(ctx context.Context, frames []image.Image) ([]Judgement, error)
}

// Adapter implements scene.Scorer on top of a Backend.
type Adapter struct {
	logger  zerolog.Logger
	backend Backend
	sem     chan struct{}
}

// NewAdapter wraps backend. At most concurrency calls reach the backend at
// once; values below 1 mean 1.
func NewAdapter(logger zerolog.Logger, backend Backend, concurrency int) *Adapter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Adapter{
		logger:  logger.With().Str("component", "scorer").Logger(),
		backend: backend,
		sem:     make(chan struct{}, concurrency),
	}
}

func (a *Adapter) Score(ctx context.Context, frame image.Image) (float64, error) {
	scores, err := a.ScoreBatch(ctx, []image.Image{frame})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

func (a *Adapter) ScoreBatch(ctx context.Context, frames []image.Image) ([]float64, error) {
	if len(frames) == 0 {
		return nil, nil
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.sem }()

	telemetry.ScorerBatchSize.Observe(float64(len(frames)))
	judgements, err := a.backend.Judge(ctx, frames)
	if err != nil {
		telemetry.ScorerErrors.Inc()
		return nil, fmt.Errorf("judge %d frames: %w", len(frames), err)
	}
	if len(judgements) != len(frames) {
		telemetry.ScorerErrors.Inc()
		return nil, fmt.Errorf("backend returned %d judgements for %d frames", len(judgements), len(frames))
	}

	scores := make([]float64, len(judgements))
	for i, j := range judgements {
		scores[i] = Contrastive(j)
	}
	a.logger.Trace().Int("frames", len(frames)).Floats64("scores", scores).Msg("batch scored")
	return scores, nil
}

// Close releases the backend if it holds resources.
func (a *Adapter) Close() error {
	if c, ok := a.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Contrastive collapses a Judgement into one score: the positive similarity
// when it beats the negative one, otherwise 0. The result is clamped to [0,1].
func Contrastive(j Judgement) float64 {
	if math.IsNaN(j.Positive) || math.IsNaN(j.Negative) || j.Positive <= j.Negative {
		return 0
	}
	return math.Min(1, math.Max(0, j.Positive))
}
