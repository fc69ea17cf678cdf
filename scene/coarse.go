package scene

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog"

	"scenereel/telemetry"
)

// CoarseScanner samples the whole source at a wide interval and returns the
// regions around positive samples.
type CoarseScanner struct {
	logger    zerolog.Logger
	scorer    Scorer
	interval  float64
	threshold float64
}

func NewCoarseScanner(logger zerolog.Logger, scorer Scorer, interval, threshold float64) *CoarseScanner {
	return &CoarseScanner{
		logger:    logger.With().Str("component", "coarse-scan").Logger(),
		scorer:    scorer,
		interval:  interval,
		threshold: threshold,
	}
}

// Scan samples t = 0, Cs, 2Cs, ... < duration. Runs of positive samples no
// more than one interval apart become one window, padded by one interval on
// each side and clipped to [0, duration].
func (c *CoarseScanner) Scan(ctx context.Context, src FrameSource, duration float64) ([]Window, error) {
	var (
		windows     []Window
		inRun       bool
		first, last float64
	)
	flush := func() {
		windows = append(windows, Window{
			Start: roundTS(math.Max(0, first-c.interval)),
			End:   roundTS(math.Min(duration, last+c.interval)),
		})
	}

	sampled, positives := 0, 0
	for k := 0; ; k++ {
		t := roundTS(float64(k) * c.interval)
		if t >= duration {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := src.FrameAt(ctx, t)
		if err != nil {
			if errors.Is(err, ErrNoFrame) {
				c.logger.Debug().Float64("t", t).Msg("no frame, skipping sample")
				continue
			}
			return nil, err
		}

		score, err := c.scorer.Score(ctx, frame)
		if err != nil {
			return nil, &ScoringError{Pass: "coarse", Timestamp: t, Err: err}
		}
		sampled++
		telemetry.FramesScored.WithLabelValues("coarse").Inc()

		positive := score >= c.threshold
		c.logger.Debug().
			Float64("t", t).
			Float64("score", score).
			Bool("positive", positive).
			Msg("coarse sample")
		if !positive {
			continue
		}
		positives++

		if inRun && t-last <= c.interval+eps {
			last = t
			continue
		}
		if inRun {
			flush()
		}
		first, last, inRun = t, t, true
	}
	if inRun {
		flush()
	}

	c.logger.Info().
		Int("samples", sampled).
		Int("positives", positives).
		Int("windows", len(windows)).
		Msg("coarse scan complete")
	return windows, nil
}
