// Package pipeline runs one video through detection and composition:
// fetch, probe, coarse scan, fine scan, assemble, compose and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"scenereel/compose"
	"scenereel/config"
	"scenereel/ffmpeg"
	"scenereel/scene"
	"scenereel/task"
	"scenereel/telemetry"
)

// Video is the video I/O the pipeline needs; ffmpeg.Tool implements it.
type Video interface {
	compose.VideoIO
	Duration(ctx context.Context, src string) (float64, error)
	ExtractFrame(ctx context.Context, src string, ts float64) (image.Image, error)
	CheckResources() error
}

// Publisher makes a composed local file available and returns its reference.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Fetcher downloads a remote source and returns the local file path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// ErrRemoteDisabled fails URL jobs on a pipeline built without a Fetcher.
var ErrRemoteDisabled = errors.New("remote sources are not enabled")

// ResourceError is returned when the host is too busy to start a run.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient system resources: %v", e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// PublishError is returned when the composed output cannot be published.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish output: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Pipeline struct {
	logger    zerolog.Logger
	video     Video
	coarse    *scene.CoarseScanner
	fine      *scene.FineScanner
	assembler *scene.Assembler
	composer  *compose.Composer
	publisher Publisher
	fetcher   Fetcher
	outputDir string
	now       func() time.Time
}

type Option func(*Pipeline)

// WithFetcher enables jobs whose source is a URL.
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

func New(cfg *config.Config, logger zerolog.Logger, video Video, scorer scene.Scorer, publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:    logger.With().Str("component", "pipeline").Logger(),
		video:     video,
		coarse:    scene.NewCoarseScanner(logger, scorer, cfg.CoarseInterval, cfg.Threshold),
		fine:      scene.NewFineScanner(logger, scorer, cfg.FineInterval, cfg.BatchSize, cfg.Threshold),
		assembler: scene.NewAssembler(logger, scene.Rules{
			FineInterval:     cfg.FineInterval,
			MinGap:           cfg.MinGap,
			MinSceneDuration: cfg.MinSceneDuration,
		}),
		composer:  compose.NewComposer(logger, video),
		publisher: publisher,
		outputDir: cfg.OutputDir,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every stage in order. The first failing stage ends the run.
func (p *Pipeline) Process(ctx context.Context, job task.Job) (task.Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("source.name", job.SourceName),
	)

	logger := p.logger.With().Str("task", job.TaskID).Logger()
	frames := &sourceFrames{video: p.video, path: job.SourcePath, name: job.SourceName}

	var fetched string
	defer func() {
		if fetched == "" {
			return
		}
		if err := os.Remove(fetched); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", fetched).Msg("failed to remove fetched source")
		}
	}()

	var (
		out       task.Outcome
		duration  float64
		windows   []scene.Window
		samples   []scene.Sample
		localPath string
	)
	stages := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"resources", func(context.Context) error {
			if err := p.video.CheckResources(); err != nil {
				return &ResourceError{Err: err}
			}
			return nil
		}},
		{"fetch", func(ctx context.Context) error {
			if job.SourceURL == "" {
				return nil
			}
			if p.fetcher == nil {
				return &scene.InputError{Source: job.SourceName, Err: ErrRemoteDisabled}
			}
			path, err := p.fetcher.Fetch(ctx, job.SourceURL)
			if err != nil {
				return &scene.InputError{Source: job.SourceName, Err: err}
			}
			fetched, frames.path = path, path
			logger.Info().Str("url", job.SourceURL).Str("path", path).Msg("source fetched")
			return nil
		}},
		{"probe", func(ctx context.Context) error {
			if _, err := os.Stat(frames.path); err != nil {
				return &scene.InputError{Source: job.SourceName, Err: err}
			}
			d, err := p.video.Duration(ctx, frames.path)
			if err != nil {
				return &scene.InputError{Source: job.SourceName, Err: err}
			}
			duration = d
			logger.Info().Float64("duration", d).Msg("source probed")
			return nil
		}},
		{"coarse", func(ctx context.Context) (err error) {
			windows, err = p.coarse.Scan(ctx, frames, duration)
			return err
		}},
		{"fine", func(ctx context.Context) (err error) {
			samples, err = p.fine.Scan(ctx, frames, windows)
			return err
		}},
		{"assemble", func(context.Context) (err error) {
			out.Scenes, out.Stats, err = p.assembler.Assemble(samples, duration)
			return err
		}},
		{"compose", func(ctx context.Context) (err error) {
			dst := filepath.Join(p.outputDir, compose.OutputName(job.SourceName, job.TaskID, p.now()))
			localPath, err = p.composer.Compose(ctx, frames.path, out.Scenes, dst)
			return err
		}},
		{"publish", func(ctx context.Context) error {
			ref, err := p.publisher.Publish(ctx, localPath)
			if err != nil {
				return &PublishError{Err: err}
			}
			out.OutputRef = ref
			return nil
		}},
	}

	for _, st := range stages {
		if err := p.stage(ctx, st.name, st.run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, st.name)
			return task.Outcome{}, err
		}
	}

	span.SetAttributes(
		attribute.Int("scenes", out.Stats.NumScenes),
		attribute.Float64("coverage", out.Stats.CoveragePercentage),
	)
	logger.Info().
		Int("scenes", out.Stats.NumScenes).
		Float64("coverage", out.Stats.CoveragePercentage).
		Str("output", out.OutputRef).
		Msg("pipeline finished")
	return out, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, run func(context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := run(ctx)
	telemetry.StageDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Reason lets the task manager label failures of this pipeline.
func (p *Pipeline) Reason(err error) string {
	return Reason(err)
}

// Reason classifies a run failure into a short metric label.
func Reason(err error) string {
	var (
		resourceErr *ResourceError
		noScenes    *scene.NoScenesError
		scoringErr  *scene.ScoringError
		inputErr    *scene.InputError
		composeErr  *compose.ComposeError
		publishErr  *PublishError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &resourceErr):
		return "resources"
	case errors.As(err, &noScenes):
		return "no_scenes"
	case errors.As(err, &scoringErr):
		return "scoring"
	case errors.As(err, &inputErr):
		return "input"
	case errors.As(err, &composeErr):
		return "compose"
	case errors.As(err, &publishErr):
		return "publish"
	}
	return "internal"
}

// sourceFrames adapts Video to scene.FrameSource for one file.
type sourceFrames struct {
	video Video
	path  string
	name  string
}

func (s *sourceFrames) FrameAt(ctx context.Context, t float64) (image.Image, error) {
	img, err := s.video.ExtractFrame(ctx, s.path, t)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, ffmpeg.ErrNoFrame):
		return nil, fmt.Errorf("%w: %v", scene.ErrNoFrame, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, &scene.InputError{Source: s.name, Err: err}
}
