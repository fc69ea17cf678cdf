package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"scenereel/artifact"
	"scenereel/classifier"
	"scenereel/config"
	"scenereel/fetch"
	"scenereel/ffmpeg"
	"scenereel/pipeline"
	"scenereel/store"
	"scenereel/task"
)

// runtime holds the process-wide collaborators of the pipeline.
type runtime struct {
	video     *ffmpeg.Tool
	scorer    *classifier.Adapter
	artifacts artifact.Store
	// fetcher is nil when yt-dlp is unavailable; URL sources then fail.
	fetcher *fetch.Fetcher
}

func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	tool, err := ffmpeg.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize ffmpeg: %w", err)
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		tool.Close()
		return nil, err
	}

	artifacts, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		tool.Close()
		return nil, err
	}

	fetcher, err := fetch.New(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("remote sources disabled")
		fetcher = nil
	}

	return &runtime{
		video:     tool,
		scorer:    classifier.NewAdapter(logger, backend, cfg.ScorerConcurrency),
		artifacts: artifacts,
		fetcher:   fetcher,
	}, nil
}

func (r *runtime) pipeline(cfg *config.Config, logger zerolog.Logger) *pipeline.Pipeline {
	var opts []pipeline.Option
	if r.fetcher != nil {
		opts = append(opts, pipeline.WithFetcher(r.fetcher))
	}
	return pipeline.New(cfg, logger, r.video, r.scorer, r.artifacts, opts...)
}

func (r *runtime) Close() error {
	return errors.Join(r.scorer.Close(), r.video.Close())
}

func newBackend(cfg *config.Config, logger zerolog.Logger) (classifier.Backend, error) {
	prompts := classifier.NewPrompts(cfg.PositivePrompts, cfg.NegativePrompts)
	switch cfg.Scorer {
	case "http":
		return classifier.NewHTTPBackend(cfg.ScorerURL, cfg.ScorerTimeout, prompts), nil
	case "onnx":
		b, err := classifier.NewONNXBackend(logger, classifier.ONNXOptions{
			ModelPath:      cfg.ONNXModel,
			LibraryPath:    cfg.ONNXLibrary,
			EmbeddingsPath: cfg.ONNXEmbeddings,
			BatchSize:      cfg.BatchSize,
			Prompts:        prompts,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize onnx scorer: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown SCORER %q (want http or onnx)", cfg.Scorer)
}

func newArtifactStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (artifact.Store, error) {
	switch cfg.Artifacts {
	case "local":
		return artifact.NewLocalStore(cfg.OutputDir)
	case "s3":
		return artifact.NewS3Store(ctx, logger, artifact.S3Options{
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	}
	return nil, fmt.Errorf("unknown ARTIFACTS %q (want local or s3)", cfg.Artifacts)
}

// openTaskStore returns the configured task registry and its close func.
func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		return task.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLiteDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		client := store.NewRedisClient(cfg.RedisAddr)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(client), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE %q (want memory, sqlite or redis)", cfg.Store)
}
