package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenereel/artifact"
	"scenereel/compose"
	"scenereel/config"
	"scenereel/ffmpeg"
	"scenereel/scene"
	"scenereel/task"
)

// frame is a 1x1 image carrying the timestamp it was decoded at.
type frame struct {
	*image.Gray
	t float64
}

type mockVideo struct {
	duration    float64
	durationErr error
	resources   error
	frameErr    func(t float64) error
	concatErr   error
	dir         string

	mu    sync.Mutex
	clips [][2]float64
}

func (m *mockVideo) Duration(context.Context, string) (float64, error) {
	return m.duration, m.durationErr
}

func (m *mockVideo) ExtractFrame(_ context.Context, _ string, t float64) (image.Image, error) {
	if m.frameErr != nil {
		if err := m.frameErr(t); err != nil {
			return nil, err
		}
	}
	return frame{Gray: image.NewGray(image.Rect(0, 0, 1, 1)), t: t}, nil
}

func (m *mockVideo) CheckResources() error { return m.resources }

func (m *mockVideo) ExtractClip(_ context.Context, _ string, start, end float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clips = append(m.clips, [2]float64{start, end})
	p := filepath.Join(m.dir, fmt.Sprintf("clip_%d.mp4", len(m.clips)))
	return p, os.WriteFile(p, nil, 0o644)
}

func (m *mockVideo) Concatenate(_ context.Context, _ []string, out string) error {
	if m.concatErr != nil {
		return m.concatErr
	}
	return os.WriteFile(out, []byte("out"), 0o644)
}

// rangeScorer scores frames inside any positive range 0.9, others 0.1.
type rangeScorer struct {
	ranges [][2]float64
	err    error
}

func (r *rangeScorer) Score(ctx context.Context, img image.Image) (float64, error) {
	s, err := r.ScoreBatch(ctx, []image.Image{img})
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (r *rangeScorer) ScoreBatch(_ context.Context, imgs []image.Image) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(imgs))
	for i, img := range imgs {
		t := img.(frame).t
		out[i] = 0.1
		for _, rg := range r.ranges {
			if t >= rg[0] && t <= rg[1] {
				out[i] = 0.9
			}
		}
	}
	return out, nil
}

type mockPublisher struct {
	err error
}

func (m *mockPublisher) Publish(_ context.Context, local string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "local:" + local, nil
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		CoarseInterval:   5,
		FineInterval:     1,
		Threshold:        0.22,
		BatchSize:        8,
		MinGap:           2,
		MinSceneDuration: 2,
		OutputDir:        dir,
	}
}

type fixture struct {
	video     *mockVideo
	scorer    *rangeScorer
	publisher *mockPublisher
	pipeline  *Pipeline
	job       task.Job
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	src := filepath.Join(dir, "drive.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	f := &fixture{
		video:     &mockVideo{duration: 100, dir: dir},
		scorer:    &rangeScorer{ranges: [][2]float64{{10, 20}, {40, 41}}},
		publisher: &mockPublisher{},
		job:       task.Job{TaskID: "t1", SourcePath: src, SourceName: "drive.mp4"},
	}
	f.pipeline = New(testConfig(dir), zerolog.Nop(), f.video, f.scorer, f.publisher)
	f.pipeline.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func TestPipeline_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("detects and composes the driving scene", func(t *testing.T) {
		f := newFixture(t)

		out, err := f.pipeline.Process(ctx, f.job)
		require.NoError(t, err)
		assert.Equal(t, []scene.Scene{{Start: 10, End: 20}}, out.Scenes)
		assert.Equal(t, scene.Stats{
			NumScenes:          1,
			TotalSceneDuration: 10,
			VideoDuration:      100,
			CoveragePercentage: 10,
		}, out.Stats)
		assert.Equal(t, [][2]float64{{10, 20}}, f.video.clips)

		wantOut := filepath.Join(f.video.dir, "result_drive_t1_1700000000.mp4")
		assert.Equal(t, "local:"+wantOut, out.OutputRef)
		assert.FileExists(t, wantOut)
	})

	t.Run("no positives", func(t *testing.T) {
		f := newFixture(t)
		f.scorer.ranges = nil

		_, err := f.pipeline.Process(ctx, f.job)
		var noScenes *scene.NoScenesError
		require.ErrorAs(t, err, &noScenes)
		assert.Equal(t, "no_scenes", Reason(err))
		assert.Empty(t, f.video.clips)
	})

	t.Run("scorer failure", func(t *testing.T) {
		f := newFixture(t)
		f.scorer.err = errors.New("model crashed")

		_, err := f.pipeline.Process(ctx, f.job)
		var scoringErr *scene.ScoringError
		require.ErrorAs(t, err, &scoringErr)
		assert.Equal(t, "coarse", scoringErr.Pass)
		assert.Equal(t, "scoring", Reason(err))
	})

	t.Run("missing source", func(t *testing.T) {
		f := newFixture(t)
		f.job.SourcePath = filepath.Join(f.video.dir, "gone.mp4")

		_, err := f.pipeline.Process(ctx, f.job)
		var inputErr *scene.InputError
		require.ErrorAs(t, err, &inputErr)
		assert.Equal(t, "input", Reason(err))
	})

	t.Run("unreadable container", func(t *testing.T) {
		f := newFixture(t)
		f.video.durationErr = errors.New("moov atom not found")

		_, err := f.pipeline.Process(ctx, f.job)
		var inputErr *scene.InputError
		require.ErrorAs(t, err, &inputErr)
		assert.Contains(t, err.Error(), "moov atom not found")
	})

	t.Run("frames past the real end are skipped", func(t *testing.T) {
		f := newFixture(t)
		f.video.frameErr = func(ts float64) error {
			if ts >= 90 {
				return ffmpeg.ErrNoFrame
			}
			return nil
		}

		out, err := f.pipeline.Process(ctx, f.job)
		require.NoError(t, err)
		assert.Equal(t, []scene.Scene{{Start: 10, End: 20}}, out.Scenes)
	})

	t.Run("corrupt frame is an input error", func(t *testing.T) {
		f := newFixture(t)
		f.video.frameErr = func(float64) error { return errors.New("invalid data found") }

		_, err := f.pipeline.Process(ctx, f.job)
		var inputErr *scene.InputError
		require.ErrorAs(t, err, &inputErr)
		assert.Equal(t, "drive.mp4", inputErr.Source)
	})

	t.Run("busy host", func(t *testing.T) {
		f := newFixture(t)
		f.video.resources = errors.New("not enough free memory")

		_, err := f.pipeline.Process(ctx, f.job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient system resources: not enough free memory")
		assert.Equal(t, "resources", Reason(err))
	})

	t.Run("compose failure", func(t *testing.T) {
		f := newFixture(t)
		f.video.concatErr = errors.New("no space left on device")

		_, err := f.pipeline.Process(ctx, f.job)
		var composeErr *compose.ComposeError
		require.ErrorAs(t, err, &composeErr)
		assert.Equal(t, "compose", Reason(err))
	})

	t.Run("publish failure", func(t *testing.T) {
		f := newFixture(t)
		f.publisher.err = errors.New("access denied")

		_, err := f.pipeline.Process(ctx, f.job)
		require.Error(t, err)
		assert.Equal(t, "publish", Reason(err))
	})
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "timeout", Reason(fmt.Errorf("task timed out: %w", context.DeadlineExceeded)))
	assert.Equal(t, "canceled", Reason(context.Canceled))
	assert.Equal(t, "internal", Reason(errors.New("internal error: boom")))
	assert.Equal(t, "timeout", Reason(&scene.ScoringError{Pass: "fine", Err: context.DeadlineExceeded}))
}

func TestPipeline_RunsUnderManager(t *testing.T) {
	f := newFixture(t)
	cfg := &config.Config{MaxConcurrency: 1, QueueSize: 4}
	mgr := task.NewManager(cfg, zerolog.Nop(), task.NewMemoryStore(), f.pipeline, nil)
	ctx := context.Background()

	tk, err := mgr.Submit(ctx, task.Source{Path: f.job.SourcePath})
	require.NoError(t, err)
	require.NoError(t, mgr.Run(ctx, tk.ID))

	done, err := mgr.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.Stats)
	assert.Equal(t, 10.0, done.Stats.CoveragePercentage)

	f.scorer.ranges = nil
	tk, err = mgr.Submit(ctx, task.Source{Path: f.job.SourcePath})
	require.NoError(t, err)
	require.NoError(t, mgr.Run(ctx, tk.ID))

	failed, err := mgr.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no scenes detected")
	assert.Nil(t, failed.Stats)
}

func TestPipeline_SameNamedSourcesKeepSeparateOutputs(t *testing.T) {
	f := newFixture(t)
	outputs, err := artifact.NewLocalStore(f.video.dir)
	require.NoError(t, err)
	f.pipeline.publisher = outputs

	cfg := &config.Config{MaxConcurrency: 1, QueueSize: 4}
	mgr := task.NewManager(cfg, zerolog.Nop(), task.NewMemoryStore(), f.pipeline, outputs)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		tk, err := mgr.Submit(ctx, task.Source{Path: f.job.SourcePath, Name: "drive.mp4"})
		require.NoError(t, err)
		require.NoError(t, mgr.Run(ctx, tk.ID))
		ids = append(ids, tk.ID)
	}

	a, err := mgr.Get(ctx, ids[0])
	require.NoError(t, err)
	b, err := mgr.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, a.Status)
	require.Equal(t, task.StatusCompleted, b.Status)
	assert.NotEqual(t, a.OutputRef, b.OutputRef)

	require.NoError(t, mgr.Cleanup(ctx, a.ID))
	_, err = outputs.Locate(ctx, a.OutputRef)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	loc, err := outputs.Locate(ctx, b.OutputRef)
	require.NoError(t, err)
	assert.FileExists(t, loc.Path)
}

type mockFetcher struct {
	dir  string
	err  error
	urls []string
}

func (m *mockFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	m.urls = append(m.urls, rawURL)
	if m.err != nil {
		return "", m.err
	}
	path := filepath.Join(m.dir, "source_fetched.mp4")
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

func TestPipeline_URLSources(t *testing.T) {
	ctx := context.Background()
	urlJob := task.Job{TaskID: "t2", SourceURL: "https://media.example.com/episode.mp4", SourceName: "episode.mp4"}

	t.Run("fetches then removes the download", func(t *testing.T) {
		f := newFixture(t)
		fetcher := &mockFetcher{dir: f.video.dir}
		f.pipeline.fetcher = fetcher

		out, err := f.pipeline.Process(ctx, urlJob)
		require.NoError(t, err)
		assert.Equal(t, []string{urlJob.SourceURL}, fetcher.urls)
		assert.Equal(t, []scene.Scene{{Start: 10, End: 20}}, out.Scenes)
		assert.Equal(t, "local:"+filepath.Join(f.video.dir, "result_episode_t2_1700000000.mp4"), out.OutputRef)
		assert.NoFileExists(t, filepath.Join(f.video.dir, "source_fetched.mp4"))
	})

	t.Run("download failure is an input error", func(t *testing.T) {
		f := newFixture(t)
		f.pipeline.fetcher = &mockFetcher{dir: f.video.dir, err: errors.New("Unsupported URL")}

		_, err := f.pipeline.Process(ctx, urlJob)
		var inputErr *scene.InputError
		require.ErrorAs(t, err, &inputErr)
		assert.Equal(t, "input", Reason(err))
		assert.Empty(t, f.video.clips)
	})

	t.Run("without a fetcher", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.pipeline.Process(ctx, urlJob)
		assert.ErrorIs(t, err, ErrRemoteDisabled)
		assert.Equal(t, "input", Reason(err))
	})

	t.Run("option wires the fetcher", func(t *testing.T) {
		fetcher := &mockFetcher{}
		p := New(testConfig(t.TempDir()), zerolog.Nop(), &mockVideo{}, &rangeScorer{}, &mockPublisher{}, WithFetcher(fetcher))
		assert.Same(t, fetcher, p.fetcher)
	})
}
