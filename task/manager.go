package task

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"scenereel/config"
	"scenereel/scene"
	"scenereel/telemetry"
)

// Job is what a Runner needs to process one task.
type Job struct {
	TaskID     string
	SourcePath string
	SourceName string
	// SourceURL is set for remote sources; the runner fetches it first.
	SourceURL string
}

// Outcome is the result of a successful run.
type Outcome struct {
	OutputRef string
	Scenes    []scene.Scene
	Stats     scene.Stats
}

// Runner executes the detection pipeline for one job.
type Runner interface {
	Process(ctx context.Context, job Job) (Outcome, error)
}

// Classifier is optionally implemented by a Runner to label failures for
// metrics.
type Classifier interface {
	Reason(err error) string
}

// ArtifactRemover deletes a published output.
type ArtifactRemover interface {
	Remove(ctx context.Context, ref string) error
}

// Source describes the video a task analyses.
type Source struct {
	Path string
	// URL names a remote video fetched when the task runs. Path is ignored
	// when it is set.
	URL string
	// Name is shown to clients; defaults to the base name of Path.
	Name string
	// Owned sources are removed together with the task.
	Owned bool
}

type Manager struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     Store
	runner    Runner
	artifacts ArtifactRemover

	queue   chan string
	sem     chan struct{}
	locks   *keyedMutex
	running sync.Map
	wg      sync.WaitGroup

	newBackOff func() backoff.BackOff
}

// NewManager wires a manager. artifacts may be nil when outputs need no
// removal beyond the task record.
func NewManager(cfg *config.Config, logger zerolog.Logger, store Store, runner Runner, artifacts ArtifactRemover) *Manager {
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "tasks").Logger(),
		store:     store,
		runner:    runner,
		artifacts: artifacts,
		queue:     make(chan string, queueSize),
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		locks:     newKeyedMutex(),

		newBackOff: defaultStoreBackOff,
	}
}

// Start fails tasks left unfinished by a previous process and launches the
// worker and retention loops. They stop when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recoverInterrupted(ctx); err != nil {
		return err
	}
	m.logger.Info().
		Int("concurrency", m.cfg.MaxConcurrency).
		Int("queue", cap(m.queue)).
		Msg("task manager started")

	go m.workerLoop(ctx)
	if m.cfg.OutputLocalLifetime > 0 {
		go m.retentionLoop(ctx)
	}
	return nil
}

// Wait blocks until every started run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// workerLoop pulls task ids from the queue and runs them, bounded by the
// concurrency semaphore.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("worker loop shutting down")
			return
		case id := <-m.queue:
			select {
			case m.sem <- struct{}{}:
			case <-ctx.Done():
				m.logger.Info().Msg("worker loop shutting down")
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer func() { <-m.sem }()
				if err := m.Run(ctx, id); err != nil && !IsNotFound(err) {
					m.logger.Error().Err(err).Str("task", id).Msg("run rejected")
				}
			}()
		}
	}
}

// Submit registers a pending task for src and queues it. It never runs the
// pipeline inline. A full queue rejects the submission and leaves no task.
func (m *Manager) Submit(ctx context.Context, src Source) (Task, error) {
	if src.Path == "" && src.URL == "" {
		return Task{}, ErrNoSource
	}
	t := Task{
		ID:          shortuuid.New(),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		SourceName:  sourceName(src),
		SourcePath:  src.Path,
		SourceURL:   src.URL,
		OwnedSource: src.Owned,
	}
	if src.URL != "" {
		t.SourcePath, t.OwnedSource = "", false
	}

	m.locks.Lock(t.ID)
	defer m.locks.Unlock(t.ID)

	if err := m.store.Put(ctx, t); err != nil {
		return Task{}, fmt.Errorf("store task: %w", err)
	}
	select {
	case m.queue <- t.ID:
	default:
		if err := m.store.Delete(ctx, t.ID); err != nil {
			m.logger.Error().Err(err).Str("task", t.ID).Msg("failed to drop rejected task")
		}
		return Task{}, ErrQueueFull
	}

	telemetry.TasksSubmitted.Inc()
	m.logger.Info().Str("task", t.ID).Str("source", t.SourceName).Msg("task submitted")
	return t.Clone(), nil
}

// Run moves a pending task through the pipeline to a terminal state. Pipeline
// failures, panics and timeouts are recorded on the task, not returned; the
// error result only reports that the task could not be started.
func (m *Manager) Run(ctx context.Context, id string) error {
	if _, loaded := m.running.LoadOrStore(id, struct{}{}); loaded {
		return ErrAlreadyRunning
	}
	defer m.running.Delete(id)

	t, err := m.begin(ctx, id)
	if err != nil {
		return err
	}

	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()
	started := time.Now()

	runCtx := ctx
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}

	m.logger.Info().Str("task", id).Msg("processing task")
	outcome, runErr := m.process(runCtx, Job{TaskID: id, SourcePath: t.SourcePath, SourceName: t.SourceName, SourceURL: t.SourceURL})
	if runErr != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			runErr = fmt.Errorf("task timed out after %s: %w", m.cfg.TaskTimeout, runErr)
		case ctx.Err() != nil:
			runErr = fmt.Errorf("interrupted by shutdown: %w", runErr)
		}
	}

	// Shutdown may already have cancelled ctx; the final write must still land.
	m.finish(context.WithoutCancel(ctx), t, outcome, runErr)
	telemetry.TaskDurationSeconds.Observe(time.Since(started).Seconds())
	return nil
}

func (m *Manager) begin(ctx context.Context, id string) (Task, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusPending {
		return Task{}, fmt.Errorf("task %s is %s, not pending", id, t.Status)
	}
	now := time.Now().UTC()
	t.Status = StatusProcessing
	t.StartedAt = &now
	if err := m.store.Put(ctx, t); err != nil {
		return Task{}, fmt.Errorf("store task: %w", err)
	}
	return t, nil
}

// process calls the runner, turning a panic into an error.
func (m *Manager) process(ctx context.Context, job Job) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("task", job.TaskID).Interface("panic", r).Msg("pipeline panicked")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return m.runner.Process(ctx, job)
}

// finish records the terminal state of a run. A task deleted while running
// discards the result. Store faults are retried; if the task still cannot be
// read, the snapshot taken when the run began is completed instead.
func (m *Manager) finish(ctx context.Context, snapshot Task, outcome Outcome, runErr error) {
	id := snapshot.ID
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	var t Task
	err := backoff.Retry(func() error {
		var err error
		t, err = m.store.Get(ctx, id)
		if IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, m.storeBackOff(ctx))
	switch {
	case IsNotFound(err):
		m.logger.Warn().Str("task", id).Msg("task removed while running, discarding result")
		if runErr == nil && outcome.OutputRef != "" {
			m.removeArtifact(ctx, outcome.OutputRef)
		}
		return
	case err != nil:
		m.logger.Error().Err(err).Str("task", id).Msg("failed to reload task, finishing from run snapshot")
		t = snapshot
	}

	now := time.Now().UTC()
	t.CompletedAt = &now
	reason := ""
	if runErr != nil {
		t.Status = StatusFailed
		t.ErrorMessage = runErr.Error()
		reason = m.reason(runErr)
		m.logger.Warn().Err(runErr).Str("task", id).Str("reason", reason).Msg("task failed")
	} else {
		t.Status = StatusCompleted
		t.OutputRef = outcome.OutputRef
		t.Scenes = outcome.Scenes
		stats := outcome.Stats
		t.Stats = &stats
		m.logger.Info().
			Str("task", id).
			Int("scenes", stats.NumScenes).
			Float64("coverage", stats.CoveragePercentage).
			Msg("task completed")
	}
	telemetry.TasksFinished.WithLabelValues(string(t.Status), reason).Inc()

	if err := backoff.Retry(func() error { return m.store.Put(ctx, t) }, m.storeBackOff(ctx)); err != nil {
		// Left processing; the next start marks it failed.
		m.logger.Error().Err(err).Str("task", id).Msg("failed to store finished task")
	}
}

func (m *Manager) storeBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(m.newBackOff(), ctx)
}

func defaultStoreBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

func (m *Manager) reason(err error) string {
	if c, ok := m.runner.(Classifier); ok {
		return c.Reason(err)
	}
	return "error"
}

func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	return m.store.Get(ctx, id)
}

// List returns tasks ordered by creation time, optionally only those with the
// given status.
func (m *Manager) List(ctx context.Context, status Status) ([]Task, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Cleanup removes a task in any state together with its owned upload and
// published output.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.locks.Lock(id)
	t, err := m.store.Get(ctx, id)
	if err == nil {
		err = m.store.Delete(ctx, id)
	}
	m.locks.Unlock(id)
	if err != nil {
		return err
	}

	m.removeFiles(ctx, t)
	m.logger.Info().Str("task", id).Str("status", string(t.Status)).Msg("task cleaned up")
	return nil
}

// CleanupAll removes every completed or failed task and returns their ids.
// Pending and processing tasks are left alone.
func (m *Manager) CleanupAll(ctx context.Context) ([]string, error) {
	return m.cleanupWhere(ctx, func(t Task) bool { return t.Status.IsTerminal() })
}

// PruneExpired removes terminal tasks that finished more than
// OUTPUT_LOCAL_LIFETIME ago.
func (m *Manager) PruneExpired(ctx context.Context, now time.Time) ([]string, error) {
	lifetime := m.cfg.OutputLocalLifetime
	return m.cleanupWhere(ctx, func(t Task) bool {
		return t.Status.IsTerminal() && t.CompletedAt != nil && now.Sub(*t.CompletedAt) > lifetime
	})
}

func (m *Manager) cleanupWhere(ctx context.Context, match func(Task) bool) ([]string, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	removed := []string{}
	for _, candidate := range all {
		if !match(candidate) {
			continue
		}
		m.locks.Lock(candidate.ID)
		t, err := m.store.Get(ctx, candidate.ID)
		if err == nil && match(t) {
			err = m.store.Delete(ctx, t.ID)
		} else if err == nil {
			err = errSkip
		}
		m.locks.Unlock(candidate.ID)

		switch {
		case err == nil:
			m.removeFiles(ctx, t)
			removed = append(removed, t.ID)
		case errors.Is(err, errSkip) || IsNotFound(err):
		default:
			return removed, err
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		m.logger.Info().Int("count", len(removed)).Msg("tasks cleaned up")
	}
	return removed, nil
}

var errSkip = errors.New("skip")

func (m *Manager) removeFiles(ctx context.Context, t Task) {
	if t.OwnedSource && t.SourcePath != "" {
		if err := os.Remove(t.SourcePath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to remove upload")
		}
	}
	if t.OutputRef != "" {
		m.removeArtifact(ctx, t.OutputRef)
	}
}

func (m *Manager) removeArtifact(ctx context.Context, ref string) {
	if m.artifacts == nil {
		return
	}
	if err := m.artifacts.Remove(ctx, ref); err != nil {
		m.logger.Warn().Err(err).Str("ref", ref).Msg("failed to remove output")
	}
}

// retentionLoop periodically prunes expired tasks.
func (m *Manager) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OutputLocalLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("retention loop shutting down")
			return
		case now := <-ticker.C:
			if _, err := m.PruneExpired(ctx, now); err != nil {
				m.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// recoverInterrupted fails tasks a previous process left pending or
// processing; their runs cannot resume.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	all, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range all {
		if t.Status.IsTerminal() {
			continue
		}
		now := time.Now().UTC()
		t.Status = StatusFailed
		t.ErrorMessage = "interrupted by restart"
		t.CompletedAt = &now
		if err := m.store.Put(ctx, t); err != nil {
			return fmt.Errorf("store task: %w", err)
		}
		telemetry.TasksFinished.WithLabelValues(string(StatusFailed), "restart").Inc()
		m.logger.Warn().Str("task", t.ID).Msg("task interrupted by restart marked failed")
	}
	return nil
}

// sourceName is the client-facing name of src: its explicit Name, else the
// last element of the URL path or the file path.
func sourceName(src Source) string {
	if src.Name != "" {
		return src.Name
	}
	if src.URL != "" {
		if u, err := url.Parse(src.URL); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" {
				return base
			}
			return u.Host
		}
		return src.URL
	}
	return filepath.Base(src.Path)
}
