package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenereel/task"
)

type mockSubmitter struct {
	mu      sync.Mutex
	sources []task.Source
	err     error
}

func (m *mockSubmitter) Submit(_ context.Context, src task.Source) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
	if m.err != nil {
		return task.Task{}, m.err
	}
	return task.Task{ID: "t1", SourceURL: src.URL}, nil
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var daily = Job{Name: "daily", CronExpr: "0 6 * * *", URL: "https://media.example.com/latest"}

func newTestScheduler(t *testing.T, sub Submitter, c *clock, jobs ...Job) *Scheduler {
	t.Helper()
	s, err := newScheduler(sub, zerolog.Nop(), c.now, jobs...)
	require.NoError(t, err)
	return s
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)}

	t.Run("fires once when due", func(t *testing.T) {
		sub := &mockSubmitter{}
		s := newTestScheduler(t, sub, c, daily)
		assert.Equal(t, time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), s.entries[0].next)

		s.tick(ctx)
		assert.Zero(t, sub.count(), "not due yet")

		c.t = time.Date(2024, 3, 1, 6, 0, 10, 0, time.UTC)
		s.tick(ctx)
		s.tick(ctx)
		require.Equal(t, 1, sub.count())
		assert.Equal(t, task.Source{URL: daily.URL}, sub.sources[0])
		assert.Equal(t, time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC), s.entries[0].next)
	})

	t.Run("missed firings collapse into one", func(t *testing.T) {
		c.t = time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
		sub := &mockSubmitter{}
		s := newTestScheduler(t, sub, c, daily)

		c.t = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
		s.tick(ctx)
		assert.Equal(t, 1, sub.count())
		assert.Equal(t, time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC), s.entries[0].next)
	})

	t.Run("submission failure keeps the schedule", func(t *testing.T) {
		c.t = time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
		sub := &mockSubmitter{err: task.ErrQueueFull}
		s := newTestScheduler(t, sub, c, daily)

		c.t = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
		s.tick(ctx)
		assert.Equal(t, 1, sub.count())
		assert.Equal(t, time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC), s.entries[0].next)
	})
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(&mockSubmitter{}, zerolog.Nop(), Job{Name: "bad", CronExpr: "every day", URL: daily.URL})
	assert.ErrorContains(t, err, `parse cron "every day"`)

	_, err = New(&mockSubmitter{}, zerolog.Nop(), Job{Name: "local", CronExpr: "@daily", URL: "/videos/a.mp4"})
	assert.ErrorContains(t, err, "scheme must be http or https")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	sub := &mockSubmitter{err: errors.New("unused")}
	s, err := New(sub, zerolog.Nop(), Job{Name: "minutely", CronExpr: "* * * * *", URL: daily.URL})
	require.NoError(t, err)
	s.interval = 10 * time.Millisecond
	s.entries[0].next = time.Time{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sub.count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
