package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenereel/scene"
	"scenereel/task"
)

// exerciseStore runs the behaviour every task.Store must share.
func exerciseStore(t *testing.T, s task.Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	pending := task.Task{ID: "st-a", Status: task.StatusPending, CreatedAt: base, SourceName: "a.mp4", SourcePath: "uploads/a.mp4", OwnedSource: true}
	require.NoError(t, s.Put(ctx, pending))

	got, err := s.Get(ctx, "st-a")
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	done := base.Add(time.Minute)
	stats := scene.ComputeStats([]scene.Scene{{Start: 10, End: 20}}, 100)
	completed := pending
	completed.Status = task.StatusCompleted
	completed.CompletedAt = &done
	completed.Stats = &stats
	completed.Scenes = []scene.Scene{{Start: 10, End: 20}}
	completed.OutputRef = "output/result_a_1.mp4"
	require.NoError(t, s.Put(ctx, completed))

	got, err = s.Get(ctx, "st-a")
	require.NoError(t, err)
	assert.Equal(t, completed, got)

	require.NoError(t, s.Put(ctx, task.Task{ID: "st-b", Status: task.StatusFailed, CreatedAt: base.Add(time.Second)}))
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "st-a"))
	_, err = s.Get(ctx, "st-a")
	assert.True(t, task.IsNotFound(err))
	assert.True(t, task.IsNotFound(s.Delete(ctx, "st-a")))

	require.NoError(t, s.Delete(ctx, "st-b"))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, task.Task{ID: "keep", Status: task.StatusProcessing, CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SCENEREEL_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := NewRedisClient(addr)
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	s := NewRedisStore(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = s.Delete(ctx, "st-a")
		_ = s.Delete(ctx, "st-b")
	})
	exerciseStore(t, s)
}
