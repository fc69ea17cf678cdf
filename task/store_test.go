package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenereel/scene"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	stats := scene.Stats{NumScenes: 1}
	orig := Task{
		ID:          "a",
		Status:      StatusCompleted,
		CompletedAt: &now,
		Stats:       &stats,
		Scenes:      []scene.Scene{{Start: 1, End: 5}},
	}
	require.NoError(t, s.Put(ctx, orig))

	orig.Scenes[0].End = 99
	stats.NumScenes = 7

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Scenes[0].End, "store keeps its own copy")
	assert.Equal(t, 1, got.Stats.NumScenes)

	got.Scenes[0].End = 42
	again, _ := s.Get(ctx, "a")
	assert.Equal(t, 5.0, again.Scenes[0].End, "readers get copies")

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(s.Delete(ctx, "a")))
}

func TestRecordRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stats := scene.ComputeStats([]scene.Scene{{Start: 10, End: 20}}, 100)
	in := Task{
		ID:          "abc",
		Status:      StatusCompleted,
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
		SourceName:  "drive.mp4",
		OutputRef:   "output/result_drive_1.mp4",
		Stats:       &stats,
		Scenes:      []scene.Scene{{Start: 10, End: 20}},
		SourcePath:  "uploads/abc.mp4",
		OwnedSource: true,
	}

	data, err := EncodeRecord(in)
	require.NoError(t, err)
	out, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeRecord([]byte("{"))
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st)
	assert.False(t, st.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())

	_, err = ParseStatus("queued")
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var mu sync.Mutex
	active, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("same")
			mu.Lock()
			active++
			peak = max(peak, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			k.Unlock("same")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak, "same key is exclusive")
	assert.Equal(t, 0, k.size(), "idle keys are released")

	k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("b")
		k.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
	k.Unlock("a")
}
