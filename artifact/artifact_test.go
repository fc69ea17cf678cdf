package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "output")
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "result_drive_1.mp4")
	require.NoError(t, os.WriteFile(out, []byte("mp4"), 0o644))

	ref, err := store.Publish(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, out, ref)

	loc, err := store.Locate(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, out, loc.Path)
	assert.Empty(t, loc.URL)

	require.NoError(t, store.Remove(ctx, ref))
	assert.NoFileExists(t, out)
	require.NoError(t, store.Remove(ctx, ref), "removing twice is fine")

	_, err = store.Locate(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Publish(ctx, filepath.Join(dir, "missing.mp4"))
	assert.Error(t, err)
}

func TestLocalStore_RejectsOutsidePaths(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(filepath.Join(root, "output"))
	require.NoError(t, err)

	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))

	for _, ref := range []string{secret, filepath.Join(root, "output", "..", "secret.txt"), filepath.Join(root, "output")} {
		_, err := store.Locate(ctx, ref)
		assert.Error(t, err, ref)
		assert.Error(t, store.Remove(ctx, ref), ref)
	}
	assert.FileExists(t, secret)
}

func TestParseRef(t *testing.T) {
	bucket, key, err := parseRef(objectRef("videos", "result_a_1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "videos", bucket)
	assert.Equal(t, "result_a_1.mp4", key)

	for _, bad := range []string{"videos/a.mp4", "s3://videos", "s3:///a.mp4", "s3://videos/"} {
		_, _, err := parseRef(bad)
		assert.Error(t, err, bad)
	}
}
