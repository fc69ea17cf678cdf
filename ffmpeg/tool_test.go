package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenereel/config"
)

func TestParseFFprobeDuration(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float64
		wantErr bool
	}{
		{"normal", `{"format": {"duration": "123.456000"}}`, 123.456, false},
		{"missing", `{"format": {}}`, 0, true},
		{"not available", `{"format": {"duration": "N/A"}}`, 0, true},
		{"zero", `{"format": {"duration": "0.000000"}}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFFprobeDuration([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/tmp/a.mp4", "/tmp/it's.mp4"})
	assert.Equal(t, "file '/tmp/a.mp4'\nfile '/tmp/it'\\''s.mp4'\n", got)
}

func TestFormatTS(t *testing.T) {
	assert.Equal(t, "0.000", formatTS(0))
	assert.Equal(t, "12.346", formatTS(12.3456))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("  short\n", 10))
	assert.Equal(t, "...6789", tail("0123456789", 4))
}

func TestCheckResources_Disabled(t *testing.T) {
	tool := &Tool{cfg: &config.Config{}, logger: zerolog.Nop(), workDir: t.TempDir()}
	assert.NoError(t, tool.CheckResources())
}

func TestCheckResources_ImpossibleDisk(t *testing.T) {
	tool := &Tool{
		cfg:     &config.Config{ThrottleFreeDisk: 1 << 62},
		logger:  zerolog.Nop(),
		workDir: t.TempDir(),
	}
	err := tool.CheckResources()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough free disk space")
}

// TestTool_Integration exercises the real binaries on a generated source.
func TestTool_Integration(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	gen := exec.Command("ffmpeg", "-y", "-v", "error",
		"-f", "lavfi", "-i", "testsrc=duration=4:size=64x48:rate=10",
		"-f", "lavfi", "-i", "sine=duration=4",
		"-c:v", "mpeg4", "-c:a", "aac", "-shortest", src)
	out, err := gen.CombinedOutput()
	require.NoError(t, err, string(out))

	tool, err := New(&config.Config{
		FFBin:      "ffmpeg",
		FFProbeBin: "ffprobe",
		FFTimeout:  time.Minute,
		ClipArgs:   "-c:v mpeg4 -q:v 5 -c:a aac",
		WorkDir:    filepath.Join(dir, "work"),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer tool.Close()

	ctx := context.Background()

	d, err := tool.Duration(ctx, src)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, d, 0.2)

	frame, err := tool.ExtractFrame(ctx, src, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Bounds().Dx())

	_, err = tool.ExtractFrame(ctx, src, 60)
	assert.Error(t, err)

	a, err := tool.ExtractClip(ctx, src, 0.5, 1.5)
	require.NoError(t, err)
	b, err := tool.ExtractClip(ctx, src, 2.0, 3.5)
	require.NoError(t, err)

	result := filepath.Join(dir, "out", "result.mp4")
	require.NoError(t, tool.Concatenate(ctx, []string{a, b}, result))
	_, err = os.Stat(result)
	require.NoError(t, err)

	total, err := tool.Duration(ctx, result)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, total, 0.5)

	_, err = tool.Duration(ctx, filepath.Join(dir, "missing.mp4"))
	assert.Error(t, err)
}
