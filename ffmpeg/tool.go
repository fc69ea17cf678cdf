// Package ffmpeg wraps the ffmpeg and ffprobe binaries for the video I/O the
// scene pipeline needs: probing, single-frame decode, clip cuts and splicing.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"scenereel/config"
)

// ErrNoFrame is returned by ExtractFrame when ffmpeg decodes nothing at the
// requested timestamp, typically at or past the end of the stream.
var ErrNoFrame = errors.New("ffmpeg produced no frame")

type Tool struct {
	cfg      *config.Config
	logger   zerolog.Logger
	workDir  string
	ownsDir  bool
	clipArgs []string
}

func New(cfg *config.Config, logger zerolog.Logger) (*Tool, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}

	clipArgs, err := SplitArgs(cfg.ClipArgs)
	if err != nil {
		return nil, fmt.Errorf("CLIP_ARGS: %w", err)
	}
	if err := ValidateArgs(clipArgs); err != nil {
		return nil, fmt.Errorf("CLIP_ARGS: %w", err)
	}

	workDir, ownsDir := cfg.WorkDir, false
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "scenereel_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		ownsDir = true
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}

	logger = logger.With().Str("component", "ffmpeg").Logger()
	logger.Info().Str("work_dir", workDir).Msg("using work directory")

	return &Tool{
		cfg:      cfg,
		logger:   logger,
		workDir:  workDir,
		ownsDir:  ownsDir,
		clipArgs: clipArgs,
	}, nil
}

// WorkDir is where intermediate clips are written.
func (t *Tool) WorkDir() string { return t.workDir }

// Close removes the work directory if New created it.
func (t *Tool) Close() error {
	if !t.ownsDir {
		return nil
	}
	return os.RemoveAll(t.workDir)
}

// Duration reads the container duration of src in seconds.
func (t *Tool) Duration(ctx context.Context, src string) (float64, error) {
	out, err := t.exec(ctx, t.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		src,
	)
	if err != nil {
		return 0, err
	}
	return parseFFprobeDuration(out)
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseFFprobeDuration(data []byte) (float64, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if out.Format.Duration == "" || out.Format.Duration == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	d, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("invalid duration %v", d)
	}
	return d, nil
}

// ExtractFrame decodes the frame shown at ts seconds.
func (t *Tool) ExtractFrame(ctx context.Context, src string, ts float64) (image.Image, error) {
	out, err := t.exec(ctx, t.cfg.FFBin,
		"-v", "error",
		"-ss", formatTS(ts),
		"-i", src,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at %ss: %w", formatTS(ts), ErrNoFrame)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame at %ss: %w", formatTS(ts), err)
	}
	return img, nil
}

// ExtractClip re-encodes [start, end) of src into a new file in the work
// directory and returns its path. Encoding uses CLIP_ARGS so every clip shares
// codec parameters and can be spliced without another encode.
func (t *Tool) ExtractClip(ctx context.Context, src string, start, end float64) (string, error) {
	if end <= start {
		return "", fmt.Errorf("empty clip range [%s, %s)", formatTS(start), formatTS(end))
	}
	out := filepath.Join(t.workDir, fmt.Sprintf("clip_%s.mp4", shortuuid.New()))

	args := []string{
		"-y", "-v", "error",
		"-ss", formatTS(start),
		"-i", src,
		"-t", formatTS(end - start),
	}
	args = append(args, t.clipArgs...)
	args = append(args, "-avoid_negative_ts", "make_zero", out)

	if _, err := t.exec(ctx, t.cfg.FFBin, args...); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// Concatenate splices clips, in order, into out with the concat demuxer.
func (t *Tool) Concatenate(ctx context.Context, clips []string, out string) error {
	if len(clips) == 0 {
		return fmt.Errorf("nothing to concatenate")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	list, err := os.CreateTemp(t.workDir, "concat_*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(concatList(clips)); err != nil {
		list.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return err
	}

	if _, err := t.exec(ctx, t.cfg.FFBin,
		"-y", "-v", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		out,
	); err != nil {
		os.Remove(out)
		return err
	}
	return nil
}

// concatList renders the concat demuxer input for clips.
func concatList(clips []string) string {
	var b strings.Builder
	for _, c := range clips {
		if abs, err := filepath.Abs(c); err == nil {
			c = abs
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(c, "'", `'\''`))
	}
	return b.String()
}

// CheckResources verifies that the host has enough idle CPU, free memory and
// free disk to start a new job. A zero threshold disables that check.
func (t *Tool) CheckResources() error {
	if t.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			t.logger.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-t.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], t.cfg.ThrottleCPU)
		}
	}

	if t.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			t.logger.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(t.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, t.cfg.ThrottleFreeMem)
		}
	}

	if t.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(t.workDir)
		if err != nil {
			t.logger.Warn().Err(err).Str("dir", t.workDir).Msg("could not get disk usage")
		} else if d.Free < uint64(t.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, t.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}

// exec runs bin bounded by FF_TIMEOUT and returns its stdout. On failure the
// tail of stderr is folded into the error.
func (t *Tool) exec(ctx context.Context, bin string, args ...string) ([]byte, error) {
	if t.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.FFTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug().Str("bin", bin).Strs("args", args).Msg("executing")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(bin), ctx.Err())
		}
		return nil, fmt.Errorf("%s execution failed: %w: %s", filepath.Base(bin), err, tail(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func formatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
