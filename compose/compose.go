// Package compose cuts detected scenes out of a source video and splices them
// into a single output file.
package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"scenereel/scene"
)

// VideoIO is the subset of ffmpeg.Tool the composer drives.
type VideoIO interface {
	ExtractClip(ctx context.Context, src string, start, end float64) (string, error)
	Concatenate(ctx context.Context, clips []string, out string) error
}

// ComposeError reports a failed extract, splice or write.
type ComposeError struct {
	Op  string
	Err error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("compose %s: %v", e.Op, e.Err)
}

func (e *ComposeError) Unwrap() error { return e.Err }

type Composer struct {
	logger zerolog.Logger
	io     VideoIO
}

func NewComposer(logger zerolog.Logger, io VideoIO) *Composer {
	return &Composer{
		logger: logger.With().Str("component", "composer").Logger(),
		io:     io,
	}
}

// Compose writes the scenes of src, in chronological order, to out and
// returns out. Intermediate clips are removed whether or not it succeeds.
func (c *Composer) Compose(ctx context.Context, src string, scenes []scene.Scene, out string) (string, error) {
	if len(scenes) == 0 {
		return "", &ComposeError{Op: "plan", Err: fmt.Errorf("no scenes to compose")}
	}
	if _, err := os.Stat(src); err != nil {
		return "", &ComposeError{Op: "open source", Err: err}
	}

	ordered := make([]scene.Scene, len(scenes))
	copy(ordered, scenes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	clips := make([]string, 0, len(ordered))
	defer func() {
		for _, clip := range clips {
			if err := os.Remove(clip); err != nil && !os.IsNotExist(err) {
				c.logger.Warn().Err(err).Str("clip", clip).Msg("failed to remove intermediate clip")
			}
		}
	}()

	for i, s := range ordered {
		clip, err := c.io.ExtractClip(ctx, src, s.Start, s.End)
		if err != nil {
			return "", &ComposeError{Op: fmt.Sprintf("extract scene %d [%.3f, %.3f)", i, s.Start, s.End), Err: err}
		}
		clips = append(clips, clip)
		c.logger.Debug().Int("scene", i).Float64("start", s.Start).Float64("end", s.End).Msg("clip extracted")
	}

	if err := c.io.Concatenate(ctx, clips, out); err != nil {
		return "", &ComposeError{Op: "concatenate", Err: err}
	}

	c.logger.Info().Int("scenes", len(ordered)).Str("output", out).Msg("output composed")
	return out, nil
}

// OutputName is the file name a composed result gets:
// result_<source base name>_<task id>_<unix seconds>.mp4. The task id keeps
// outputs of same-named sources apart; it is left out when empty.
func OutputName(sourceName, taskID string, now time.Time) string {
	base := filepath.Base(sourceName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "video"
	}
	if taskID != "" {
		base += "_" + filepath.Base(taskID)
	}
	return fmt.Sprintf("result_%s_%d.mp4", base, now.Unix())
}
