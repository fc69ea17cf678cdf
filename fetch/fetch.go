// Package fetch downloads remote videos with yt-dlp so they can be analysed
// like uploads.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"scenereel/config"
)

// ErrNoOutput is returned when yt-dlp exits cleanly without naming a file.
var ErrNoOutput = errors.New("yt-dlp reported no downloaded file")

type Fetcher struct {
	bin     string
	format  string
	timeout time.Duration
	dir     string
	logger  zerolog.Logger
}

func New(cfg *config.Config, logger zerolog.Logger) (*Fetcher, error) {
	if _, err := exec.LookPath(cfg.YTDLPBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YTDLPBin)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create download directory: %w", err)
	}
	return &Fetcher{
		bin:     cfg.YTDLPBin,
		format:  cfg.DownloadFormat,
		timeout: cfg.DownloadTimeout,
		dir:     cfg.UploadDir,
		logger:  logger.With().Str("component", "fetch").Logger(),
	}, nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// Fetch downloads rawURL into the upload directory and returns the path of
// the file. The caller owns the file.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	args := []string{
		"--no-playlist",
		"--no-progress",
		"-o", filepath.Join(f.dir, "source_"+shortuuid.New()+".%(ext)s"),
		"--print", "after_move:filepath",
	}
	if f.format != "" {
		args = append(args, "-f", f.format)
	}
	args = append(args, "--", rawURL)

	cmd := exec.CommandContext(ctx, f.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	f.logger.Info().Str("url", rawURL).Msg("downloading source")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("yt-dlp: %w", ctx.Err())
		}
		return "", fmt.Errorf("yt-dlp execution failed: %w: %s", err, tail(stderr.String(), 512))
	}

	path := lastLine(stdout.String())
	if path == "" {
		return "", ErrNoOutput
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("downloaded file: %w", err)
	}
	f.logger.Info().Str("path", path).Dur("took", time.Since(start)).Msg("source downloaded")
	return path, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
