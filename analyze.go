package main

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scenereel/artifact"
	"scenereel/pipeline"
	"scenereel/scene"
	"scenereel/task"
)

var analyzeOutputDir string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video or url>",
	Short: "Detect scenes in a video and write the highlight reel",
	Long: `Detect scenes in a local video file, or in a remote one given by an http(s)
URL and downloaded with yt-dlp first, and write the highlight reel.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOutputDir, "output-dir", "", "Directory for output files (overrides OUTPUT_DIR)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, shutdownTracing, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)
	if analyzeOutputDir != "" {
		cfg.OutputDir = analyzeOutputDir
	}
	// The reel stays on disk next to the other outputs.
	cfg.Artifacts = "local"

	rt, err := newRuntime(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	started := time.Now()
	p := rt.pipeline(cfg, log.Logger)
	out, err := p.Process(ctx, analyzeJob(args[0]))
	if err != nil {
		log.Error().Err(err).Str("reason", pipeline.Reason(err)).Msg("processing failed or no scenes found")
		return err
	}

	loc, err := rt.artifacts.Locate(ctx, out.OutputRef)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), loc, out.Scenes, out.Stats, time.Since(started))
	return nil
}

// analyzeJob turns the command argument into a job; http(s) arguments are
// fetched, anything else is a local path.
func analyzeJob(arg string) task.Job {
	job := task.Job{TaskID: shortuuid.New(), SourceName: filepath.Base(arg)}
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		job.SourceURL = arg
		job.SourceName = path.Base(strings.SplitN(arg, "?", 2)[0])
		return job
	}
	job.SourcePath = arg
	return job
}

func printReport(w io.Writer, loc artifact.Location, scenes []scene.Scene, stats scene.Stats, elapsed time.Duration) {
	fmt.Fprintln(w, "Scenes:")
	for i, s := range scenes {
		fmt.Fprintf(w, "  %2d. %8.3fs - %8.3fs (%.3fs)\n", i+1, s.Start, s.End, s.End-s.Start)
	}
	fmt.Fprintln(w, "Statistics:")
	fmt.Fprintln(w, stats.Summary())
	fmt.Fprintf(w, "Video Duration: %.2fs\n", stats.VideoDuration)
	fmt.Fprintf(w, "Output saved to: %s\n", loc.Path)
	fmt.Fprintf(w, "Finished. Total Execution Time: %.2fs\n", elapsed.Seconds())
}
