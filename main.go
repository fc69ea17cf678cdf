// scenereel/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scenereel/api"
	"scenereel/config"
	"scenereel/logging"
	"scenereel/schedule"
	"scenereel/task"
	"scenereel/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "scenereel",
	Short: "Find scenes in a video and cut them into a highlight reel",
	Long: `scenereel samples a video coarsely, rescans the promising windows at a
finer interval, and concatenates the detected scenes into a single output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the task workers",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scenereel version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "scenereel", version)
	},
}

var servePort string

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd, analyzeCmd, versionCmd)
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and sets up logging and tracing.
func loadConfig(ctx context.Context) (*config.Config, func(context.Context) error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return nil, nil, err
	}
	return cfg, shutdownTracing, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Create a context that is canceled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, shutdownTracing, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())
	if servePort != "" {
		cfg.Port = servePort
	}

	rt, err := newRuntime(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	registry, closeRegistry, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	taskManager := task.NewManager(cfg, log.Logger, registry, rt.pipeline(cfg, log.Logger), rt.artifacts)

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(taskManager, rt.artifacts, cfg, log.Logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(handler, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var scheduler *schedule.Scheduler
	if cfg.ScheduleCron != "" {
		scheduler, err = schedule.New(taskManager, log.Logger, schedule.Job{
			Name:     "scheduled-analyze",
			CronExpr: cfg.ScheduleCron,
			URL:      cfg.ScheduleURL,
		})
		if err != nil {
			return fmt.Errorf("SCHEDULE_CRON: %w", err)
		}
	}

	if err := taskManager.Start(ctx); err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}
	if scheduler != nil {
		go scheduler.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return fmt.Errorf("listen: %w", err)
	}

	// Restore default behavior on the interrupt signal
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	// The server has 5 seconds to finish the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Running tasks see the cancelled context and record their failure.
	taskManager.Wait()
	log.Info().Msg("server exiting")
	return nil
}
