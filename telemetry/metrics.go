package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenereel",
		Subsystem: "tasks",
		Name:      "submitted_total",
		Help:      "Total tasks accepted for processing.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenereel",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Total tasks that reached a terminal state, labelled by status and failure reason.",
	}, []string{"status", "reason"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scenereel",
		Subsystem: "tasks",
		Name:      "inflight",
		Help:      "Tasks currently being processed.",
	})

	TaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scenereel",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Wall time from processing start to terminal state.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	// ─── Pipeline ────────────────────────────────────────────────────────────────

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scenereel",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}, []string{"stage"})

	FramesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenereel",
		Subsystem: "pipeline",
		Name:      "frames_scored_total",
		Help:      "Frames scored, labelled by scan pass.",
	}, []string{"pass"})

	// ─── Scorer ──────────────────────────────────────────────────────────────────

	ScorerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scenereel",
		Subsystem: "scorer",
		Name:      "batch_size",
		Help:      "Frames per scoring call.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
	})

	ScorerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenereel",
		Subsystem: "scorer",
		Name:      "errors_total",
		Help:      "Failed scoring calls.",
	})
)
