// Package daemon runs factoryd as a long-lived service: a filesystem watcher
// that picks up request files and feeds them to the pipeline, plus an HTTP
// server exposing status, history, and Prometheus metrics.
package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts request files picked up by the watcher.
	// Labels: result (accepted, invalid)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factoryd",
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Total request files processed by the watcher",
		},
		[]string{"result"},
	)

	// RunsTotal counts completed pipeline runs by terminal status.
	// Labels: status (approved, failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factoryd",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	// RunDuration tracks end-to-end pipeline run duration.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "factoryd",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// RunLoops tracks how many feedback loops each run consumed.
	RunLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "factoryd",
			Subsystem: "pipeline",
			Name:      "run_feedback_loops",
			Help:      "Feedback loops consumed per pipeline run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// LastScore records the final score of the most recent run.
	LastScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "factoryd",
			Subsystem: "pipeline",
			Name:      "last_run_score",
			Help:      "Final quality score of the most recent run",
		},
	)
)
