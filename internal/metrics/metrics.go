package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Number of backup runs by result (completed, failed, skipped).",
		}, []string{"result"},
	)
	backupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Wall time of completed backup runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "step_duration_seconds",
			Help:      "Wall time of individual backup steps (copy, archive, cleanup, rotate).",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"step"},
	)
	lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed backup run.",
		},
	)
	archiveBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "archive_bytes",
			Help:      "Size of the most recently written archive.",
		},
	)
	rotatedFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hotbackup",
			Subsystem: "backup",
			Name:      "rotated_files_total",
			Help:      "Number of archives deleted by retention rotation.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hotbackup",
			Subsystem: "container",
			Name:      "commands_total",
			Help:      "Administrative commands by outcome (delivered, skipped, unreachable, failed).",
		}, []string{"outcome"},
	)
	watcherState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hotbackup",
			Subsystem: "watcher",
			Name:      "state",
			Help:      "Current idle shutdown watcher state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	diskFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hotbackup",
			Subsystem: "disk",
			Name:      "free_bytes",
			Help:      "Free bytes on the filesystem holding a backup path.",
		}, []string{"path"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{backupRuns, backupDuration, stepDuration, lastSuccess, archiveBytes, rotatedFiles, commands, watcherState, diskFree}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRun(result string) {
	if regOK.Load() {
		backupRuns.WithLabelValues(result).Inc()
	}
}

func ObserveRunDuration(seconds float64) {
	if regOK.Load() {
		backupDuration.Observe(seconds)
	}
}

func ObserveStep(step string, seconds float64) {
	if regOK.Load() {
		stepDuration.WithLabelValues(step).Observe(seconds)
	}
}

func SetLastSuccess(unix float64) {
	if regOK.Load() {
		lastSuccess.Set(unix)
	}
}

func SetArchiveBytes(n int64) {
	if regOK.Load() {
		archiveBytes.Set(float64(n))
	}
}

func AddRotated(n int) {
	if regOK.Load() && n > 0 {
		rotatedFiles.Add(float64(n))
	}
}

func IncCommand(outcome string) {
	if regOK.Load() {
		commands.WithLabelValues(outcome).Inc()
	}
}

// SetWatcherState marks current as the only active watcher state.
func SetWatcherState(current string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var value float64
		if s == current {
			value = 1
		}
		watcherState.WithLabelValues(s).Set(value)
	}
}

func SetDiskFree(path string, free uint64) {
	if regOK.Load() {
		diskFree.WithLabelValues(path).Set(float64(free))
	}
}
