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

	configWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "config",
			Name:      "writes_total",
			Help:      "Number of configuration writes by result.",
		}, []string{"result"},
	)
	configBackups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "config",
			Name:      "backups_total",
			Help:      "Number of configuration backups created.",
		},
	)
	configRestores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "config",
			Name:      "restores_total",
			Help:      "Number of configuration restores from backup.",
		},
	)
	engineHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "healthy",
			Help:      "Last observed engine health (1 = healthy).",
		},
	)
	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "health_transitions_total",
			Help:      "Number of observed engine health transitions.",
		}, []string{"to"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "restart_attempts_total",
			Help:      "Number of supervisor restart attempts by result.",
		}, []string{"result"},
	)
	restartCeiling = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "restart_ceiling_total",
			Help:      "Number of ticks where a restart was skipped because the ceiling was reached.",
		},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proxyvisor",
			Subsystem: "engine",
			Name:      "probe_duration_seconds",
			Help:      "Duration of engine health probes.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{configWrites, configBackups, configRestores, engineHealthy, healthTransitions, restartAttempts, restartCeiling, probeDuration}
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncConfigWrite(ok bool) {
	if regOK.Load() {
		configWrites.WithLabelValues(result(ok)).Inc()
	}
}

func IncBackup() {
	if regOK.Load() {
		configBackups.Inc()
	}
}

func IncRestore() {
	if regOK.Load() {
		configRestores.Inc()
	}
}

func SetEngineHealthy(healthy bool) {
	if regOK.Load() {
		var v float64
		if healthy {
			v = 1
		}
		engineHealthy.Set(v)
	}
}

func RecordHealthTransition(healthy bool) {
	if regOK.Load() {
		to := "unhealthy"
		if healthy {
			to = "healthy"
		}
		healthTransitions.WithLabelValues(to).Inc()
	}
}

func IncRestartAttempt(ok bool) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(result(ok)).Inc()
	}
}

func IncRestartCeiling() {
	if regOK.Load() {
		restartCeiling.Inc()
	}
}

func ObserveProbe(seconds float64) {
	if regOK.Load() {
		probeDuration.Observe(seconds)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
