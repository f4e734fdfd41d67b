package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botctl",
			Subsystem: "worker",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"op", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botctl",
			Subsystem: "worker",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations, including grace period and stop escalation.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 120},
		}, []string{"op"},
	)
	busyRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botctl",
			Subsystem: "controller",
			Name:      "busy_rejections_total",
			Help:      "Operations refused because another was in flight.",
		},
	)
	workerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botctl",
			Subsystem: "worker",
			Name:      "up",
			Help:      "1 when the worker was observed running at the last refresh.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botctl",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Observed worker state changes.",
		}, []string{"from", "to"},
	)
	historyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botctl",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "History events a sink failed to accept.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{operations, operationDuration, busyRejections, workerUp, stateTransitions, historyErrors}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
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

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func ObserveOperation(op, outcome string, took time.Duration) {
	if regOK.Load() {
		operations.WithLabelValues(op, outcome).Inc()
		operationDuration.WithLabelValues(op).Observe(took.Seconds())
	}
}

func IncBusy() {
	if regOK.Load() {
		busyRejections.Inc()
	}
}

func SetWorkerUp(up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		workerUp.Set(v)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() && from != to {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncHistoryError() {
	if regOK.Load() {
		historyErrors.Inc()
	}
}
