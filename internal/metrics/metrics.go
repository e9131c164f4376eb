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

	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of successful process spawns.",
		}, []string{"instance"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of auto restarts.",
		}, []string{"instance"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits.",
		}, []string{"instance"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"instance", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of instances (1 = active state, 0 = inactive).",
		}, []string{"instance", "state"},
	)

	errorsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "errors",
			Name:      "stored_total",
			Help:      "Number of error occurrences delivered to the store.",
		}, []string{"instance"},
	)
	errorsDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "errors",
			Name:      "deduplicated_total",
			Help:      "Number of occurrences collapsed into an existing record.",
		}, []string{"instance"},
	)

	logBatchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "logs",
			Name:      "batches_flushed_total",
			Help:      "Number of log batches delivered.",
		}, []string{"instance"},
	)
	logEntriesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "logs",
			Name:      "entries_flushed_total",
			Help:      "Number of log entries delivered.",
		}, []string{"instance"},
	)
	logBatchesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "logs",
			Name:      "batches_dropped_total",
			Help:      "Number of log batches discarded after delivery retries failed.",
		}, []string{"instance"},
	)
	logEntriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "logs",
			Name:      "entries_dropped_total",
			Help:      "Number of log entries discarded (failed batches and queue overflow).",
		}, []string{"instance", "reason"},
	)
	logQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "logs",
			Name:      "queue_depth",
			Help:      "Pending log entries awaiting flush.",
		}, []string{"instance"},
	)

	deliveryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procwatch",
			Subsystem: "transport",
			Name:      "delivery_retries_total",
			Help:      "Number of failed delivery attempts by record kind.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processSpawns, processRestarts, processCrashes, stateTransitions, currentStates,
		resourceCPUPercent, resourceMemoryRSS, resourceThreads, resourceFDs,
		errorsStored, errorsDeduplicated,
		logBatchesFlushed, logEntriesFlushed, logBatchesDropped, logEntriesDropped, logQueueDepth,
		deliveryRetries,
	}
	for _, c := range cs {
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncSpawn(instance string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(instance).Inc()
	}
}
func IncRestart(instance string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(instance).Inc()
	}
}
func IncCrash(instance string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(instance).Inc()
	}
}
func RecordStateTransition(instance, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(instance, from, to).Inc()
	}
}
func SetCurrentState(instance, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(instance, state).Set(v)
	}
}

func IncErrorStored(instance string) {
	if regOK.Load() {
		errorsStored.WithLabelValues(instance).Inc()
	}
}
func IncErrorDeduplicated(instance string) {
	if regOK.Load() {
		errorsDeduplicated.WithLabelValues(instance).Inc()
	}
}

func IncBatchFlushed(instance string, entries int) {
	if regOK.Load() {
		logBatchesFlushed.WithLabelValues(instance).Inc()
		logEntriesFlushed.WithLabelValues(instance).Add(float64(entries))
	}
}
func IncBatchDropped(instance string, entries int) {
	if regOK.Load() {
		logBatchesDropped.WithLabelValues(instance).Inc()
		logEntriesDropped.WithLabelValues(instance, "delivery_failed").Add(float64(entries))
	}
}
func IncEntriesEvicted(instance string, entries int) {
	if regOK.Load() {
		logEntriesDropped.WithLabelValues(instance, "queue_overflow").Add(float64(entries))
	}
}
func SetQueueDepth(instance string, depth int) {
	if regOK.Load() {
		logQueueDepth.WithLabelValues(instance).Set(float64(depth))
	}
}

func IncDeliveryRetry(kind string) {
	if regOK.Load() {
		deliveryRetries.WithLabelValues(kind).Inc()
	}
}
