// Package metrics centralizes the Prometheus collectors shared across
// every autoweave-core component (spec.md §7/§8), mirroring the
// teacher's package-level MustRegister pattern in main.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ObserverErrorsTotal counts usbdevice.ObserverError occurrences by
	// kind.
	ObserverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "usbdevice",
		Name:      "observer_errors_total",
		Help:      "USB device observer errors by kind.",
	}, []string{"kind"})

	// DebouncerOverflowTotal counts backpressure ring buffer overflows
	// in the Event Debouncer.
	DebouncerOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "debounce",
		Name:      "overflow_total",
		Help:      "Events dropped because the debouncer's backpressure ring was full.",
	})

	// StreamAppendFailuresTotal counts failed Store.Append attempts,
	// whether or not a later retry succeeds.
	StreamAppendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "stream",
		Name:      "append_failures_total",
		Help:      "Event stream append attempts that failed, whether or not a later retry succeeded.",
	})

	// PluginStateTransitionsTotal counts Plugin Manager state machine
	// transitions by target state.
	PluginStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "pluginmgr",
		Name:      "state_transitions_total",
		Help:      "Plugin Manager state machine transitions by target state.",
	}, []string{"state"})

	// WorkersActive gauges the number of currently Active worker
	// processes.
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autoweave",
		Subsystem: "workerpool",
		Name:      "workers_active",
		Help:      "Number of worker subprocesses currently Active.",
	})

	// WorkerTerminationsTotal counts worker process terminations by
	// reason: "load_failed", "drained", "idle_reclaim", or one of
	// spec.md §7's worker:terminated reasons - "MemoryExceeded",
	// "CPUExceeded", "Unresponsive", "WorkerCrash".
	WorkerTerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "workerpool",
		Name:      "worker_terminations_total",
		Help:      "Worker subprocess terminations by reason.",
	}, []string{"reason"})

	// PluginMetricsTotal counts metric host-API calls made by plugins,
	// per named metric (the plugin-supplied values themselves are not
	// trusted as a cardinality source beyond this counter).
	PluginMetricsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoweave",
		Subsystem: "sandbox",
		Name:      "plugin_metric_calls_total",
		Help:      "Calls to the sandboxed Metric host API, by metric name.",
	}, []string{"metric"})
)

func init() {
	prometheus.MustRegister(
		ObserverErrorsTotal,
		DebouncerOverflowTotal,
		StreamAppendFailuresTotal,
		PluginStateTransitionsTotal,
		WorkersActive,
		WorkerTerminationsTotal,
		PluginMetricsTotal,
	)
}

// RecordPluginMetric is called by the Worker Pool's Sandbox whenever a
// plugin calls the Metric host API.
func RecordPluginMetric(name string, value float64) {
	PluginMetricsTotal.WithLabelValues(name).Add(value)
}
