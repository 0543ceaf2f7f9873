// Package metrics holds the package-level Prometheus collectors shared
// across the daemon: process lifecycle counters, state gauges, crash
// engine outcomes and alert throughput.
//
// Grounded on this package's own starts/restarts/stops/state-transition
// collectors and atomic-guarded Register idiom, generalized to also cover
// crash decisions and alert delivery, which have no equivalent upstream.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "process", Name: "starts_total",
		Help: "Number of successful process starts.",
	}, []string{"name"})

	processRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "process", Name: "restarts_total",
		Help: "Number of crash-engine-driven auto restarts.",
	}, []string{"name"})

	processStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "process", Name: "stops_total",
		Help: "Number of stops, graceful or killed.",
	}, []string{"name"})

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "process", Name: "state_transitions_total",
		Help: "Number of state transitions between supervisor states.",
	}, []string{"name", "from", "to"})

	currentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "processguard", Subsystem: "process", Name: "current_state",
		Help: "1 for the process's current state label, 0 otherwise.",
	}, []string{"name", "state"})

	crashDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "crash", Name: "decisions_total",
		Help: "Crash Engine decisions by kind (restart, disable, quarantine, cascade).",
	}, []string{"name", "decision"})

	alertsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "processguard", Subsystem: "alerts", Name: "published_total",
		Help: "Alerts published by kind and severity.",
	}, []string{"kind", "severity"})

	dependencyGraphNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "processguard", Subsystem: "depgraph", Name: "nodes",
		Help: "Number of processes registered in the dependency graph.",
	})
)

// Register registers the package-level collectors plus any caller-supplied
// collectors (e.g. the sampler's per-process resource gauges) with r. Safe
// to call more than once; already-registered collectors are ignored.
func Register(r prometheus.Registerer, extra ...prometheus.Collector) error {
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops, stateTransitions,
		currentState, crashDecisions, alertsPublished, dependencyGraphNodes,
	}
	cs = append(cs, extra...)
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

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
		currentState.WithLabelValues(name, from).Set(0)
		currentState.WithLabelValues(name, to).Set(1)
	}
}

func RecordCrashDecision(name, decision string) {
	if regOK.Load() {
		crashDecisions.WithLabelValues(name, decision).Inc()
	}
}

func RecordAlertPublished(kind, severity string) {
	if regOK.Load() {
		alertsPublished.WithLabelValues(kind, severity).Inc()
	}
}

func SetDependencyGraphNodes(n int) {
	if regOK.Load() {
		dependencyGraphNodes.Set(float64(n))
	}
}
