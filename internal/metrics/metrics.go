// Package metrics holds the worker's domain Prometheus collectors. They are
// registered on the default registry and exposed by the admin /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fabricd"

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Generation sessions by final state",
		},
		[]string{"state"},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "tokens_total",
			Help:      "Tokens delivered to consumers",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently running",
		},
	)

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "swaps_total",
			Help:      "Model swap attempts by result",
		},
		[]string{"result"},
	)

	modelGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "generation",
			Help:      "Generation of the active model",
		},
	)

	retiredAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "retired_alive",
			Help:      "Swapped-out models still pinned by running sessions",
		},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by result",
		},
		[]string{"result"},
	)

	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts to the orchestrator",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Commands received from the orchestrator by type",
		},
		[]string{"type"},
	)

	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)
)

// WorkerStates lists the values reported by the worker state gauge.
var WorkerStates = []string{"Disconnected", "Connecting", "Connected", "Degraded"}

func init() {
	prometheus.MustRegister(
		sessionsTotal, tokensTotal, sessionsActive,
		swapsTotal, modelGeneration, retiredAlive,
		heartbeatsTotal, reconnectsTotal, commandsTotal, workerState,
	)
	SetWorkerState("Disconnected")
}

// SessionStarted tracks a newly started session.
func SessionStarted() { sessionsActive.Inc() }

// SessionFinished records a session outcome.
func SessionFinished(state string, tokens int) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(state).Inc()
	if tokens > 0 {
		tokensTotal.Add(float64(tokens))
	}
}

// SwapResult records a swap attempt; gen is the active generation afterwards.
func SwapResult(err error, gen uint64) {
	if err != nil {
		swapsTotal.WithLabelValues("error").Inc()
		return
	}
	swapsTotal.WithLabelValues("ok").Inc()
	modelGeneration.Set(float64(gen))
}

// RetiredAlive sets the number of retired models not yet reclaimed.
func RetiredAlive(n int) { retiredAlive.Set(float64(n)) }

// Heartbeat records one heartbeat send.
func Heartbeat(err error) {
	if err != nil {
		heartbeatsTotal.WithLabelValues("error").Inc()
		return
	}
	heartbeatsTotal.WithLabelValues("ok").Inc()
}

// Reconnect counts a reconnect attempt.
func Reconnect() { reconnectsTotal.Inc() }

// Command counts a received command.
func Command(typ string) { commandsTotal.WithLabelValues(typ).Inc() }

// SetWorkerState flips the state gauge to state.
func SetWorkerState(state string) {
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(s).Set(v)
	}
}
