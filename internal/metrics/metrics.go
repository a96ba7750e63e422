// Package metrics declares the Prometheus collectors a running server
// exposes: call throughput, robust-history size and eviction rate,
// peer and object-child liveness, and client cardinality — carried
// the way every long-running daemon in the pack exposes metrics, even
// though it isn't part of this system's core contract.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector a server registers once at startup.
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
	HistorySize      *prometheus.GaugeVec
	HistoryEvictions *prometheus.CounterVec
	PeerAlive        *prometheus.GaugeVec
	ObjectAlive      *prometheus.GaugeVec
	ClientsConnected prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Name:      "commands_total",
			Help:      "Total commands applied, by object and result status.",
		}, []string{"object", "status"}),

		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replicant",
			Name:      "command_latency_seconds",
			Help:      "Time spent applying a command to an object.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"object"}),

		HistorySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replicant",
			Name:      "robust_history_entries",
			Help:      "Current number of entries retained in an object's robust history.",
		}, []string{"object"}),

		HistoryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Name:      "robust_history_evictions_total",
			Help:      "Entries evicted from an object's robust history by garbage collection.",
		}, []string{"object"}),

		PeerAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replicant",
			Name:      "peer_alive",
			Help:      "1 if a peer server is not currently suspected failed, else 0.",
		}, []string{"server_id"}),

		ObjectAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replicant",
			Name:      "object_alive",
			Help:      "1 if an object's child process is running and not a zombie, else 0.",
		}, []string{"object"}),

		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replicant",
			Name:      "clients_connected",
			Help:      "Currently registered clients.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandLatency,
		m.HistorySize,
		m.HistoryEvictions,
		m.PeerAlive,
		m.ObjectAlive,
		m.ClientsConnected,
	)
	return m
}
