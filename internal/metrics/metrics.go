package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rooms currently held in memory by the coordinator
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairpad",
		Name:      "rooms",
		Help:      "Rooms held in memory.",
	})

	// Live connections across all rooms
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairpad",
		Name:      "connections",
		Help:      "Connections registered with the coordinator.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairpad",
		Name:      "messages_sent_total",
		Help:      "Fan-out sends by message kind.",
	}, []string{"kind"})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairpad",
		Name:      "send_failures_total",
		Help:      "Sends that failed and led to the connection being pruned.",
	})

	RoomsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairpad",
		Name:      "rooms_evicted_total",
		Help:      "Idle rooms dropped from memory.",
	})

	EditsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairpad",
		Name:      "edits_dropped_total",
		Help:      "Inbound edits discarded before reaching the coordinator.",
	}, []string{"reason"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
