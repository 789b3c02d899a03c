package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fronting_sync_pending_mutations",
		Help: "Mutations waiting in the local queue",
	})

	appliedMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fronting_sync_applied_mutations_total",
		Help: "Mutations acknowledged by the remote backend, by op",
	}, []string{"op"})

	syncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fronting_sync_failures_total",
		Help: "Failed drain attempts by kind",
	}, []string{"kind"})

	transactionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fronting_sync_transaction_seconds",
		Help:    "Time to replay one local transaction against the backend",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	connectorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fronting_sync_state",
		Help: "1 for the connector's current state",
	}, []string{"state"})
)

func recordState(state State) {
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1
		}
		connectorState.WithLabelValues(string(s)).Set(value)
	}
}
