package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.PullsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_pulls_total",
			Help: "Update pull rounds against the master",
		},
		[]string{"result"}, // ok, error, branch
	)

	r.PullDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_ha_pull_duration_seconds",
			Help:    "Duration of one pull round",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.TransactionsPulledTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphdb_ha_transactions_applied_total",
			Help: "Transactions applied from the master",
		},
	)

	r.LastAppliedTxID = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_last_applied_tx_id",
			Help: "Highest contiguous transaction id applied locally",
		},
	)

	r.ReplicationLagTx = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_replication_lag_transactions",
			Help: "Transactions the master has that this slave has not applied",
		},
	)

	r.PushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_pushes_total",
			Help: "Transaction pushes to slaves",
		},
		[]string{"result"}, // acked, timeout, failed
	)

	r.PushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_ha_push_duration_seconds",
			Help:    "Time spent waiting for push acknowledgements per commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.BytesTransferredTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_bytes_transferred_total",
			Help: "Payload bytes moved over replication channels",
		},
		[]string{"direction"}, // sent, received
	)
}
