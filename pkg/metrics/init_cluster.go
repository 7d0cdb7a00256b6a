package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_role",
			Help: "Current HA role of this instance (1 for the active role)",
		},
		[]string{"role"}, // pending, master, slave, detached
	)

	r.ClusterRoleTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_role_transitions_total",
			Help: "Completed role transitions",
		},
		[]string{"from", "to"},
	)

	r.ClusterTerm = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_election_term",
			Help: "Highest election term seen by this instance",
		},
	)

	r.ClusterElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_elections_total",
			Help: "Elections this instance campaigned in",
		},
		[]string{"result"}, // won, lost, timeout, no_quorum
	)

	r.ClusterElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_ha_election_duration_seconds",
			Help:    "Time to finish a campaign",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	r.ClusterMembers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_members",
			Help: "Cluster members by liveness",
		},
		[]string{"state"}, // alive, failed
	)

	r.ClusterHeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_heartbeats_total",
			Help: "Master heartbeats",
		},
		[]string{"direction"}, // sent, received
	)
}
