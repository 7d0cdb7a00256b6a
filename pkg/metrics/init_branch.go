package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initBranchMetrics() {
	r.BranchEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_branches_total",
			Help: "Confirmed branches by the policy that handled them",
		},
		[]string{"policy"},
	)

	r.BootstrapsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_bootstraps_total",
			Help: "Store re-bootstraps from the master",
		},
		[]string{"result"}, // ok, failed
	)

	r.BootstrapDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphdb_ha_bootstrap_duration_seconds",
			Help:    "Time to copy and install a master snapshot",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
}
