package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initPoolMetrics() {
	r.PoolChannelsOpen = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_pool_channels_open",
			Help: "Open channels per remote instance",
		},
		[]string{"remote"},
	)

	r.PoolChannelsInUse = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphdb_ha_pool_channels_in_use",
			Help: "Leased channels per remote instance",
		},
		[]string{"remote"},
	)

	r.PoolLeaseTimeoutsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_pool_lease_timeouts_total",
			Help: "Channel acquisitions that timed out",
		},
		[]string{"remote"},
	)

	r.PoolEvictionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphdb_ha_pool_evictions_total",
			Help: "Channels closed by the pool",
		},
		[]string{"reason"}, // broken, idle, close
	)
}
