package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for an HA instance
type Registry struct {
	// Cluster Metrics
	ClusterRole                 *prometheus.GaugeVec
	ClusterRoleTransitionsTotal *prometheus.CounterVec
	ClusterTerm                 prometheus.Gauge
	ClusterElectionsTotal       *prometheus.CounterVec
	ClusterElectionDuration     prometheus.Histogram
	ClusterMembers              *prometheus.GaugeVec
	ClusterHeartbeatsTotal      *prometheus.CounterVec

	// Replication Metrics
	PullsTotal              *prometheus.CounterVec
	PullDuration            prometheus.Histogram
	TransactionsPulledTotal prometheus.Counter
	LastAppliedTxID         prometheus.Gauge
	ReplicationLagTx        prometheus.Gauge
	PushesTotal             *prometheus.CounterVec
	PushDuration            prometheus.Histogram
	BytesTransferredTotal   *prometheus.CounterVec

	// Channel Pool Metrics
	PoolChannelsOpen       *prometheus.GaugeVec
	PoolChannelsInUse      *prometheus.GaugeVec
	PoolLeaseTimeoutsTotal *prometheus.CounterVec
	PoolEvictionsTotal     *prometheus.CounterVec

	// Branch Metrics
	BranchEventsTotal *prometheus.CounterVec
	BootstrapsTotal   *prometheus.CounterVec
	BootstrapDuration prometheus.Histogram

	// System Metrics
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
	role     string
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initClusterMetrics()
	r.initReplicationMetrics()
	r.initPoolMetrics()
	r.initBranchMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
