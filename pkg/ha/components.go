package ha

import (
	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Components are the concrete collaborators of a Database. Every field is
// optional; unset fields get production defaults in New.
type Components struct {
	// Store is the replicated storage engine. Nil opens a txlog store in
	// Config.StoreDir, owned and closed by the Database.
	Store replication.Store
	// Network carries HA channels. Nil means TCP.
	Network replication.Network
	// Membership feeds the cluster view. Nil means gossip on
	// ha.cluster_server joining ha.initial_hosts.
	Membership cluster.Membership
	Clock      clock.Clock
	Logger     logging.Logger
	Metrics    *metrics.Registry
}

// proberSetter is implemented by memberships that probe over HA channels.
type proberSetter interface {
	SetProber(p cluster.Prober)
}

// sizer is implemented by memberships with a fixed member list.
type sizer interface {
	Size() int
}

func (c *Components) applyDefaults() {
	if c.Network == nil {
		c.Network = replication.TCPNetwork{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultRegistry()
	}
	c.Logger = logging.OrDefault(c.Logger)
}
