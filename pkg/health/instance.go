package health

import (
	"context"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Instance is the part of an HA database the checks read.
type Instance interface {
	CurrentRole() cluster.Role
	Master() cluster.InstanceID
	IsAvailable() bool
	View() *cluster.ClusterView
	ReplicationLag() uint64
	Store() replication.Store
}

// Options tune RegisterInstance.
type Options struct {
	// MaxReplicationLag degrades the replication check past this many
	// transactions. Zero disables it.
	MaxReplicationLag uint64
}

// RegisterInstance wires the standard HA checks for inst. Every check is
// part of the full report; readiness requires availability and liveness
// only requires that the instance is not detached.
func (hc *HealthChecker) RegisterInstance(inst Instance, opts Options) {
	role := RoleCheck(func() (cluster.Role, cluster.InstanceID) {
		return inst.CurrentRole(), inst.Master()
	})
	available := AvailabilityCheck(inst.IsAvailable)

	hc.SetSummary(func() Summary {
		return Summary{Role: inst.CurrentRole().String(), Master: int(inst.Master())}
	})
	hc.RegisterCheck("role", role)
	hc.RegisterCheck("quorum", QuorumCheck(inst.View))
	hc.RegisterCheck("replication", ReplicationLagCheck(inst.ReplicationLag, opts.MaxReplicationLag))
	hc.RegisterCheck("store", StoreCheck(
		func() (uint64, uint64) {
			s := inst.Store()
			return uint64(s.LowestTransactionID()), uint64(s.HighestLocalTransactionID())
		},
		func() error {
			s := inst.Store()
			id := s.HighestLocalTransactionID()
			if id == 0 {
				return nil
			}
			_, err := s.ReadTransactionRange(context.Background(), id, id)
			return err
		},
	))

	hc.RegisterReadinessCheck("availability", available)
	hc.RegisterLivenessCheck("role", func() Check {
		check := role()
		// A pending instance is still alive.
		if check.Status == StatusDegraded {
			check.Status = StatusHealthy
		}
		return check
	})
}
