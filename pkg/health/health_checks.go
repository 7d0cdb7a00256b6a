package health

import (
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// Common health check functions

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) CheckFunc {
	return func() Check {
		return Check{
			Name:   name,
			Status: StatusHealthy,
		}
	}
}

// RoleCheck reports the local cluster role. Detached instances are
// unhealthy, instances still looking for a master are degraded.
func RoleCheck(getRole func() (cluster.Role, cluster.InstanceID)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "role",
			Details: make(map[string]any),
		}

		role, master := getRole()
		check.Details["role"] = role.String()
		if master != cluster.NoInstance {
			check.Details["master"] = int(master)
		}

		switch role {
		case cluster.RoleMaster, cluster.RoleSlave:
			check.Status = StatusHealthy
			check.Message = "Serving as " + role.String()
		case cluster.RoleDetached:
			check.Status = StatusUnhealthy
			check.Message = "Detached from cluster"
		default:
			check.Status = StatusDegraded
			check.Message = "Waiting for a master"
		}

		return check
	}
}

// AvailabilityCheck reports whether the instance can serve requests.
func AvailabilityCheck(isAvailable func() bool) CheckFunc {
	return func() Check {
		check := Check{Name: "availability"}

		if isAvailable() {
			check.Status = StatusHealthy
			check.Message = "Available"
		} else {
			check.Status = StatusUnhealthy
			check.Message = "Not available"
		}

		return check
	}
}

// QuorumCheck creates a health check for cluster membership
func QuorumCheck(getView func() *cluster.ClusterView) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "quorum",
			Details: make(map[string]any),
		}

		view := getView()
		alive, total := view.AliveCount(), len(view.IDs())

		check.Details["has_quorum"] = view.HasQuorum()
		check.Details["quorum_size"] = view.QuorumSize()
		check.Details["alive_members"] = alive
		check.Details["total_members"] = total

		if !view.HasQuorum() {
			check.Status = StatusUnhealthy
			check.Message = "No quorum"
		} else if alive < total {
			check.Status = StatusDegraded
			check.Message = "Some members unreachable"
		} else {
			check.Status = StatusHealthy
			check.Message = "Cluster healthy"
		}

		return check
	}
}

// ReplicationLagCheck degrades once a slave trails its master by more than
// maxLag transactions. A zero maxLag disables the threshold.
func ReplicationLagCheck(getLag func() uint64, maxLag uint64) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "replication",
			Details: make(map[string]any),
		}

		lag := getLag()
		check.Details["lag_transactions"] = lag
		check.Details["max_lag"] = maxLag

		if maxLag > 0 && lag > maxLag {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Trailing master by %d transactions", lag)
		} else {
			check.Status = StatusHealthy
			check.Message = "Replication healthy"
		}

		return check
	}
}

// StoreCheck creates a health check for the local transaction store
func StoreCheck(getRange func() (lowest, highest uint64), probe func() error) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "store",
			Details: make(map[string]any),
		}

		lowest, highest := getRange()
		check.Details["lowest_tx"] = lowest
		check.Details["highest_tx"] = highest

		if probe != nil {
			if err := probe(); err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
				return check
			}
		}
		check.Status = StatusHealthy
		check.Message = "Readable"

		return check
	}
}
