package metrics

import (
	"runtime"
	"strconv"
	"time"
)

var allRoles = []string{"pending", "master", "slave", "detached"}

// SetRole marks role as the active one and counts the transition.
func (r *Registry) SetRole(role string) {
	r.mu.Lock()
	prev := r.role
	r.role = role
	r.mu.Unlock()

	for _, name := range allRoles {
		r.ClusterRole.WithLabelValues(name).Set(0)
	}
	r.ClusterRole.WithLabelValues(role).Set(1)

	if prev != "" && prev != role {
		r.ClusterRoleTransitionsTotal.WithLabelValues(prev, role).Inc()
	}
}

// RecordElection records the outcome of one campaign.
func (r *Registry) RecordElection(result string, term uint64, duration time.Duration) {
	r.ClusterElectionsTotal.WithLabelValues(result).Inc()
	r.ClusterElectionDuration.Observe(duration.Seconds())
	r.ClusterTerm.Set(float64(term))
}

// UpdateMembers sets the membership gauges.
func (r *Registry) UpdateMembers(alive, failed int) {
	r.ClusterMembers.WithLabelValues("alive").Set(float64(alive))
	r.ClusterMembers.WithLabelValues("failed").Set(float64(failed))
}

// RecordPull records one pull round.
func (r *Registry) RecordPull(result string, applied int, duration time.Duration) {
	r.PullsTotal.WithLabelValues(result).Inc()
	r.PullDuration.Observe(duration.Seconds())
	if applied > 0 {
		r.TransactionsPulledTotal.Add(float64(applied))
	}
}

// UpdateReplicationPosition sets the applied cursor and the lag behind the
// master's highest transaction id.
func (r *Registry) UpdateReplicationPosition(lastApplied, masterHighest uint64) {
	r.LastAppliedTxID.Set(float64(lastApplied))
	if masterHighest > lastApplied {
		r.ReplicationLagTx.Set(float64(masterHighest - lastApplied))
	} else {
		r.ReplicationLagTx.Set(0)
	}
}

// RecordPush records acknowledgement results for one commit.
func (r *Registry) RecordPush(acked, timedOut, failed int, duration time.Duration) {
	if acked > 0 {
		r.PushesTotal.WithLabelValues("acked").Add(float64(acked))
	}
	if timedOut > 0 {
		r.PushesTotal.WithLabelValues("timeout").Add(float64(timedOut))
	}
	if failed > 0 {
		r.PushesTotal.WithLabelValues("failed").Add(float64(failed))
	}
	r.PushDuration.Observe(duration.Seconds())
}

// RecordBytes counts replication payload bytes.
func (r *Registry) RecordBytes(direction string, n int) {
	r.BytesTransferredTotal.WithLabelValues(direction).Add(float64(n))
}

// UpdatePool sets the channel gauges for one remote instance.
func (r *Registry) UpdatePool(remote, open, inUse int) {
	id := strconv.Itoa(remote)
	r.PoolChannelsOpen.WithLabelValues(id).Set(float64(open))
	r.PoolChannelsInUse.WithLabelValues(id).Set(float64(inUse))
}

// RecordLeaseTimeout counts a timed out channel acquisition.
func (r *Registry) RecordLeaseTimeout(remote int) {
	r.PoolLeaseTimeoutsTotal.WithLabelValues(strconv.Itoa(remote)).Inc()
}

// RecordEviction counts a channel closed by the pool.
func (r *Registry) RecordEviction(reason string) {
	r.PoolEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordBranch counts a confirmed branch.
func (r *Registry) RecordBranch(policy string) {
	r.BranchEventsTotal.WithLabelValues(policy).Inc()
}

// RecordBootstrap records a re-bootstrap attempt.
func (r *Registry) RecordBootstrap(ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.BootstrapsTotal.WithLabelValues(result).Inc()
	r.BootstrapDuration.Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes uptime and goroutine gauges.
func (r *Registry) UpdateSystemMetrics(startTime time.Time) {
	r.UptimeSeconds.Set(time.Since(startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
