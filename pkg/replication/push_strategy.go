package replication

import (
	"sort"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// Selector picks which slaves receive a commit.
type Selector interface {
	// Select returns min(n, len(slaves)) distinct slaves.
	Select(slaves []cluster.InstanceID, n int) []cluster.InstanceID
}

// FixedPriority always prefers the slaves with the highest instance ids.
type FixedPriority struct{}

// Select implements Selector.
func (FixedPriority) Select(slaves []cluster.InstanceID, n int) []cluster.InstanceID {
	if n <= 0 || len(slaves) == 0 {
		return nil
	}
	sorted := append([]cluster.InstanceID(nil), slaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// RoundRobin rotates the starting slave by one on every commit so load
// spreads evenly across slaves.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

// Select implements Selector.
func (r *RoundRobin) Select(slaves []cluster.InstanceID, n int) []cluster.InstanceID {
	if n <= 0 || len(slaves) == 0 {
		return nil
	}
	sorted := append([]cluster.InstanceID(nil), slaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n > len(sorted) {
		n = len(sorted)
	}

	r.mu.Lock()
	start := int(r.next % uint64(len(sorted)))
	r.next++
	r.mu.Unlock()

	out := make([]cluster.InstanceID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sorted[(start+i)%len(sorted)])
	}
	return out
}

// NewSelector returns the selector for a strategy name, "fixed" or
// "round_robin".
func NewSelector(strategy string) Selector {
	if strategy == "round_robin" {
		return &RoundRobin{}
	}
	return FixedPriority{}
}
