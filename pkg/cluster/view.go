package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// EventType classifies a membership change.
type EventType int

const (
	MemberJoined EventType = iota
	MemberUpdated
	MemberFailed
	MasterChanged
)

func (t EventType) String() string {
	switch t {
	case MemberJoined:
		return "joined"
	case MemberUpdated:
		return "updated"
	case MemberFailed:
		return "failed"
	case MasterChanged:
		return "master_changed"
	default:
		return "unknown"
	}
}

// ViewEvent is delivered to subscribers after the snapshot is published.
type ViewEvent struct {
	Type   EventType
	Member Member
	View   *ClusterView
}

// ViewOptions configures a View.
type ViewOptions struct {
	// LivenessThreshold is how long a member may stay silent before it is
	// marked as failed.
	LivenessThreshold time.Duration
	// Expected is the size of the configured membership list. The quorum
	// denominator never drops below it.
	Expected int
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

// View holds the current ClusterView. Reads are lock free; writers are
// serialized and publish a fresh snapshot on every change. Contact with a
// live member only updates the seen table, which Sweep consults.
type View struct {
	current atomic.Pointer[ClusterView]
	mu      sync.Mutex

	seenMu sync.Mutex
	seen   map[InstanceID]time.Time

	subsMu sync.Mutex
	subs   []chan ViewEvent

	threshold time.Duration
	clock     clock.Clock
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewView creates a view containing only the local member.
func NewView(self Member, opts ViewOptions) *View {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if opts.LivenessThreshold <= 0 {
		opts.LivenessThreshold = 5 * time.Second
	}

	v := &View{
		threshold: opts.LivenessThreshold,
		clock:     opts.Clock,
		logger:    logging.OrDefault(opts.Logger).With(logging.Component("view")),
		metrics:   opts.Metrics,
		seen:      make(map[InstanceID]time.Time),
	}

	self.Alive = true
	self.LastSeen = v.clock.Now()
	v.markSeen(self.ID, self.LastSeen)
	v.current.Store(&ClusterView{
		Self:     self.ID,
		MasterID: NoInstance,
		Members:  map[InstanceID]Member{self.ID: self},
		Expected: opts.Expected,
	})
	return v
}

// Snapshot returns the current immutable view.
func (v *View) Snapshot() *ClusterView {
	return v.current.Load()
}

// LastSeen returns when id was last heard from, or the zero time.
func (v *View) LastSeen(id InstanceID) time.Time {
	v.seenMu.Lock()
	defer v.seenMu.Unlock()
	return v.seen[id]
}

func (v *View) markSeen(id InstanceID, at time.Time) {
	v.seenMu.Lock()
	if at.After(v.seen[id]) {
		v.seen[id] = at
	}
	v.seenMu.Unlock()
}

// Subscribe returns a channel receiving every subsequent event. Slow
// subscribers miss events rather than block writers.
func (v *View) Subscribe(buffer int) <-chan ViewEvent {
	ch := make(chan ViewEvent, buffer)
	v.subsMu.Lock()
	v.subs = append(v.subs, ch)
	v.subsMu.Unlock()
	return ch
}

// update applies fn to a copy of the current view and publishes it when fn
// reports a change.
func (v *View) update(fn func(next *ClusterView) (*ViewEvent, bool)) {
	v.mu.Lock()
	cur := v.current.Load()
	next := &ClusterView{
		Version:  cur.Version + 1,
		Self:     cur.Self,
		MasterID: cur.MasterID,
		Term:     cur.Term,
		Members:  make(map[InstanceID]Member, len(cur.Members)),
		Expected: cur.Expected,
	}
	for id, m := range cur.Members {
		next.Members[id] = m
	}

	ev, changed := fn(next)
	if !changed {
		v.mu.Unlock()
		return
	}
	v.current.Store(next)
	v.mu.Unlock()

	alive := next.AliveCount()
	v.metrics.UpdateMembers(alive, len(next.Members)-alive)

	if ev != nil {
		ev.View = next
		v.publish(*ev)
	}
}

func (v *View) publish(ev ViewEvent) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- ev:
		default:
			v.logger.Debug("dropping view event for slow subscriber",
				logging.String("event", ev.Type.String()))
		}
	}
}

// Upsert adds or refreshes a member reported by the membership layer.
func (v *View) Upsert(m Member) {
	now := v.clock.Now()
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		prev, known := next.Members[m.ID]
		m.Alive = true
		m.LastSeen = now
		v.markSeen(m.ID, now)
		if m.ID == next.Self {
			m.Role = prev.Role
		}
		next.Members[m.ID] = m

		typ := MemberUpdated
		if !known {
			typ = MemberJoined
			v.logger.Info("member joined", logging.Remote(int(m.ID)), logging.Addr(m.Addr))
		} else if !prev.Alive {
			typ = MemberJoined
			v.logger.Info("member is back", logging.Remote(int(m.ID)))
		}
		return &ViewEvent{Type: typ, Member: m}, true
	})
}

// Touch records that a known member was heard from. A member that is
// already alive is not republished.
func (v *View) Touch(id InstanceID) {
	m, ok := v.Snapshot().Members[id]
	if !ok {
		return
	}
	now := v.clock.Now()
	v.markSeen(id, now)
	if m.Alive {
		return
	}
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		m, ok := next.Members[id]
		if !ok || m.Alive {
			return nil, false
		}
		m.LastSeen = now
		m.Alive = true
		next.Members[id] = m
		v.logger.Info("member is back", logging.Remote(int(id)))
		return &ViewEvent{Type: MemberJoined, Member: m}, true
	})
}

// ObserveRole records the role a member reported for itself.
func (v *View) ObserveRole(id InstanceID, role Role) {
	if m, ok := v.Snapshot().Members[id]; !ok || m.Role == role {
		return
	}
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		m, ok := next.Members[id]
		if !ok || m.Role == role || id == next.Self {
			return nil, false
		}
		m.Role = role
		next.Members[id] = m
		return &ViewEvent{Type: MemberUpdated, Member: m}, true
	})
}

// MarkFailed marks a member provisionally absent. It stays in the list so
// the quorum denominator does not shrink.
func (v *View) MarkFailed(id InstanceID) {
	v.markFailed(id, func() bool { return true })
}

// markFailed fails id if still reports true under the write lock.
func (v *View) markFailed(id InstanceID, still func() bool) bool {
	failed := false
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		m, ok := next.Members[id]
		if !ok || !m.Alive || id == next.Self || !still() {
			return nil, false
		}
		failed = true
		m.Alive = false
		next.Members[id] = m
		v.logger.Warn("member failed", logging.Remote(int(id)))
		return &ViewEvent{Type: MemberFailed, Member: m}, true
	})
	return failed
}

// SetMaster records the master for term. Terms older than the current one
// are ignored; it reports whether the view changed.
func (v *View) SetMaster(id InstanceID, term uint64) bool {
	changed := false
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		if term < next.Term || (term == next.Term && id == next.MasterID) {
			return nil, false
		}
		next.MasterID = id
		next.Term = term
		for mid, m := range next.Members {
			switch {
			case mid == id:
				m.Role = RoleMaster
			case m.Role == RoleMaster:
				m.Role = RoleSlave
			}
			next.Members[mid] = m
		}
		changed = true
		m := next.Members[id]
		return &ViewEvent{Type: MasterChanged, Member: m}, true
	})
	return changed
}

// ClearMaster forgets the master if it is still id.
func (v *View) ClearMaster(id InstanceID) {
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		if next.MasterID != id || id == NoInstance {
			return nil, false
		}
		next.MasterID = NoInstance
		m := next.Members[id]
		if m.Role == RoleMaster {
			m.Role = RolePending
			next.Members[id] = m
		}
		return &ViewEvent{Type: MasterChanged}, true
	})
}

// UpdateSelf applies fn to the local member.
func (v *View) UpdateSelf(fn func(m *Member)) {
	v.update(func(next *ClusterView) (*ViewEvent, bool) {
		m := next.Members[next.Self]
		fn(&m)
		m.Alive = true
		m.LastSeen = v.clock.Now()
		v.markSeen(m.ID, m.LastSeen)
		next.Members[next.Self] = m
		return &ViewEvent{Type: MemberUpdated, Member: m}, true
	})
}

// Sweep marks members silent for longer than the liveness threshold as
// failed and returns them.
func (v *View) Sweep() []InstanceID {
	now := v.clock.Now()
	snap := v.Snapshot()
	silent := func(id InstanceID) bool { return now.Sub(v.LastSeen(id)) > v.threshold }
	var stale []InstanceID
	for id, m := range snap.Members {
		if id == snap.Self || !m.Alive || !silent(id) {
			continue
		}
		if v.markFailed(id, func() bool { return silent(id) }) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Run sweeps until ctx is done.
func (v *View) Run(ctx context.Context) {
	interval := v.threshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := v.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep()
		}
	}
}
