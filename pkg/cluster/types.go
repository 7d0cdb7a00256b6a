// Package cluster tracks who is in the cluster, which instance is master,
// and the local instance's role.
package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InstanceID identifies a cluster member. Higher ids win election ties and
// are preferred by fixed priority pushing.
type InstanceID int

// NoInstance marks an unknown member, e.g. no master.
const NoInstance InstanceID = -1

func (id InstanceID) String() string {
	if id == NoInstance {
		return "none"
	}
	return strconv.Itoa(int(id))
}

// Role is the replication role of an instance.
type Role int32

const (
	// RolePending is held while no master is known.
	RolePending Role = iota
	// RoleMaster accepts writes and serves updates.
	RoleMaster
	// RoleSlave follows a master.
	RoleSlave
	// RoleDetached is terminal: shut down or stopped after a branch.
	RoleDetached
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case RolePending:
		return "pending"
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "pending":
		return RolePending, nil
	case "master":
		return RoleMaster, nil
	case "slave":
		return RoleSlave, nil
	case "detached":
		return RoleDetached, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Member is one instance as seen by the local view. LastSeen is the time of
// the last published change; View.LastSeen has the latest contact.
type Member struct {
	ID         InstanceID `json:"id"`
	Addr       string     `json:"addr"`
	GossipAddr string     `json:"gossip_addr,omitempty"`
	Role       Role       `json:"role"`
	LastSeen   time.Time  `json:"last_seen"`
	LastTxID   uint64     `json:"last_tx_id"`
	SlaveOnly  bool       `json:"slave_only"`
	Alive      bool       `json:"alive"`
}

// ClusterView is an immutable snapshot of the cluster. Never modify a
// snapshot obtained from View.Snapshot.
type ClusterView struct {
	Version  uint64                `json:"version"`
	Self     InstanceID            `json:"self"`
	MasterID InstanceID            `json:"master_id"`
	Term     uint64                `json:"term"`
	Members  map[InstanceID]Member `json:"members"`
	Expected int                   `json:"expected"`
}

// Member returns the member with the given id.
func (v *ClusterView) Member(id InstanceID) (Member, bool) {
	m, ok := v.Members[id]
	return m, ok
}

// Master returns the current master if one is known.
func (v *ClusterView) Master() (Member, bool) {
	if v.MasterID == NoInstance {
		return Member{}, false
	}
	return v.Member(v.MasterID)
}

// IDs returns every known member id in ascending order.
func (v *ClusterView) IDs() []InstanceID {
	ids := make([]InstanceID, 0, len(v.Members))
	for id := range v.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Others returns every member id except self in ascending order.
func (v *ClusterView) Others() []InstanceID {
	ids := v.IDs()
	out := ids[:0]
	for _, id := range ids {
		if id != v.Self {
			out = append(out, id)
		}
	}
	return out
}

// Slaves returns the live members other than self and the master, in
// ascending id order.
func (v *ClusterView) Slaves() []InstanceID {
	var out []InstanceID
	for _, id := range v.IDs() {
		m := v.Members[id]
		if id == v.Self || id == v.MasterID || !m.Alive {
			continue
		}
		out = append(out, id)
	}
	return out
}

// AliveCount returns the number of live members including self.
func (v *ClusterView) AliveCount() int {
	n := 0
	for _, m := range v.Members {
		if m.Alive {
			n++
		}
	}
	return n
}

// QuorumSize is a strict majority of the trusted membership list.
func (v *ClusterView) QuorumSize() int {
	n := len(v.Members)
	if v.Expected > n {
		n = v.Expected
	}
	return n/2 + 1
}

// HasQuorum reports whether enough members are alive to elect or keep a
// master.
func (v *ClusterView) HasQuorum() bool {
	return v.AliveCount() >= v.QuorumSize()
}
