package cluster

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

func newTestView(t *testing.T, clk clock.Clock, expected int) *View {
	t.Helper()
	return NewView(Member{ID: 1, Addr: "a:6001"}, ViewOptions{
		LivenessThreshold: 5 * time.Second,
		Expected:          expected,
		Clock:             clk,
		Logger:            logging.NewNopLogger(),
		Metrics:           metrics.NewRegistry(),
	})
}

func TestView_SweepMarksSilentMembers(t *testing.T) {
	mock := clock.NewMock()
	v := newTestView(t, mock, 0)
	v.Upsert(Member{ID: 2, Addr: "b:6001"})
	v.Upsert(Member{ID: 3, Addr: "c:6001"})

	mock.Add(3 * time.Second)
	v.Touch(3)
	mock.Add(3 * time.Second)

	stale := v.Sweep()
	if len(stale) != 1 || stale[0] != 2 {
		t.Fatalf("Sweep() = %v, want [2]", stale)
	}

	snap := v.Snapshot()
	if snap.Members[2].Alive {
		t.Error("member 2 still alive after sweep")
	}
	if !snap.Members[3].Alive {
		t.Error("member 3 marked failed despite recent touch")
	}
	if len(snap.Members) != 3 {
		t.Errorf("failed member removed from view: %d members", len(snap.Members))
	}

	// Self is never swept.
	mock.Add(time.Hour)
	v.Sweep()
	if !v.Snapshot().Members[1].Alive {
		t.Error("self marked failed")
	}
}

func TestView_SnapshotsAreImmutable(t *testing.T) {
	v := newTestView(t, clock.NewMock(), 0)
	before := v.Snapshot()
	v.Upsert(Member{ID: 2})

	if len(before.Members) != 1 {
		t.Errorf("old snapshot changed: %d members", len(before.Members))
	}
	after := v.Snapshot()
	if after.Version <= before.Version {
		t.Errorf("version did not advance: %d -> %d", before.Version, after.Version)
	}
}

func TestView_SetMaster(t *testing.T) {
	v := newTestView(t, clock.NewMock(), 0)
	v.Upsert(Member{ID: 2})
	v.Upsert(Member{ID: 3})

	if !v.SetMaster(3, 5) {
		t.Fatal("SetMaster(3, 5) = false")
	}
	if v.SetMaster(2, 4) {
		t.Error("stale term accepted")
	}
	if v.SetMaster(3, 5) {
		t.Error("repeated announcement reported a change")
	}

	snap := v.Snapshot()
	if snap.MasterID != 3 || snap.Term != 5 {
		t.Errorf("master = %d term = %d, want 3 / 5", snap.MasterID, snap.Term)
	}
	if snap.Members[3].Role != RoleMaster {
		t.Errorf("member 3 role = %v", snap.Members[3].Role)
	}

	v.SetMaster(2, 6)
	snap = v.Snapshot()
	if snap.Members[3].Role == RoleMaster {
		t.Error("old master still marked master")
	}

	v.ClearMaster(2)
	if _, ok := v.Snapshot().Master(); ok {
		t.Error("master still known after ClearMaster")
	}
}

func TestView_Quorum(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		members  int
		failed   int
		quorum   int
		has      bool
	}{
		{"single", 0, 1, 0, 1, true},
		{"three all alive", 0, 3, 0, 2, true},
		{"three one failed", 0, 3, 1, 2, true},
		{"three two failed", 0, 3, 2, 2, false},
		{"expected five, three seen", 5, 3, 0, 3, true},
		{"expected five, two seen", 5, 2, 0, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestView(t, clock.NewMock(), tt.expected)
			for i := 2; i <= tt.members; i++ {
				v.Upsert(Member{ID: InstanceID(i)})
			}
			for i := 0; i < tt.failed; i++ {
				v.MarkFailed(InstanceID(tt.members - i))
			}
			snap := v.Snapshot()
			if got := snap.QuorumSize(); got != tt.quorum {
				t.Errorf("QuorumSize() = %d, want %d", got, tt.quorum)
			}
			if got := snap.HasQuorum(); got != tt.has {
				t.Errorf("HasQuorum() = %v, want %v", got, tt.has)
			}
		})
	}
}

func TestView_SlavesExcludeMasterSelfAndFailed(t *testing.T) {
	v := newTestView(t, clock.NewMock(), 0)
	for i := 2; i <= 5; i++ {
		v.Upsert(Member{ID: InstanceID(i)})
	}
	v.SetMaster(1, 1)
	v.MarkFailed(4)

	got := v.Snapshot().Slaves()
	want := []InstanceID{2, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("Slaves() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Slaves()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestView_Subscribe(t *testing.T) {
	v := newTestView(t, clock.NewMock(), 0)
	events := v.Subscribe(8)

	v.Upsert(Member{ID: 2})
	v.Touch(2)
	v.MarkFailed(2)
	v.Upsert(Member{ID: 2})

	want := []EventType{MemberJoined, MemberFailed, MemberJoined}
	for i, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Errorf("event %d = %v, want %v", i, ev.Type, typ)
			}
			if ev.View == nil {
				t.Errorf("event %d has no view", i)
			}
		default:
			t.Fatalf("event %d missing", i)
		}
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %v", ev.Type)
	default:
	}
}

func TestRole_ParseRoundTrip(t *testing.T) {
	for _, r := range []Role{RolePending, RoleMaster, RoleSlave, RoleDetached} {
		got, err := ParseRole(r.String())
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseRole("leader"); err == nil {
		t.Error("ParseRole(leader) error = nil")
	}
}

func TestView_TouchAliveMemberDoesNotRepublish(t *testing.T) {
	mock := clock.NewMock()
	v := newTestView(t, mock, 0)
	v.Upsert(Member{ID: 2, Addr: "b:6001"})
	events := v.Subscribe(8)
	before := v.Snapshot()

	for i := 0; i < 4; i++ {
		mock.Add(2 * time.Second)
		v.Touch(2)
	}
	if got := v.Snapshot(); got != before {
		t.Fatalf("Touch republished the view: version %d -> %d", before.Version, got.Version)
	}
	if len(events) != 0 {
		t.Errorf("Touch of a live member produced %d events", len(events))
	}
	if got, want := v.LastSeen(2), mock.Now(); !got.Equal(want) {
		t.Errorf("LastSeen(2) = %v, want %v", got, want)
	}

	// Eight seconds since the upsert, two since the last touch.
	if stale := v.Sweep(); len(stale) != 0 {
		t.Errorf("Sweep() = %v, want none", stale)
	}

	mock.Add(6 * time.Second)
	if stale := v.Sweep(); len(stale) != 1 || stale[0] != 2 {
		t.Fatalf("Sweep() = %v, want [2]", stale)
	}
	v.Touch(2)
	if !v.Snapshot().Members[2].Alive {
		t.Error("Touch did not revive a failed member")
	}
	if v.Snapshot().Version == before.Version {
		t.Error("reviving a member must publish")
	}
}

func TestView_ObserveRole(t *testing.T) {
	v := newTestView(t, clock.NewMock(), 0)
	v.Upsert(Member{ID: 2})
	before := v.Snapshot().Version

	v.ObserveRole(2, RoleSlave)
	if got := v.Snapshot().Members[2].Role; got != RoleSlave {
		t.Fatalf("role = %v, want slave", got)
	}
	after := v.Snapshot().Version
	if after == before {
		t.Error("role change was not published")
	}

	v.ObserveRole(2, RoleSlave)
	if v.Snapshot().Version != after {
		t.Error("unchanged role republished the view")
	}
	v.ObserveRole(1, RoleMaster)
	if got := v.Snapshot().Members[1].Role; got != RolePending {
		t.Errorf("self role overwritten: %v", got)
	}
	v.ObserveRole(7, RoleSlave)
	if _, ok := v.Snapshot().Members[7]; ok {
		t.Error("unknown member added")
	}
}
