package replication

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

type orderedCloser struct {
	name     string
	order    *[]string
	closeErr error
	calls    int
}

func (c *orderedCloser) Close() error {
	c.calls++
	*c.order = append(*c.order, c.name)
	return c.closeErr
}

func TestResourceCleanup_ReverseOrder(t *testing.T) {
	var order []string
	cleanup := NewResourceCleanup(logging.NewNopLogger())
	for _, name := range []string{"listener", "pool", "state"} {
		cleanup.Add(&orderedCloser{name: name, order: &order}, name)
	}
	if cleanup.Len() != 3 {
		t.Fatalf("Expected 3 resources, got %d", cleanup.Len())
	}

	cleanup.Cleanup()

	want := []string{"state", "pool", "listener"}
	if len(order) != len(want) {
		t.Fatalf("closed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("close %d = %s, want %s", i, order[i], want[i])
		}
	}
	if cleanup.Len() != 0 {
		t.Errorf("Expected 0 resources after cleanup, got %d", cleanup.Len())
	}
}

func TestResourceCleanup_ClearKeepsResourcesOpen(t *testing.T) {
	var order []string
	cleanup := NewResourceCleanup(logging.NewNopLogger())
	c := &orderedCloser{name: "pool", order: &order}
	cleanup.Add(c, "pool")

	cleanup.Clear()
	cleanup.Cleanup()

	if c.calls != 0 {
		t.Errorf("Clear should hand ownership back, got %d close calls", c.calls)
	}
}

func TestResourceCleanup_Idempotent(t *testing.T) {
	var order []string
	cleanup := NewResourceCleanup(logging.NewNopLogger())
	c := &orderedCloser{name: "pool", order: &order}
	cleanup.Add(c, "pool")

	cleanup.Cleanup()
	cleanup.Cleanup()

	if c.calls != 1 {
		t.Errorf("Expected 1 close call, got %d", c.calls)
	}
}

func TestResourceCleanup_CloseAllCombinesErrors(t *testing.T) {
	var order []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	cleanup := NewResourceCleanup(logging.NewNopLogger())
	cleanup.Add(&orderedCloser{name: "a", order: &order, closeErr: errA}, "a")
	cleanup.Add(nil, "nil resource")
	cleanup.Add(&orderedCloser{name: "ok", order: &order}, "ok")
	cleanup.AddFunc(func() error { return errB }, "b")

	err := cleanup.CloseAll()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("CloseAll() = %v, want both errors", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("Expected 2 combined errors, got %d", n)
	}
	if len(order) != 2 {
		t.Errorf("Expected both closers to run, got %v", order)
	}
}

func TestResourceCleanup_Empty(t *testing.T) {
	cleanup := NewResourceCleanup(nil)
	cleanup.Cleanup()
	if err := cleanup.CloseAll(); err != nil {
		t.Errorf("Expected no error from empty CloseAll, got %v", err)
	}
}

func TestLifecycle_BeginEnd(t *testing.T) {
	var l Lifecycle
	if l.Running() {
		t.Fatal("Expected not running initially")
	}
	if l.End() {
		t.Error("End before Begin should report not running")
	}
	if !l.Begin() {
		t.Fatal("first Begin should succeed")
	}
	if l.Begin() {
		t.Error("second Begin should fail while running")
	}

	var stopped atomic.Int32
	for i := 0; i < 5; i++ {
		l.Go(func(stop <-chan struct{}) {
			<-stop
			stopped.Add(1)
		})
	}

	done := make(chan struct{})
	go func() {
		l.End()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not wait for goroutines")
	}
	if stopped.Load() != 5 {
		t.Errorf("Expected 5 goroutines stopped, got %d", stopped.Load())
	}
	if l.Running() {
		t.Error("Expected not running after End")
	}

	if !l.Begin() {
		t.Error("Begin after End should succeed")
	}
	l.End()
}
