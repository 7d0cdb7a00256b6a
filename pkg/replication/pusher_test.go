package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

type recordingTarget struct {
	mu       sync.Mutex
	received map[cluster.InstanceID][]TxID
	delay    map[cluster.InstanceID]time.Duration
	fail     map[cluster.InstanceID]error
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{
		received: make(map[cluster.InstanceID][]TxID),
		delay:    make(map[cluster.InstanceID]time.Duration),
		fail:     make(map[cluster.InstanceID]error),
	}
}

func (r *recordingTarget) Push(ctx context.Context, remote, master cluster.InstanceID, rec TransactionRecord) (PushResponse, error) {
	r.mu.Lock()
	delay, err := r.delay[remote], r.fail[remote]
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return PushResponse{}, &TimeoutError{Op: "push", Remote: remote, Err: ctx.Err()}
		}
	}
	if err != nil {
		return PushResponse{}, err
	}
	r.mu.Lock()
	r.received[remote] = append(r.received[remote], rec.ID)
	r.mu.Unlock()
	return PushResponse{Applied: true, Highest: rec.ID}, nil
}

func (r *recordingTarget) got(id cluster.InstanceID) []TxID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TxID(nil), r.received[id]...)
}

func newTestPusher(t *testing.T, target PushTarget, slaves []cluster.InstanceID, factor int, sel Selector, timeout time.Duration) *Pusher {
	t.Helper()
	p := NewPusher(target, func() []cluster.InstanceID { return slaves }, PusherOptions{
		Self:     testMaster,
		Factor:   factor,
		Timeout:  timeout,
		Selector: sel,
		Logger:   logging.NewNopLogger(),
		Metrics:  metrics.NewRegistry(),
	})
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestPusher_RoundRobinSpreadsEvenly(t *testing.T) {
	target := newRecordingTarget()
	slaves := []cluster.InstanceID{2, 3, 4}
	p := newTestPusher(t, target, slaves, 1, &RoundRobin{}, time.Second)

	master := newMemStore()
	for i := 0; i < 6; i++ {
		id, _ := master.Commit(context.Background(), []byte("x"))
		rec, _ := master.ReadTransactionRange(context.Background(), id, id)
		res, err := p.Push(context.Background(), rec[0])
		require.NoError(t, err)
		require.Len(t, res.Acked, 1)
	}

	for _, id := range slaves {
		got := target.got(id)
		assert.Len(t, got, 2, "slave %d", id)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "slave %d receives in commit order", id)
		}
	}
	assert.Equal(t, []TxID{1, 4}, target.got(2))
}

func TestPusher_FixedPriorityPrefersHighestID(t *testing.T) {
	target := newRecordingTarget()
	p := newTestPusher(t, target, []cluster.InstanceID{2, 5, 3}, 2, FixedPriority{}, time.Second)

	res, err := p.Push(context.Background(), NewTransactionRecord(1, []byte("a"), time.Now()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []cluster.InstanceID{5, 3}, res.Acked)
	assert.Empty(t, target.got(2))
}

func TestPusher_FactorZeroDisablesPush(t *testing.T) {
	target := newRecordingTarget()
	p := newTestPusher(t, target, []cluster.InstanceID{2, 3}, 0, FixedPriority{}, time.Second)

	res, err := p.Push(context.Background(), NewTransactionRecord(1, []byte("a"), time.Now()))
	require.NoError(t, err)
	assert.Empty(t, res.Acked)
	assert.Empty(t, target.got(2))
	assert.Empty(t, target.got(3))
}

func TestPusher_SlowAndFailingSlavesDoNotBlockCommit(t *testing.T) {
	target := newRecordingTarget()
	target.delay[3] = 5 * time.Second
	target.fail[4] = errors.New("connection reset")
	p := newTestPusher(t, target, []cluster.InstanceID{2, 3, 4}, 3, FixedPriority{}, 100*time.Millisecond)

	start := time.Now()
	res, err := p.Push(context.Background(), NewTransactionRecord(1, []byte("a"), time.Now()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []cluster.InstanceID{2}, res.Acked)
	assert.Equal(t, []cluster.InstanceID{3}, res.TimedOut)
	assert.Equal(t, []cluster.InstanceID{4}, res.Failed)
}

func TestPusher_EnqueueOrderIsDeliveryOrder(t *testing.T) {
	target := newRecordingTarget()
	target.delay[2] = 5 * time.Millisecond
	p := newTestPusher(t, target, []cluster.InstanceID{2, 3}, 2, FixedPriority{}, time.Second)

	var pending []*PendingPush
	for id := TxID(1); id <= 10; id++ {
		pending = append(pending, p.Enqueue(context.Background(), TransactionRecord{ID: id}))
	}
	for _, pp := range pending {
		result, err := pp.Wait()
		require.NoError(t, err)
		assert.ElementsMatch(t, []cluster.InstanceID{2, 3}, result.Acked)
	}

	want := []TxID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, want, target.got(2))
	assert.Equal(t, want, target.got(3))
}

func TestPusher_StoppedRejects(t *testing.T) {
	p := NewPusher(newRecordingTarget(), func() []cluster.InstanceID { return nil }, PusherOptions{Metrics: metrics.NewRegistry()})
	_, err := p.Push(context.Background(), NewTransactionRecord(1, nil, time.Now()))
	assert.ErrorIs(t, err, ErrPusherClosed)
}

func TestSelectorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	slavesGen := gen.SliceOf(gen.IntRange(2, 50)).Map(func(ids []int) []cluster.InstanceID {
		seen := make(map[int]bool)
		var out []cluster.InstanceID
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, cluster.InstanceID(id))
			}
		}
		return out
	})

	check := func(sel Selector) func([]cluster.InstanceID, int) bool {
		return func(slaves []cluster.InstanceID, n int) bool {
			got := sel.Select(slaves, n)
			want := n
			if len(slaves) < want {
				want = len(slaves)
			}
			if len(got) != want {
				return false
			}
			member := make(map[cluster.InstanceID]bool)
			for _, id := range slaves {
				member[id] = true
			}
			seen := make(map[cluster.InstanceID]bool)
			for _, id := range got {
				if seen[id] || !member[id] {
					return false
				}
				seen[id] = true
			}
			return true
		}
	}

	properties.Property("fixed selects min(n, slaves) distinct slaves",
		prop.ForAll(check(FixedPriority{}), slavesGen, gen.IntRange(0, 10)))
	properties.Property("round robin selects min(n, slaves) distinct slaves",
		prop.ForAll(check(&RoundRobin{}), slavesGen, gen.IntRange(0, 10)))

	properties.TestingRun(t)
}

func TestNewSelector(t *testing.T) {
	if _, ok := NewSelector("round_robin").(*RoundRobin); !ok {
		t.Error("round_robin should build a RoundRobin selector")
	}
	if _, ok := NewSelector("fixed").(FixedPriority); !ok {
		t.Error("fixed should build a FixedPriority selector")
	}
}
