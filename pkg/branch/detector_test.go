package branch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/txlog"
)

const testMaster cluster.InstanceID = 1

// storeMaster serves a txlog store the way a master's StoreService does.
type storeMaster struct {
	store         *txlog.Store
	corruptDigest bool
	// trailingJunk appends bytes that still hash correctly but do not
	// parse as a log.
	trailingJunk bool
}

func (m *storeMaster) HighestTx(ctx context.Context, remote cluster.InstanceID) (replication.HighestTxResponse, error) {
	return replication.HighestTxResponse{
		Master:  remote,
		Highest: m.store.HighestLocalTransactionID(),
		Lowest:  m.store.LowestTransactionID(),
	}, nil
}

func (m *storeMaster) Checksum(ctx context.Context, remote cluster.InstanceID, id replication.TxID) (replication.ChecksumResponse, error) {
	resp := replication.ChecksumResponse{
		TxID:    id,
		Lowest:  m.store.LowestTransactionID(),
		Highest: m.store.HighestLocalTransactionID(),
	}
	recs, err := m.store.ReadTransactionRange(ctx, id, id)
	if errors.Is(err, replication.ErrTxNotAvailable) || len(recs) == 0 {
		return resp, nil
	}
	if err != nil {
		return resp, err
	}
	resp.Found = true
	resp.Checksum = recs[0].Checksum
	return resp, nil
}

func (m *storeMaster) Snapshot(ctx context.Context, remote cluster.InstanceID, w io.Writer) (replication.Snapshot, error) {
	r, snap, err := m.store.SnapshotForBootstrap(ctx)
	if err != nil {
		return snap, err
	}
	defer r.Close()
	if m.trailingJunk {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return snap, err
		}
		buf.WriteString("not a record")
		snap.Size = int64(buf.Len())
		snap.Checksum = xxhash.Sum64(buf.Bytes())
		_, err := w.Write(buf.Bytes())
		return snap, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return snap, err
	}
	if m.corruptDigest {
		snap.Checksum++
	}
	return snap, nil
}

type recordingCursor struct {
	resets []replication.TxID
}

func (c *recordingCursor) Reset(id replication.TxID, master cluster.InstanceID) error {
	c.resets = append(c.resets, id)
	return nil
}

type fixture struct {
	local  *txlog.Store
	master *storeMaster
	cursor *recordingCursor
	clock  *clock.Mock
	det    *Detector
	dir    string
}

func openStore(t *testing.T, dir string, retention int) *txlog.Store {
	t.Helper()
	s, err := txlog.Open(dir, txlog.Options{Retention: retention, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commit(t *testing.T, s *txlog.Store, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Commit(context.Background(), []byte(fmt.Sprintf("%s-%d", prefix, s.HighestLocalTransactionID()+1)))
		require.NoError(t, err)
	}
}

func newFixture(t *testing.T, policy config.BranchPolicy, masterRetention int) *fixture {
	t.Helper()
	f := &fixture{
		dir:    t.TempDir(),
		master: &storeMaster{store: openStore(t, t.TempDir(), masterRetention)},
		cursor: &recordingCursor{},
		clock:  clock.NewMock(),
	}
	f.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f.local = openStore(t, f.dir, 0)
	f.det = NewDetector(f.local, f.master, f.cursor, Options{
		Policy:  policy,
		Clock:   f.clock,
		Logger:  logging.NewNopLogger(),
		Metrics: metrics.NewRegistry(),
	})
	return f
}

// diverge gives both sides a shared prefix and then different histories.
func (f *fixture) diverge(t *testing.T, shared, masterExtra, localExtra int) {
	t.Helper()
	commit(t, f.master.store, "tx", shared)
	commit(t, f.local, "tx", shared)
	commit(t, f.master.store, "master", masterExtra)
	commit(t, f.local, "local", localExtra)
}

func (f *fixture) assertMatchesMaster(t *testing.T) {
	t.Helper()
	assert.Equal(t, f.master.store.HighestLocalTransactionID(), f.local.HighestLocalTransactionID())
	want, err := f.master.store.Checksum()
	require.NoError(t, err)
	got, err := f.local.Checksum()
	require.NoError(t, err)
	assert.Equal(t, want, got, "local log differs from master after bootstrap")
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		retention  int
		setup      func(t *testing.T, f *fixture)
		want       Outcome
		wantReason bool
	}{
		{
			name:  "both empty",
			setup: func(t *testing.T, f *fixture) {},
			want:  Match,
		},
		{
			name:  "same history",
			setup: func(t *testing.T, f *fixture) { f.diverge(t, 20, 0, 0) },
			want:  Match,
		},
		{
			name:  "prefix",
			setup: func(t *testing.T, f *fixture) { f.diverge(t, 20, 5, 0) },
			want:  Behind,
		},
		{
			name:  "empty local",
			setup: func(t *testing.T, f *fixture) { commit(t, f.master.store, "tx", 5) },
			want:  Behind,
		},
		{
			name:       "local ahead",
			setup:      func(t *testing.T, f *fixture) { f.diverge(t, 100, 5, 10) },
			want:       Diverged,
			wantReason: true,
		},
		{
			name:       "different last transaction",
			setup:      func(t *testing.T, f *fixture) { f.diverge(t, 49, 11, 1) },
			want:       Diverged,
			wantReason: true,
		},
		{
			name:      "master truncated past local",
			retention: 10,
			setup: func(t *testing.T, f *fixture) {
				f.diverge(t, 5, 45, 0)
				require.Greater(t, f.master.store.LowestTransactionID(), replication.TxID(6))
			},
			want:       Diverged,
			wantReason: true,
		},
		{
			name:      "fresh store",
			retention: 10,
			setup:     func(t *testing.T, f *fixture) { commit(t, f.master.store, "tx", 50) },
			want:      Fresh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.BranchKeepAll, tt.retention)
			tt.setup(t, f)

			c, err := f.det.Compare(ctx, testMaster)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Outcome, c.Reason)
			assert.Equal(t, tt.wantReason, c.Reason != "" && c.Outcome == Diverged)
		})
	}
}

func TestCheck_NoBranchLeavesStoreAlone(t *testing.T) {
	f := newFixture(t, config.BranchKeepAll, 0)
	f.diverge(t, 30, 10, 0)

	require.NoError(t, f.det.Check(context.Background(), testMaster))
	assert.Empty(t, f.cursor.resets)
	assert.Equal(t, replication.TxID(30), f.local.HighestLocalTransactionID())

	branches, err := ListBranches(f.dir)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestHandleBranch_LocalAheadIsReplaced(t *testing.T) {
	f := newFixture(t, config.BranchKeepAll, 0)
	f.diverge(t, 100, 5, 10)
	require.Equal(t, replication.TxID(110), f.local.HighestLocalTransactionID())

	suspect := &replication.BranchSuspectedError{Local: 110, MasterLowest: 1}
	require.NoError(t, f.det.HandleBranch(context.Background(), testMaster, suspect))

	f.assertMatchesMaster(t)
	assert.Equal(t, []replication.TxID{105}, f.cursor.resets, "cursor must be reset exactly once to the snapshot id")

	branches, err := ListBranches(f.dir)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	_, err = os.Stat(filepath.Join(f.dir, BranchedDirName, branches[0], txlog.LogFileName))
	assert.NoError(t, err, "archived store should hold the divergent log")

	// The archived copy is the branch, not the master's history.
	archived := openStore(t, filepath.Join(f.dir, BranchedDirName, branches[0]), 0)
	assert.Equal(t, replication.TxID(110), archived.HighestLocalTransactionID())
}

func TestHandleBranch_Policies(t *testing.T) {
	tests := []struct {
		policy       config.BranchPolicy
		wantBranches int
	}{
		{config.BranchKeepAll, 2},
		{config.BranchKeepLast, 1},
		{config.BranchKeepNone, 0},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := newFixture(t, tt.policy, 0)
			f.diverge(t, 20, 5, 3)
			ctx := context.Background()

			require.NoError(t, f.det.Check(ctx, testMaster))
			f.assertMatchesMaster(t)
			first, err := ListBranches(f.dir)
			require.NoError(t, err)

			// Diverge a second time on top of the bootstrapped store.
			f.clock.Add(time.Minute)
			commit(t, f.master.store, "master", 2)
			commit(t, f.local, "local", 4)
			require.NoError(t, f.det.Check(ctx, testMaster))
			f.assertMatchesMaster(t)

			branches, err := ListBranches(f.dir)
			require.NoError(t, err)
			assert.Len(t, branches, tt.wantBranches)
			if tt.policy == config.BranchKeepLast {
				require.Len(t, first, 1)
				assert.NotEqual(t, first[0], branches[0], "keep_last should hold the newest archive")
			}
			assert.Equal(t, []replication.TxID{25, 27}, f.cursor.resets)
		})
	}
}

func TestHandleBranch_ShutdownPolicy(t *testing.T) {
	f := newFixture(t, config.BranchShutdown, 0)
	var reported error
	f.det.opts.OnUnrecoverable = func(err error) { reported = err }
	f.diverge(t, 20, 5, 3)

	err := f.det.Check(context.Background(), testMaster)
	require.Error(t, err)
	assert.True(t, IsUnrecoverable(err))
	assert.ErrorIs(t, err, ErrBranchConfirmed)
	assert.Equal(t, err, reported)

	var u *UnrecoverableDivergenceError
	require.ErrorAs(t, err, &u)
	assert.Equal(t, replication.TxID(23), u.Local)
	assert.Equal(t, testMaster, u.Master)

	assert.Equal(t, replication.TxID(23), f.local.HighestLocalTransactionID(), "store must be left untouched")
	assert.Empty(t, f.cursor.resets)
}

func TestBootstrap_CorruptSnapshotKeepsStore(t *testing.T) {
	f := newFixture(t, config.BranchKeepAll, 0)
	f.diverge(t, 20, 5, 3)
	f.master.corruptDigest = true

	err := f.det.Check(context.Background(), testMaster)
	require.ErrorIs(t, err, ErrSnapshotCorrupted)
	assert.Equal(t, replication.TxID(23), f.local.HighestLocalTransactionID())
	assert.Empty(t, f.cursor.resets)

	branches, err := ListBranches(f.dir)
	require.NoError(t, err)
	assert.Empty(t, branches, "nothing is archived before the snapshot verifies")

	entries, err := os.ReadDir(filepath.Join(f.dir, HADirName))
	require.NoError(t, err)
	assert.Empty(t, entries, "bootstrap download should be removed")
}

func TestBootstrap_FailedInstallRestoresBranch(t *testing.T) {
	for _, policy := range []config.BranchPolicy{config.BranchKeepAll, config.BranchKeepLast, config.BranchKeepNone} {
		t.Run(policy.String(), func(t *testing.T) {
			f := newFixture(t, policy, 0)
			f.diverge(t, 20, 5, 3)
			f.master.trailingJunk = true

			err := f.det.Check(context.Background(), testMaster)
			require.Error(t, err)
			assert.Empty(t, f.cursor.resets)

			info, err := os.Stat(filepath.Join(f.dir, txlog.LogFileName))
			require.NoError(t, err, "divergent log must be back in the store directory")
			assert.NotZero(t, info.Size())
			assert.Equal(t, replication.TxID(23), f.local.HighestLocalTransactionID())

			branches, err := ListBranches(f.dir)
			require.NoError(t, err)
			assert.Empty(t, branches)

			// The restored store still recovers once the master serves a good snapshot.
			f.master.trailingJunk = false
			require.NoError(t, f.det.Check(context.Background(), testMaster))
			f.assertMatchesMaster(t)
		})
	}
}

func TestArchive_PartialMoveIsUndone(t *testing.T) {
	f := newFixture(t, config.BranchKeepAll, 0)
	f.diverge(t, 20, 5, 3)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "zz-extra"), []byte("x"), 0o644))

	calls := 0
	renameEntry = func(from, to string) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { renameEntry = os.Rename })

	err := f.det.Check(context.Background(), testMaster)
	require.ErrorIs(t, err, ErrArchiveFailed)
	for _, name := range []string{txlog.LogFileName, "zz-extra"} {
		_, err := os.Stat(filepath.Join(f.dir, name))
		assert.NoError(t, err, "%s left the store directory", name)
	}
	branches, err := ListBranches(f.dir)
	require.NoError(t, err)
	assert.Empty(t, branches)
	assert.Equal(t, replication.TxID(23), f.local.HighestLocalTransactionID())
}

func TestCheck_FreshStoreBootstrapsWithoutArchive(t *testing.T) {
	f := newFixture(t, config.BranchShutdown, 10)
	commit(t, f.master.store, "tx", 50)

	require.NoError(t, f.det.Check(context.Background(), testMaster))
	f.assertMatchesMaster(t)
	assert.Equal(t, []replication.TxID{50}, f.cursor.resets)

	branches, err := ListBranches(f.dir)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestListBranches_Missing(t *testing.T) {
	branches, err := ListBranches(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, branches)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "match", Match.String())
	assert.Equal(t, "behind", Behind.String())
	assert.Equal(t, "diverged", Diverged.String())
	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
