package txlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

func openTestStore(t *testing.T, dir string, retention int) *Store {
	t.Helper()
	s, err := Open(dir, Options{Retention: retention, Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func commitN(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Commit(context.Background(), []byte(fmt.Sprintf("tx-%d", i+1))); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
}

func TestStore_CommitAndRead(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id, err := s.Commit(ctx, []byte(fmt.Sprintf("tx-%d", i)))
		if err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if id != replication.TxID(i) {
			t.Errorf("Commit() id = %d, want %d", id, i)
		}
	}

	if got := s.HighestLocalTransactionID(); got != 5 {
		t.Errorf("HighestLocalTransactionID() = %d, want 5", got)
	}
	if got := s.LowestTransactionID(); got != 1 {
		t.Errorf("LowestTransactionID() = %d, want 1", got)
	}

	recs, err := s.ReadTransactionRange(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ReadTransactionRange() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		want := fmt.Sprintf("tx-%d", i+2)
		if string(rec.Payload) != want || rec.ID != replication.TxID(i+2) {
			t.Errorf("record %d = {%d %q}, want {%d %q}", i, rec.ID, rec.Payload, i+2, want)
		}
		if err := rec.Verify(); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	}

	// Clipped to highest, empty past the end.
	recs, _ = s.ReadTransactionRange(ctx, 4, 100)
	if len(recs) != 2 {
		t.Errorf("clipped range returned %d records, want 2", len(recs))
	}
	recs, _ = s.ReadTransactionRange(ctx, 6, 10)
	if len(recs) != 0 {
		t.Errorf("range past end returned %d records", len(recs))
	}
	if _, err := s.ReadTransactionRange(ctx, 0, 3); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("from=0 error = %v, want ErrInvalidRange", err)
	}
}

func TestStore_ApplyTransaction(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	if err := s.ApplyTransaction(ctx, replication.NewTransactionRecord(1, []byte("a"), now)); err != nil {
		t.Fatalf("ApplyTransaction(1) error = %v", err)
	}
	err := s.ApplyTransaction(ctx, replication.NewTransactionRecord(3, []byte("c"), now))
	if !errors.Is(err, replication.ErrOutOfOrder) {
		t.Errorf("ApplyTransaction(3) error = %v, want ErrOutOfOrder", err)
	}

	bad := replication.NewTransactionRecord(2, []byte("b"), now)
	bad.Checksum++
	if err := s.ApplyTransaction(ctx, bad); !errors.Is(err, replication.ErrChecksumMismatch) {
		t.Errorf("ApplyTransaction(corrupt) error = %v, want ErrChecksumMismatch", err)
	}
	if got := s.HighestLocalTransactionID(); got != 1 {
		t.Errorf("HighestLocalTransactionID() = %d, want 1", got)
	}
}

func TestStore_ReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatal(err)
	}
	commitN(t, s, 10)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 11, 0, 0})
	f.Close()

	s2 := openTestStore(t, dir, 0)
	if got := s2.HighestLocalTransactionID(); got != 10 {
		t.Errorf("HighestLocalTransactionID() after recovery = %d, want 10", got)
	}
	id, err := s2.Commit(context.Background(), []byte("after"))
	if err != nil || id != 11 {
		t.Fatalf("Commit() after recovery = %d, %v", id, err)
	}
	recs, err := s2.ReadTransactionRange(context.Background(), 10, 11)
	if err != nil || len(recs) != 2 || string(recs[1].Payload) != "after" {
		t.Errorf("ReadTransactionRange() = %v, %v", recs, err)
	}
}

func TestStore_Retention(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 20)
	commitN(t, s, 100)

	lowest := s.LowestTransactionID()
	highest := s.HighestLocalTransactionID()
	if highest != 100 {
		t.Fatalf("HighestLocalTransactionID() = %d, want 100", highest)
	}
	if retained := int(highest - lowest + 1); retained < 20 || retained > 22 {
		t.Errorf("retained %d transactions, want 20..22", retained)
	}

	_, err := s.ReadTransactionRange(context.Background(), 1, 5)
	if !errors.Is(err, replication.ErrTxNotAvailable) {
		t.Errorf("pruned range error = %v, want ErrTxNotAvailable", err)
	}

	recs, err := s.ReadTransactionRange(context.Background(), lowest, highest)
	if err != nil {
		t.Fatalf("retained range error = %v", err)
	}
	if string(recs[len(recs)-1].Payload) != "tx-100" {
		t.Errorf("last payload = %q", recs[len(recs)-1].Payload)
	}
}

func TestStore_SnapshotAndReplace(t *testing.T) {
	ctx := context.Background()
	master := openTestStore(t, t.TempDir(), 0)
	commitN(t, master, 25)

	rc, snap, err := master.SnapshotForBootstrap(ctx)
	if err != nil {
		t.Fatalf("SnapshotForBootstrap() error = %v", err)
	}
	defer rc.Close()
	if snap.TxID != 25 || snap.ID == "" || snap.Size == 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	slave := openTestStore(t, t.TempDir(), 0)
	commitN(t, slave, 3) // divergent local history
	if err := slave.ReplaceStore(ctx, rc); err != nil {
		t.Fatalf("ReplaceStore() error = %v", err)
	}

	if got := slave.HighestLocalTransactionID(); got != 25 {
		t.Errorf("HighestLocalTransactionID() = %d, want 25", got)
	}
	sum, err := slave.Checksum()
	if err != nil {
		t.Fatal(err)
	}
	if sum != snap.Checksum {
		t.Errorf("Checksum() = %x, want %x", sum, snap.Checksum)
	}

	// The replaced store keeps accepting pulls.
	recs, _ := master.ReadTransactionRange(ctx, 25, 25)
	next := replication.NewTransactionRecord(26, []byte("next"), time.Now())
	if err := slave.ApplyTransaction(ctx, next); err != nil {
		t.Errorf("ApplyTransaction after replace error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("master range = %d records", len(recs))
	}
}

func TestStore_ReplaceRejectsGarbage(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	commitN(t, s, 2)

	src, err := os.CreateTemp(t.TempDir(), "garbage")
	if err != nil {
		t.Fatal(err)
	}
	src.Write([]byte("definitely not frames"))
	src.Seek(0, 0)
	defer src.Close()

	if err := s.ReplaceStore(context.Background(), src); err == nil {
		t.Fatal("ReplaceStore(garbage) error = nil")
	}
	if got := s.HighestLocalTransactionID(); got != 2 {
		t.Errorf("store changed after rejected replace: highest = %d", got)
	}
}

func TestStore_UsesClockForTimestamps(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1600000000, 0))
	s, err := Open(t.TempDir(), Options{Clock: mock, Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Commit(context.Background(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	recs, _ := s.ReadTransactionRange(context.Background(), 1, 1)
	if recs[0].Timestamp != mock.Now().UnixNano() {
		t.Errorf("Timestamp = %d, want %d", recs[0].Timestamp, mock.Now().UnixNano())
	}
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, err := s.Commit(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
