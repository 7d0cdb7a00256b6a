package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu      sync.Mutex
	recs    map[TxID]TransactionRecord
	lowest  TxID
	highest TxID
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[TxID]TransactionRecord)}
}

func (s *memStore) Commit(ctx context.Context, payload []byte) (TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.highest + 1
	s.putLocked(NewTransactionRecord(id, payload, time.Now()))
	return id, nil
}

func (s *memStore) commitN(n int) {
	for i := 0; i < n; i++ {
		s.Commit(context.Background(), []byte(fmt.Sprintf("tx-%d", s.HighestLocalTransactionID()+1)))
	}
}

func (s *memStore) putLocked(rec TransactionRecord) {
	s.recs[rec.ID] = rec
	s.highest = rec.ID
	if s.lowest == 0 {
		s.lowest = rec.ID
	}
}

func (s *memStore) ApplyTransaction(ctx context.Context, rec TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID != s.highest+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, rec.ID, s.highest+1)
	}
	if err := rec.Verify(); err != nil {
		return err
	}
	s.putLocked(rec)
	return nil
}

func (s *memStore) HighestLocalTransactionID() TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

func (s *memStore) LowestTransactionID() TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowest
}

// truncate drops every record below keep.
func (s *memStore) truncate(keep TxID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.recs {
		if id < keep {
			delete(s.recs, id)
		}
	}
	s.lowest = keep
}

func (s *memStore) ReadTransactionRange(ctx context.Context, from, to TxID) ([]TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < s.lowest {
		return nil, fmt.Errorf("%w: %d below %d", ErrTxNotAvailable, from, s.lowest)
	}
	if to > s.highest {
		to = s.highest
	}
	var out []TransactionRecord
	for id := from; id <= to; id++ {
		out = append(out, s.recs[id])
	}
	return out, nil
}

func (s *memStore) records() []TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransactionRecord
	for id := s.lowest; id != 0 && id <= s.highest; id++ {
		out = append(out, s.recs[id])
	}
	return out
}

func (s *memStore) SnapshotForBootstrap(ctx context.Context) (io.ReadCloser, Snapshot, error) {
	data, err := json.Marshal(s.records())
	if err != nil {
		return nil, Snapshot{}, err
	}
	snap := Snapshot{
		ID:       "mem",
		TxID:     s.HighestLocalTransactionID(),
		Checksum: xxhash.Sum64(data),
		Size:     int64(len(data)),
	}
	return io.NopCloser(bytes.NewReader(data)), snap, nil
}

func (s *memStore) ReplaceStore(ctx context.Context, r io.Reader) error {
	var recs []TransactionRecord
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[TxID]TransactionRecord)
	s.lowest, s.highest = 0, 0
	for _, rec := range recs {
		s.putLocked(rec)
	}
	return nil
}

func (s *memStore) Dir() string  { return "" }
func (s *memStore) Close() error { return nil }

// storeSource serves a Source straight from a store, with fault hooks.
type storeSource struct {
	store *memStore
	// mangle rewrites range responses before they are returned.
	mangle func([]TransactionRecord) []TransactionRecord
	calls  int
}

func (s *storeSource) HighestTx(ctx context.Context, remote cluster.InstanceID) (HighestTxResponse, error) {
	return HighestTxResponse{
		Master:  remote,
		Highest: s.store.HighestLocalTransactionID(),
		Lowest:  s.store.LowestTransactionID(),
	}, nil
}

func (s *storeSource) TxRange(ctx context.Context, remote cluster.InstanceID, from, to TxID) ([]TransactionRecord, error) {
	s.calls++
	recs, err := s.store.ReadTransactionRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if s.mangle != nil {
		recs = s.mangle(recs)
	}
	return recs, nil
}
