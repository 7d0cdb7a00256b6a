package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// PullStateFileName is the bolt file holding the puller cursor, relative to
// the HA state directory.
const PullStateFileName = "pullstate.db"

var (
	pullBucket = []byte("pull")
	stateKey   = []byte("state")
)

// PullState is the slave's replication cursor.
type PullState struct {
	LastApplied TxID               `json:"last_applied"`
	LastPull    time.Time          `json:"last_pull"`
	MasterID    cluster.InstanceID `json:"master_id"`
}

// StateStore persists PullState in a bolt file.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens or creates the state file at path.
func OpenStateStore(path string) (*StateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pull state %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pullBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init pull state: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Load returns the persisted state, or the zero state for a new file.
func (s *StateStore) Load() (PullState, error) {
	st := PullState{MasterID: cluster.NoInstance}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pullBucket).Get(stateKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &st)
	})
	if err != nil {
		return PullState{}, fmt.Errorf("load pull state: %w", err)
	}
	return st, nil
}

// Save durably replaces the persisted state.
func (s *StateStore) Save(st PullState) error {
	v, err := json.Marshal(st)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pullBucket).Put(stateKey, v)
	})
	if err != nil {
		return fmt.Errorf("save pull state: %w", err)
	}
	return nil
}

// Close closes the state file.
func (s *StateStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil
	}
	return err
}
