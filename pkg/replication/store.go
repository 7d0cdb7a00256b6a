package replication

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// TxID identifies a committed transaction. IDs start at 1 and increase by
// one per commit; 0 means "no transaction".
type TxID uint64

// TransactionRecord is one committed transaction as shipped between
// instances. The payload is opaque to the HA layer.
type TransactionRecord struct {
	ID        TxID   `json:"id"`
	Payload   []byte `json:"payload"`
	Checksum  uint32 `json:"checksum"`
	Timestamp int64  `json:"timestamp"`
}

// NewTransactionRecord builds a record and computes its checksum.
func NewTransactionRecord(id TxID, payload []byte, at time.Time) TransactionRecord {
	return TransactionRecord{
		ID:        id,
		Payload:   payload,
		Checksum:  crc32.ChecksumIEEE(payload),
		Timestamp: at.UnixNano(),
	}
}

// Verify checks the payload against the stored checksum.
func (r TransactionRecord) Verify() error {
	if got := crc32.ChecksumIEEE(r.Payload); got != r.Checksum {
		return fmt.Errorf("%w: tx %d: expected %08x, got %08x", ErrChecksumMismatch, r.ID, r.Checksum, got)
	}
	return nil
}

// Snapshot describes a full store copy used to bootstrap a slave.
type Snapshot struct {
	ID       string `json:"id"`
	TxID     TxID   `json:"tx_id"`
	Checksum uint64 `json:"checksum"`
	Size     int64  `json:"size"`
}

// Store is the storage engine the HA layer replicates. Implementations must
// be safe for concurrent use.
type Store interface {
	// Commit durably appends a new local transaction and returns its id.
	Commit(ctx context.Context, payload []byte) (TxID, error)
	// ApplyTransaction applies a record received from the master. The
	// record's ID must be exactly HighestLocalTransactionID()+1.
	ApplyTransaction(ctx context.Context, rec TransactionRecord) error
	HighestLocalTransactionID() TxID
	// LowestTransactionID is the oldest id still readable, or 0 when the
	// store is empty.
	LowestTransactionID() TxID
	// ReadTransactionRange returns records from..to inclusive. It returns
	// ErrTxNotAvailable when from is below the retained range.
	ReadTransactionRange(ctx context.Context, from, to TxID) ([]TransactionRecord, error)
	SnapshotForBootstrap(ctx context.Context) (io.ReadCloser, Snapshot, error)
	// ReplaceStore atomically swaps the store contents for a snapshot.
	ReplaceStore(ctx context.Context, r io.Reader) error
	Dir() string
	Close() error
}
