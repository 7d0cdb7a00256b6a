// Package txlog is a file backed transaction log that satisfies
// replication.Store. Every committed transaction is one frame in an append
// only file; older frames are pruned past the retention limit.
package txlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// LogFileName is the transaction log inside the store directory.
const LogFileName = "txlog.log"

// Options configures a Store.
type Options struct {
	// Retention is the number of transactions kept readable. 0 keeps all.
	Retention int
	Logger    logging.Logger
	Clock     clock.Clock
}

// Store is the reference storage engine.
type Store struct {
	dir       string
	path      string
	file      *os.File
	writer    *bufio.Writer
	size      int64
	index     []entryRef
	retention int
	closed    bool
	logger    logging.Logger
	clock     clock.Clock
	mu        sync.RWMutex

	// Statistics
	bytesUncompressed uint64
	bytesCompressed   uint64
}

var _ replication.Store = (*Store)(nil)

// Open opens or creates the log in dir and recovers its index. A damaged
// tail left by a crash is truncated.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Store{
		dir:       dir,
		path:      filepath.Join(dir, LogFileName),
		retention: opts.Retention,
		logger:    logging.OrDefault(opts.Logger).With(logging.Component("txlog")),
		clock:     opts.Clock,
	}
	if err := s.openFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// openFile opens the log and rebuilds the index. Callers hold mu or own s.
func (s *Store) openFile() error {
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}

	index, good, scanErr := scan(file)
	if scanErr != nil {
		if errors.Is(scanErr, ErrNotContiguous) {
			file.Close()
			return fmt.Errorf("failed to recover transaction log: %w", scanErr)
		}
		s.logger.Warn("transaction log damaged, truncating tail",
			logging.Int("recovered", len(index)),
			logging.Int64("offset", good),
			logging.Error(scanErr))
		if err := file.Truncate(good); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate damaged log: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return err
	}

	s.file = file
	s.writer = bufio.NewWriter(file)
	s.index = index
	s.size = good
	return nil
}

// Commit appends a new local transaction.
func (s *Store) Commit(ctx context.Context, payload []byte) (replication.TxID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	highest := s.highestLocked()
	if highest == replication.TxID(^uint64(0)) {
		return 0, ErrIDExhausted
	}

	rec := replication.NewTransactionRecord(highest+1, payload, s.clock.Now())
	if err := s.appendLocked(rec); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// ApplyTransaction appends a record received from the master.
func (s *Store) ApplyTransaction(ctx context.Context, rec replication.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Verify(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if want := s.highestLocked() + 1; rec.ID != want {
		return fmt.Errorf("%w: got tx %d, want %d", replication.ErrOutOfOrder, rec.ID, want)
	}
	return s.appendLocked(rec)
}

func (s *Store) appendLocked(rec replication.TransactionRecord) error {
	offset := s.size
	n, err := writeFrame(s.writer, rec)
	if err == nil {
		err = s.writer.Flush()
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		// Drop whatever part of the frame reached the file.
		s.writer.Reset(s.file)
		if terr := s.file.Truncate(offset); terr != nil {
			err = multierr.Append(err, terr)
		}
		return fmt.Errorf("failed to append tx %d: %w", rec.ID, err)
	}

	s.index = append(s.index, entryRef{id: rec.ID, offset: offset, size: n})
	s.size += n
	s.bytesUncompressed += uint64(len(rec.Payload))
	s.bytesCompressed += uint64(n - frameOverhead)

	if s.retention > 0 && len(s.index) > s.retention+pruneSlack(s.retention) {
		if err := s.pruneLocked(s.retention); err != nil {
			s.logger.Warn("failed to prune transaction log", logging.Error(err))
		}
	}
	return nil
}

// HighestLocalTransactionID returns the id of the newest transaction.
func (s *Store) HighestLocalTransactionID() replication.TxID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highestLocked()
}

func (s *Store) highestLocked() replication.TxID {
	if len(s.index) == 0 {
		return 0
	}
	return s.index[len(s.index)-1].id
}

// LowestTransactionID returns the oldest retained id.
func (s *Store) LowestTransactionID() replication.TxID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.index) == 0 {
		return 0
	}
	return s.index[0].id
}

// ReadTransactionRange returns records from..to inclusive, clipped to the
// highest id.
func (s *Store) ReadTransactionRange(ctx context.Context, from, to replication.TxID) ([]replication.TransactionRecord, error) {
	if from == 0 || to < from {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidRange, from, to)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.index) == 0 || from > s.highestLocked() {
		return nil, nil
	}
	lowest := s.index[0].id
	if from < lowest {
		return nil, fmt.Errorf("%w: tx %d, lowest retained %d", replication.ErrTxNotAvailable, from, lowest)
	}
	if highest := s.highestLocked(); to > highest {
		to = highest
	}

	start := int(from - lowest)
	end := int(to - lowest)
	first, last := s.index[start], s.index[end]

	section := io.NewSectionReader(s.file, first.offset, last.offset+last.size-first.offset)
	br := bufio.NewReader(section)
	out := make([]replication.TransactionRecord, 0, end-start+1)
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, _, err := readFrame(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read tx %d: %w", s.index[i].id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Stats returns payload bytes written before and after compression.
func (s *Store) Stats() (uncompressed, compressed uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesUncompressed, s.bytesCompressed
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFileLocked()
}

func (s *Store) closeFileLocked() error {
	err := s.writer.Flush()
	err = multierr.Append(err, s.file.Sync())
	return multierr.Append(err, s.file.Close())
}
