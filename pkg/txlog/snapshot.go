package txlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// tempFileReader removes its backing file on Close.
type tempFileReader struct {
	*os.File
}

func (t tempFileReader) Close() error {
	return multierr.Append(t.File.Close(), os.Remove(t.File.Name()))
}

// SnapshotForBootstrap copies the log to a temporary file and streams it.
// The returned Snapshot carries the xxhash of the streamed bytes.
func (s *Store) SnapshotForBootstrap(ctx context.Context) (io.ReadCloser, replication.Snapshot, error) {
	tmp, err := os.CreateTemp("", "txlog-snapshot-*")
	if err != nil {
		return nil, replication.Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	fail := func(err error) (io.ReadCloser, replication.Snapshot, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, replication.Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fail(ErrClosed)
	}
	snap := replication.Snapshot{
		ID:   uuid.NewString(),
		TxID: s.highestLocked(),
		Size: s.size,
	}
	h := xxhash.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), io.NewSectionReader(s.file, 0, s.size))
	s.mu.RUnlock()
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	snap.Checksum = h.Sum64()

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	s.logger.Info("snapshot prepared",
		logging.SnapshotID(snap.ID),
		logging.TxID(uint64(snap.TxID)),
		logging.Int64("size", snap.Size))
	return tempFileReader{tmp}, snap, nil
}

// ReplaceStore installs a snapshot produced by SnapshotForBootstrap. The
// incoming log is fully validated before the current one is touched.
func (s *Store) ReplaceStore(ctx context.Context, r io.Reader) error {
	tmp := s.path + ".replace"
	out, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create replacement log: %w", err)
	}
	cleanup := func(err error) error {
		out.Close()
		os.Remove(tmp)
		return err
	}

	w := bufio.NewWriter(out)
	if _, err := io.Copy(w, r); err != nil {
		return cleanup(fmt.Errorf("failed to receive snapshot: %w", err))
	}
	if err := w.Flush(); err != nil {
		return cleanup(err)
	}
	if err := out.Sync(); err != nil {
		return cleanup(err)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return cleanup(err)
	}
	index, good, err := scan(out)
	if err != nil {
		return cleanup(fmt.Errorf("invalid snapshot: %w", err))
	}
	if info, statErr := out.Stat(); statErr == nil && info.Size() != good {
		return cleanup(fmt.Errorf("%w: snapshot has %d trailing bytes", ErrCorrupt, info.Size()-good))
	}
	out.Close()
	if err := ctx.Err(); err != nil {
		os.Remove(tmp)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		os.Remove(tmp)
		return ErrClosed
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Warn("flush before replace failed", logging.Error(err))
	}
	if err := replaceFile(tmp, s.path, s.file); err != nil {
		return multierr.Append(err, s.openFile())
	}

	s.index = index
	if err := s.reopenAfterReplace(func(ref entryRef) entryRef { return ref }, 0); err != nil {
		return err
	}

	s.logger.Info("store replaced",
		logging.Count(len(index)),
		logging.TxID(uint64(s.highestLocked())))
	return nil
}

// Checksum returns the xxhash of the whole log, comparable with
// Snapshot.Checksum.
func (s *Store) Checksum() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(s.file, 0, s.size)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
