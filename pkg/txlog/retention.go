package txlog

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
)

// pruneSlack lets the log grow past its retention before a rewrite.
func pruneSlack(retention int) int {
	if s := retention / 10; s > 0 {
		return s
	}
	return 1
}

// pruneLocked rewrites the log keeping only the newest keep frames.
func (s *Store) pruneLocked(keep int) error {
	if keep <= 0 || len(s.index) <= keep {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	cut := s.index[len(s.index)-keep].offset
	tmp := s.path + ".prune"
	out, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create pruned log: %w", err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(s.file, cut, s.size-cut)); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy retained frames: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	out.Close()

	if err := replaceFile(tmp, s.path, s.file); err != nil {
		return multierr.Append(err, s.openFile())
	}
	return s.reopenAfterReplace(func(ref entryRef) entryRef {
		ref.offset -= cut
		return ref
	}, len(s.index)-keep)
}

// reopenAfterReplace points the store at the file now living at s.path,
// shifting the in-memory index instead of rescanning.
func (s *Store) reopenAfterReplace(shift func(entryRef) entryRef, drop int) error {
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen transaction log: %w", err)
	}
	kept := make([]entryRef, 0, len(s.index)-drop)
	for _, ref := range s.index[drop:] {
		kept = append(kept, shift(ref))
	}
	var size int64
	if n := len(kept); n > 0 {
		size = kept[n-1].offset + kept[n-1].size
	}

	s.file = file
	s.writer = bufio.NewWriter(file)
	s.index = kept
	s.size = size
	return nil
}

// replaceFile closes old and renames src over dst.
func replaceFile(src, dst string, old *os.File) error {
	closeErr := old.Close()
	if err := os.Rename(src, dst); err != nil {
		os.Remove(src)
		return fmt.Errorf("failed to rename %s: %w (close error: %v)", src, err, closeErr)
	}
	return nil
}
