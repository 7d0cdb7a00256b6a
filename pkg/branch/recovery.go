package branch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

const (
	// BranchedDirName holds archived divergent stores.
	BranchedDirName = "branched"
	// HADirName holds HA bookkeeping and is never archived.
	HADirName = "ha"

	archiveTimeFormat = "2006-01-02T15-04-05.000000000Z"
)

// bootstrapLocked downloads a snapshot, verifies it, applies the branch
// policy when archive is set, installs the snapshot and resets the cursor.
func (d *Detector) bootstrapLocked(ctx context.Context, master cluster.InstanceID, archive bool) (snap replication.Snapshot, err error) {
	start := d.opts.Clock.Now()
	defer func() {
		d.metrics.RecordBootstrap(err == nil, d.opts.Clock.Now().Sub(start))
	}()

	tmpDir := filepath.Join(d.opts.StoreDir, HADirName)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return snap, fmt.Errorf("failed to create bootstrap directory: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, "bootstrap-*")
	if err != nil {
		return snap, fmt.Errorf("failed to create bootstrap file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, tmp.Close())
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}()

	h := xxhash.New()
	snap, err = d.master.Snapshot(ctx, master, io.MultiWriter(tmp, h))
	if err != nil {
		return snap, fmt.Errorf("download snapshot from master %d: %w", master, err)
	}
	if got := h.Sum64(); got != snap.Checksum {
		return snap, fmt.Errorf("%w: snapshot %s: expected %016x, got %016x", ErrSnapshotCorrupted, snap.ID, snap.Checksum, got)
	}
	d.logger.Info("snapshot downloaded",
		logging.Remote(int(master)),
		logging.SnapshotID(snap.ID),
		logging.TxID(uint64(snap.TxID)),
		logging.String("size", humanize.Bytes(uint64(snap.Size))))

	var (
		archived string
		restore  func() error
	)
	if archive {
		if archived, restore, err = d.stashBranch(); err != nil {
			return snap, err
		}
	}

	if err := d.install(ctx, tmp); err != nil {
		if restore != nil {
			if rerr := restore(); rerr != nil {
				d.logger.Error("failed to restore branched data", logging.Archive(archived), logging.Error(rerr))
				err = multierr.Append(err, rerr)
			} else {
				d.logger.Warn("branched data restored after failed install", logging.Archive(archived))
			}
		}
		return snap, fmt.Errorf("install snapshot %s: %w", snap.ID, err)
	}
	if archive {
		if err := d.settleBranches(archived); err != nil {
			d.logger.Warn("failed to prune branched data", logging.Error(err))
		}
	}
	if err := d.cursor.Reset(snap.TxID, master); err != nil {
		return snap, err
	}
	d.logger.Info("store bootstrapped",
		logging.Remote(int(master)),
		logging.TxID(uint64(snap.TxID)),
		logging.Latency(d.opts.Clock.Now().Sub(start)))
	return snap, nil
}

func (d *Detector) install(ctx context.Context, snapshot *os.File) error {
	if _, err := snapshot.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return d.store.ReplaceStore(ctx, snapshot)
}

// stashBranch moves the divergent store aside. restore moves it back.
func (d *Detector) stashBranch() (string, func() error, error) {
	switch d.opts.Policy {
	case config.BranchKeepAll, config.BranchKeepLast, config.BranchKeepNone:
		return d.archive()
	default:
		return "", nil, fmt.Errorf("%w: policy %s cannot recover", ErrBranchConfirmed, d.opts.Policy)
	}
}

// settleBranches applies the policy's retention once the snapshot is
// installed.
func (d *Detector) settleBranches(archived string) error {
	switch d.opts.Policy {
	case config.BranchKeepLast:
		return d.pruneBranches(archived)
	case config.BranchKeepNone:
		if err := d.pruneBranches(""); err != nil {
			return err
		}
		d.logger.Info("branched data discarded", logging.Archive(archived))
	}
	return nil
}

// storeEntries lists the store directory without HA bookkeeping and
// earlier archives.
func (d *Detector) storeEntries() ([]string, error) {
	entries, err := os.ReadDir(d.opts.StoreDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Name() == HADirName || e.Name() == BranchedDirName {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// archive moves the store data to a new timestamped directory under
// branched and returns its name and a func that moves it back. A failed
// move is undone before the error is returned.
func (d *Detector) archive() (string, func() error, error) {
	names, err := d.storeEntries()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	base := filepath.Join(d.opts.StoreDir, BranchedDirName)
	name := d.opts.Clock.Now().UTC().Format(archiveTimeFormat)
	dst := filepath.Join(base, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s-%d", d.opts.Clock.Now().UTC().Format(archiveTimeFormat), i)
		dst = filepath.Join(base, name)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	var moved []string
	restore := func() error {
		var errs error
		for i := len(moved) - 1; i >= 0; i-- {
			n := moved[i]
			errs = multierr.Append(errs, os.Rename(filepath.Join(dst, n), filepath.Join(d.opts.StoreDir, n)))
		}
		if errs != nil {
			return errs
		}
		return os.Remove(dst)
	}
	for _, n := range names {
		if err := renameEntry(filepath.Join(d.opts.StoreDir, n), filepath.Join(dst, n)); err != nil {
			if rerr := restore(); rerr != nil {
				err = multierr.Append(err, rerr)
			}
			return "", nil, fmt.Errorf("%w: move %s: %v", ErrArchiveFailed, n, err)
		}
		moved = append(moved, n)
	}
	d.logger.Info("branched data archived", logging.Path(dst), logging.Count(len(names)))
	return name, restore, nil
}

// renameEntry is os.Rename, replaceable in tests.
var renameEntry = os.Rename

// pruneBranches removes every archive except keep.
func (d *Detector) pruneBranches(keep string) error {
	archives, err := ListBranches(d.opts.StoreDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}
	var errs error
	for _, a := range archives {
		if a == keep {
			continue
		}
		errs = multierr.Append(errs, os.RemoveAll(filepath.Join(d.opts.StoreDir, BranchedDirName, a)))
	}
	if errs != nil {
		return fmt.Errorf("%w: %v", ErrArchiveFailed, errs)
	}
	return nil
}

// ListBranches returns the archived branch directories under storeDir,
// oldest first.
func ListBranches(storeDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(storeDir, BranchedDirName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
