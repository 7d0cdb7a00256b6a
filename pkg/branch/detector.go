// Package branch detects when a slave's history has diverged from the
// master's and recovers by archiving the local store and bootstrapping a
// fresh copy from the master.
package branch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Outcome classifies the local history against the master's.
type Outcome int

const (
	// Match means the local highest is the master's highest.
	Match Outcome = iota
	// Behind means the local history is a prefix of the master's.
	Behind
	// Diverged means the local history cannot be continued.
	Diverged
	// Fresh means the store is empty and the master no longer retains
	// transaction 1, so a bootstrap is needed without any branch.
	Fresh
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case Behind:
		return "behind"
	case Diverged:
		return "diverged"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Comparison is the result of Compare.
type Comparison struct {
	Outcome       Outcome
	Local         replication.TxID
	MasterLowest  replication.TxID
	MasterHighest replication.TxID
	Reason        string
}

// Master is the remote side a Detector consults. replication.Client
// implements it.
type Master interface {
	HighestTx(ctx context.Context, remote cluster.InstanceID) (replication.HighestTxResponse, error)
	Checksum(ctx context.Context, remote cluster.InstanceID, id replication.TxID) (replication.ChecksumResponse, error)
	Snapshot(ctx context.Context, remote cluster.InstanceID, w io.Writer) (replication.Snapshot, error)
}

// CursorResetter moves the pull cursor after a bootstrap.
type CursorResetter interface {
	Reset(id replication.TxID, master cluster.InstanceID) error
}

// Options configures a Detector.
type Options struct {
	Policy config.BranchPolicy
	// StoreDir holds the store data. Archives go to StoreDir/branched and
	// bootstrap downloads to StoreDir/ha.
	StoreDir string
	// OnUnrecoverable is called when the shutdown policy refuses recovery.
	OnUnrecoverable func(error)
	Clock           clock.Clock
	Logger          logging.Logger
	Metrics         *metrics.Registry
}

// Detector compares local history with the master and resolves branches
// according to the configured policy.
//
// Concurrent Safety:
//  1. Check and HandleBranch are serialized by mu so only one recovery runs.
//  2. The store and cursor are only touched while mu is held.
type Detector struct {
	store   replication.Store
	master  Master
	cursor  CursorResetter
	opts    Options
	logger  logging.Logger
	metrics *metrics.Registry

	mu sync.Mutex
}

var _ replication.BranchHandler = (*Detector)(nil)

// NewDetector creates a Detector for store.
func NewDetector(store replication.Store, master Master, cursor CursorResetter, opts Options) *Detector {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if opts.StoreDir == "" {
		opts.StoreDir = store.Dir()
	}
	return &Detector{
		store:   store,
		master:  master,
		cursor:  cursor,
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger).With(logging.Component("branch")),
		metrics: opts.Metrics,
	}
}

// Compare classifies the local history against master. Equality is
// decided by the checksum of the local highest transaction.
func (d *Detector) Compare(ctx context.Context, master cluster.InstanceID) (Comparison, error) {
	info, err := d.master.HighestTx(ctx, master)
	if err != nil {
		return Comparison{}, fmt.Errorf("ask master %d for highest tx: %w", master, err)
	}
	local := d.store.HighestLocalTransactionID()
	c := Comparison{Local: local, MasterLowest: info.Lowest, MasterHighest: info.Highest}

	switch {
	case local == 0:
		if info.Lowest > 1 {
			c.Outcome, c.Reason = Fresh, "empty store, master history starts later"
		} else if info.Highest == 0 {
			c.Outcome = Match
		} else {
			c.Outcome = Behind
		}
		return c, nil
	case local > info.Highest:
		c.Outcome, c.Reason = Diverged, "local history is ahead of master"
		return c, nil
	case local+1 == info.Lowest:
		// Nothing left to compare against; the next id is still pullable.
		c.Outcome = Behind
		return c, nil
	case local < info.Lowest:
		c.Outcome, c.Reason = Diverged, "master no longer retains the local position"
		return c, nil
	}

	sum, err := d.master.Checksum(ctx, master, local)
	if err != nil {
		return Comparison{}, fmt.Errorf("ask master %d for checksum of tx %d: %w", master, local, err)
	}
	if !sum.Found {
		c.Outcome, c.Reason = Diverged, "master has no record of the local highest"
		return c, nil
	}
	recs, err := d.store.ReadTransactionRange(ctx, local, local)
	if err != nil {
		return Comparison{}, fmt.Errorf("read local tx %d: %w", local, err)
	}
	if len(recs) != 1 {
		return Comparison{}, fmt.Errorf("read local tx %d: %w", local, replication.ErrTxNotAvailable)
	}
	if recs[0].Checksum != sum.Checksum {
		c.Outcome = Diverged
		c.Reason = fmt.Sprintf("checksum of tx %d differs: local %08x, master %08x", local, recs[0].Checksum, sum.Checksum)
		return c, nil
	}
	if local == info.Highest {
		c.Outcome = Match
	} else {
		c.Outcome = Behind
	}
	return c, nil
}

// Check compares with master and recovers when needed. It returns nil when
// the local store can be continued by pulling.
func (d *Detector) Check(ctx context.Context, master cluster.InstanceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(ctx, master)
}

// HandleBranch confirms a branch suspected by the puller and recovers.
func (d *Detector) HandleBranch(ctx context.Context, master cluster.InstanceID, suspect *replication.BranchSuspectedError) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Warn("branch suspected",
		logging.Remote(int(master)),
		logging.TxID(uint64(suspect.Local)),
		logging.Uint64("master_lowest", uint64(suspect.MasterLowest)))
	return d.checkLocked(ctx, master)
}

func (d *Detector) checkLocked(ctx context.Context, master cluster.InstanceID) error {
	c, err := d.Compare(ctx, master)
	if err != nil {
		return err
	}
	switch c.Outcome {
	case Match, Behind:
		return nil
	case Fresh:
		d.logger.Info("store needs bootstrap",
			logging.Remote(int(master)),
			logging.Uint64("master_lowest", uint64(c.MasterLowest)))
		_, err := d.bootstrapLocked(ctx, master, false)
		return err
	}

	d.metrics.RecordBranch(d.opts.Policy.String())
	d.logger.Warn("branch confirmed",
		logging.Remote(int(master)),
		logging.TxID(uint64(c.Local)),
		logging.Reason(c.Reason),
		logging.String("policy", d.opts.Policy.String()))

	if d.opts.Policy == config.BranchShutdown {
		err := &UnrecoverableDivergenceError{Local: c.Local, Master: master, Reason: c.Reason}
		if d.opts.OnUnrecoverable != nil {
			d.opts.OnUnrecoverable(err)
		}
		return err
	}
	_, err = d.bootstrapLocked(ctx, master, true)
	return err
}

// Bootstrap replaces the local store with a snapshot from master without
// archiving anything.
func (d *Detector) Bootstrap(ctx context.Context, master cluster.InstanceID) (replication.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootstrapLocked(ctx, master, false)
}
