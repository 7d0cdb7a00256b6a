package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Source is the master side of update pulling.
type Source interface {
	HighestTx(ctx context.Context, remote cluster.InstanceID) (HighestTxResponse, error)
	TxRange(ctx context.Context, remote cluster.InstanceID, from, to TxID) ([]TransactionRecord, error)
}

// BranchHandler resolves a suspected branch, usually by comparing
// histories and re-bootstrapping from the master.
type BranchHandler interface {
	HandleBranch(ctx context.Context, master cluster.InstanceID, suspect *BranchSuspectedError) error
}

// Pull results for metrics.
const (
	pullOK       = "ok"
	pullUpToDate = "up_to_date"
	pullError    = "error"
	pullBranch   = "branch"
)

// PullerOptions configures a Puller.
type PullerOptions struct {
	// Interval between periodic pulls. Zero means pull on demand only.
	Interval  time.Duration
	BatchSize int
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// Puller keeps a slave's store a contiguous prefix of the master's
// transaction sequence. Pulled and pushed records share one apply path.
//
// Concurrent Safety:
// 1. mu serializes every apply, cursor write and the push gate
// 2. the branch handler runs outside mu so it may call Reset
// 3. Offer applies nothing until AcceptPushes names the pushing master
type Puller struct {
	store   Store
	source  Source
	state   *StateStore
	master  func() cluster.InstanceID
	opts    PullerOptions
	logger  logging.Logger
	metrics *metrics.Registry

	branchMu sync.RWMutex
	branch   BranchHandler

	mu     sync.Mutex
	cursor PullState
	// accepting is the master whose pushes Offer applies.
	accepting cluster.InstanceID
	// masterHighest is the master's highest id at the last pull.
	masterHighest atomic.Uint64

	trigger chan struct{}
	lc      Lifecycle
}

// NewPuller creates a puller and reconciles the persisted cursor with the
// store: a crash between apply and cursor write leaves the store ahead,
// and the cursor is moved up to it so nothing is applied twice.
func NewPuller(store Store, source Source, state *StateStore, master func() cluster.InstanceID, opts PullerOptions) (*Puller, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	p := &Puller{
		store:   store,
		source:  source,
		state:   state,
		master:  master,
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger).With(logging.Component("puller")),
		metrics: opts.Metrics,
		trigger:   make(chan struct{}, 1),
		accepting: cluster.NoInstance,
	}

	st, err := state.Load()
	if err != nil {
		return nil, err
	}
	highest := store.HighestLocalTransactionID()
	if highest != st.LastApplied {
		p.logger.Info("reconciling pull cursor with store",
			logging.TxID(uint64(st.LastApplied)),
			logging.Uint64("store_highest", uint64(highest)))
		st.LastApplied = highest
		if err := state.Save(st); err != nil {
			return nil, err
		}
	}
	p.cursor = st
	return p, nil
}

// SetBranchHandler installs the handler for suspected branches.
func (p *Puller) SetBranchHandler(h BranchHandler) {
	p.branchMu.Lock()
	p.branch = h
	p.branchMu.Unlock()
}

func (p *Puller) branchHandler() BranchHandler {
	p.branchMu.RLock()
	defer p.branchMu.RUnlock()
	return p.branch
}

// State returns the current cursor.
func (p *Puller) State() PullState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// PullNow pulls until the store holds everything the master had when the
// call started. A suspected branch goes to the branch handler; if it
// recovers, the pull is retried once.
func (p *Puller) PullNow(ctx context.Context) error {
	master := p.master()
	if master == cluster.NoInstance {
		return ErrNoMaster
	}
	err := p.pull(ctx, master)

	var suspect *BranchSuspectedError
	if !errors.As(err, &suspect) {
		return err
	}
	h := p.branchHandler()
	if h == nil {
		return err
	}
	if herr := h.HandleBranch(ctx, master, suspect); herr != nil {
		return herr
	}
	return p.pull(ctx, master)
}

func (p *Puller) pull(ctx context.Context, master cluster.InstanceID) error {
	start := p.opts.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	applied, result, err := p.pullLocked(ctx, master)
	p.metrics.RecordPull(result, applied, p.opts.Clock.Now().Sub(start))
	if applied > 0 {
		p.logger.Debug("pulled transactions",
			logging.Remote(int(master)),
			logging.Count(applied),
			logging.TxID(uint64(p.cursor.LastApplied)))
	}
	return err
}

func (p *Puller) pullLocked(ctx context.Context, master cluster.InstanceID) (int, string, error) {
	info, err := p.source.HighestTx(ctx, master)
	if err != nil {
		return 0, pullError, fmt.Errorf("ask master %d for highest tx: %w", master, err)
	}
	local := p.store.HighestLocalTransactionID()
	p.masterHighest.Store(uint64(info.Highest))
	p.metrics.UpdateReplicationPosition(uint64(local), uint64(info.Highest))

	suspect := &BranchSuspectedError{Local: local, MasterLowest: info.Lowest}
	switch {
	case local > info.Highest:
		return 0, pullBranch, suspect
	case local == info.Highest:
		return 0, pullUpToDate, p.advanceLocked(local, master)
	case info.Lowest > 0 && local+1 < info.Lowest:
		return 0, pullBranch, suspect
	}

	applied := 0
	next := local + 1
	for next <= info.Highest {
		to := next + TxID(p.opts.BatchSize) - 1
		if to > info.Highest {
			to = info.Highest
		}
		recs, err := p.source.TxRange(ctx, master, next, to)
		if errors.Is(err, ErrTxNotAvailable) {
			return applied, pullBranch, suspect
		}
		if err != nil {
			return applied, pullError, fmt.Errorf("pull %d..%d from master %d: %w", next, to, master, err)
		}
		if len(recs) == 0 {
			return applied, pullBranch, suspect
		}

		for _, rec := range recs {
			if rec.ID != next {
				p.logger.Warn("gap in pulled transactions",
					logging.Uint64("expected", uint64(next)),
					logging.TxID(uint64(rec.ID)))
				suspect.Local = next - 1
				return applied, pullBranch, errors.Join(suspect, p.advanceLocked(next-1, master))
			}
			if err := p.applyLocked(ctx, rec); err != nil {
				return applied, pullError, errors.Join(err, p.advanceLocked(next-1, master))
			}
			next++
			applied++
		}
		if err := p.advanceLocked(next-1, master); err != nil {
			return applied, pullError, err
		}
	}
	p.metrics.UpdateReplicationPosition(uint64(next-1), uint64(info.Highest))
	return applied, pullOK, nil
}

func (p *Puller) applyLocked(ctx context.Context, rec TransactionRecord) error {
	if err := rec.Verify(); err != nil {
		return err
	}
	if err := p.store.ApplyTransaction(ctx, rec); err != nil {
		return fmt.Errorf("apply tx %d: %w", rec.ID, err)
	}
	return nil
}

func (p *Puller) advanceLocked(id TxID, master cluster.InstanceID) error {
	st := PullState{LastApplied: id, LastPull: p.opts.Clock.Now(), MasterID: master}
	if err := p.state.Save(st); err != nil {
		return err
	}
	p.cursor = st
	return nil
}

// Lag is how many transactions the store trails the master's highest as of
// the last pull.
func (p *Puller) Lag() uint64 {
	local := uint64(p.store.HighestLocalTransactionID())
	if master := p.masterHighest.Load(); master > local {
		return master - local
	}
	return 0
}

// AcceptPushes opens Offer to records from master. Call it only after the
// local history has been checked against master.
func (p *Puller) AcceptPushes(master cluster.InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepting = master
}

// Accepting returns the master whose pushes are applied, or NoInstance.
func (p *Puller) Accepting() cluster.InstanceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepting
}

// Offer applies a pushed record if it comes from the accepted master and
// is exactly the next one. Anything else is left for the next pull.
func (p *Puller) Offer(ctx context.Context, master cluster.InstanceID, rec TransactionRecord) (PushResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	local := p.store.HighestLocalTransactionID()
	if master != p.accepting {
		p.logger.Debug("ignoring push from unverified master",
			logging.Remote(int(master)),
			logging.TxID(uint64(rec.ID)))
		return PushResponse{Highest: local}, nil
	}
	if rec.ID != local+1 {
		p.logger.Debug("ignoring out of sequence push",
			logging.TxID(uint64(rec.ID)),
			logging.Uint64("local", uint64(local)))
		return PushResponse{Highest: local}, nil
	}
	if err := p.applyLocked(ctx, rec); err != nil {
		return PushResponse{Highest: local}, err
	}
	if err := p.advanceLocked(rec.ID, master); err != nil {
		return PushResponse{Applied: true, Highest: rec.ID}, err
	}
	return PushResponse{Applied: true, Highest: rec.ID}, nil
}

// Reset moves the cursor to id after the store was replaced by a snapshot.
func (p *Puller) Reset(id TxID, master cluster.InstanceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("pull cursor reset", logging.TxID(uint64(id)), logging.Remote(int(master)))
	return p.advanceLocked(id, master)
}

// Start runs the periodic loop. Trigger works even when Interval is zero.
func (p *Puller) Start() {
	if !p.lc.Begin() {
		return
	}
	p.lc.Go(p.loop)
	p.logger.Info("puller started", logging.Duration("interval", p.opts.Interval))
}

// Trigger asks the loop for a pull without waiting for it.
func (p *Puller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Puller) loop(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var tick <-chan time.Time
	if p.opts.Interval > 0 {
		ticker := p.opts.Clock.Ticker(p.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
		case <-p.trigger:
		}
		if err := p.PullNow(ctx); err != nil {
			if errors.Is(err, ErrNoMaster) || ctx.Err() != nil {
				p.logger.Debug("pull skipped", logging.Error(err))
				continue
			}
			p.logger.Warn("pull failed", logging.Error(err))
		}
	}
}

// Stop ends the loop and waits for an in-flight pull.
func (p *Puller) Stop() {
	p.lc.End()
	p.AcceptPushes(cluster.NoInstance)
}

// Close stops the loop and closes the state file.
func (p *Puller) Close() error {
	p.Stop()
	return p.state.Close()
}
