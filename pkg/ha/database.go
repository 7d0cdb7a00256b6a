// Package ha turns a single replication.Store into a member of a highly
// available cluster: it elects a master, replicates committed transactions
// to slaves and recovers slaves whose history diverged.
package ha

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/branch"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/txlog"
)

// Database is the HA facade over one store.
//
// Concurrent Safety:
//  1. Role and view reads are lock free
//  2. Start and Shutdown are serialized by mu
//  3. Role work runs on the state machine executor through the switcher
type Database struct {
	cfg     config.Config
	self    cluster.InstanceID
	store   replication.Store
	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
	comps   Components

	view     *cluster.View
	sm       *cluster.StateMachine
	election *cluster.Election
	member   cluster.Membership

	pool     *replication.Pool
	client   *replication.Client
	server   *replication.Server
	state    *replication.StateStore
	puller   *replication.Puller
	pusher   *replication.Pusher
	detector *branch.Detector

	// following is the master the puller and push handler serve, set
	// before the slave role is published.
	following atomic.Int64
	// previous is the master of the last slave role, for channel cleanup.
	previous atomic.Int64
	// catchUp tracks the slave's background catch up. Role hooks wait for
	// it after the state machine has cancelled the old role.
	catchUp sync.WaitGroup

	// commitMu orders store commits with their push enqueue.
	commitMu sync.Mutex

	cleanup *replication.ResourceCleanup
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
}

// New assembles a Database from cfg. Nothing touches the network until
// Start.
func New(cfg config.Config, comps Components) (*Database, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	comps.applyDefaults()
	self := cluster.InstanceID(cfg.ServerID)
	logger := comps.Logger.With(logging.Component("ha"), logging.InstanceID(int(self)))
	for _, key := range cfg.Legacy.Deprecated {
		logger.Warn("deprecated setting ignored", logging.String("key", key))
	}

	cleanup := replication.NewResourceCleanup(logger)
	built := false
	defer func() {
		if !built {
			cleanup.Cleanup()
		}
	}()

	store := comps.Store
	if store == nil {
		if cfg.StoreDir == "" {
			return nil, ErrNoStore
		}
		s, err := txlog.Open(cfg.StoreDir, txlog.Options{
			Retention: cfg.LogRetention,
			Logger:    comps.Logger,
			Clock:     comps.Clock,
		})
		if err != nil {
			return nil, err
		}
		cleanup.Add(s, "store")
		store = s
	}

	state, err := replication.OpenStateStore(filepath.Join(store.Dir(), branch.HADirName, replication.PullStateFileName))
	if err != nil {
		return nil, err
	}
	cleanup.Add(state, "pull state")

	db := &Database{
		cfg:     cfg,
		self:    self,
		store:   store,
		clock:   comps.Clock,
		logger:  logger,
		metrics: comps.Metrics,
		comps:   comps,
		state:   state,
		cleanup: cleanup,
	}
	db.following.Store(int64(cluster.NoInstance))
	db.previous.Store(int64(cluster.NoInstance))

	expected := len(cfg.InitialHosts)
	if s, ok := comps.Membership.(sizer); ok && s.Size() > expected {
		expected = s.Size()
	}
	db.view = cluster.NewView(cluster.Member{
		ID:        self,
		Role:      cluster.RolePending,
		SlaveOnly: cfg.SlaveOnly,
		LastTxID:  uint64(store.HighestLocalTransactionID()),
	}, cluster.ViewOptions{
		LivenessThreshold: cfg.LivenessThreshold,
		Expected:          expected,
		Clock:             comps.Clock,
		Logger:            comps.Logger,
		Metrics:           comps.Metrics,
	})

	db.pool = replication.NewPool(replication.PoolOptions{
		Self:                 self,
		MaxChannelsPerRemote: cfg.MaxConcurrentChannelsPerSlave,
		ReadTimeout:          cfg.ReadTimeout,
		LockReadTimeout:      cfg.LockReadTimeout,
		IdleTimeout:          cfg.IdleChannelTimeout,
		ChunkSize:            int(cfg.ComChunkSize),
		Network:              comps.Network,
		Resolver:             replication.ViewResolver{View: db.view},
		Clock:                comps.Clock,
		Logger:               comps.Logger,
		Metrics:              comps.Metrics,
	})
	cleanup.Add(db.pool, "pool")
	db.client = replication.NewClient(db.pool)

	db.server = replication.NewServer(replication.ServerOptions{
		Self:        self,
		Addresses:   cfg.ServerRange().Addresses(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleChannelTimeout,
		ChunkSize:   int(cfg.ComChunkSize),
		Network:     comps.Network,
		Logger:      comps.Logger,
		Metrics:     comps.Metrics,
	})

	db.sm = cluster.NewStateMachine(db, cluster.StateMachineOptions{
		SwitchTimeout: cfg.StateSwitchTimeout,
		Clock:         comps.Clock,
		Logger:        comps.Logger,
		Metrics:       comps.Metrics,
	})

	db.puller, err = replication.NewPuller(store, db.client, state, db.followedMaster, replication.PullerOptions{
		Interval:  cfg.PullInterval,
		BatchSize: cfg.PullBatchSize,
		Clock:     comps.Clock,
		Logger:    comps.Logger,
		Metrics:   comps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	db.detector = branch.NewDetector(store, db.client, db.puller, branch.Options{
		Policy:          cfg.BranchedDataPolicy,
		StoreDir:        store.Dir(),
		OnUnrecoverable: db.detach,
		Clock:           comps.Clock,
		Logger:          comps.Logger,
		Metrics:         comps.Metrics,
	})
	db.puller.SetBranchHandler(db.detector)

	db.pusher = replication.NewPusher(db.client, db.liveSlaves, replication.PusherOptions{
		Self:     self,
		Factor:   cfg.TxPushFactor,
		Timeout:  cfg.PushTimeout,
		Selector: replication.NewSelector(cfg.TxPushStrategy.String()),
		Clock:    comps.Clock,
		Logger:   comps.Logger,
		Metrics:  comps.Metrics,
	})

	built = true
	return db, nil
}

// Start binds the HA server, joins the cluster and begins electing.
func (db *Database) Start(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return ErrAlreadyStarted
	}
	if db.stopped {
		return ErrUnavailable
	}

	db.registerHandlers()
	bound, err := db.server.Listen()
	if err != nil {
		return err
	}
	db.cleanup.Add(db.server, "ha server")

	addr := advertiseAddr(bound, db.cfg.ClusterServer)
	db.view.UpdateSelf(func(m *cluster.Member) {
		m.Addr = addr
		m.GossipAddr = db.cfg.ClusterServer
	})

	db.election = cluster.NewElection(cluster.ElectionOptions{
		Self:               db.self,
		Addr:               addr,
		SlaveOnly:          db.cfg.SlaveOnly,
		StateSwitchTimeout: db.cfg.StateSwitchTimeout,
		HeartbeatInterval:  db.cfg.HeartbeatInterval,
		LastTxID:           func() uint64 { return uint64(db.store.HighestLocalTransactionID()) },
	}, db.view, db.sm, db.client, db.clock, db.comps.Logger, db.metrics)
	db.registerClusterHandlers()

	db.member = db.comps.Membership
	if db.member == nil {
		self, _ := db.view.Snapshot().Member(db.self)
		db.member = cluster.NewGossip(self, cluster.GossipOptions{
			Bind:   db.cfg.ClusterServer,
			Join:   db.cfg.InitialHosts,
			Logger: db.comps.Logger,
		})
	}
	if ps, ok := db.member.(proberSetter); ok {
		ps.SetProber(db.client)
	}
	if err := db.member.Start(ctx, db.view); err != nil {
		return fmt.Errorf("failed to start membership: %w", err)
	}
	db.cleanup.AddFunc(db.member.Stop, "membership")

	runCtx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	events := db.view.Subscribe(64)
	db.wg.Add(2)
	go func() {
		defer db.wg.Done()
		db.view.Run(runCtx)
	}()
	go func() {
		defer db.wg.Done()
		db.watchView(runCtx, events)
	}()

	db.pool.Start()
	db.sm.Start()
	db.election.Start()

	db.started = true
	db.startedAt = db.clock.Now()
	db.logger.Info("ha database started",
		logging.Addr(addr),
		logging.String("cluster_server", db.cfg.ClusterServer),
		logging.Bool("slave_only", db.cfg.SlaveOnly))
	return nil
}

// watchView drops channels to failed members.
func (db *Database) watchView(ctx context.Context, events <-chan cluster.ViewEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case cluster.MemberFailed:
				db.pool.CloseRemote(ev.Member.ID)
			}
			snap := ev.View
			if snap == nil {
				snap = db.view.Snapshot()
			}
			db.metrics.UpdateMembers(snap.AliveCount(), len(snap.Members)-snap.AliveCount())
		}
	}
}

// Shutdown leaves the cluster and releases every resource. The store is
// closed only when the Database opened it.
func (db *Database) Shutdown(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return nil
	}
	db.stopped = true

	if db.started {
		db.election.Stop()
		if err := db.sm.Transition(ctx, cluster.RoleDetached, cluster.NoInstance, "shutdown"); err != nil {
			db.logger.Warn("detach on shutdown failed", logging.Error(err))
		}
		db.cancel()
		db.wg.Wait()
	}
	db.sm.Stop()
	db.pusher.Stop()
	db.puller.Stop()

	err := db.cleanup.CloseAll()
	db.logger.Info("ha database stopped", logging.Error(err))
	return err
}

// CurrentRole returns the local role.
func (db *Database) CurrentRole() cluster.Role {
	return db.sm.Role()
}

// Master returns the master the instance is or follows, or NoInstance.
func (db *Database) Master() cluster.InstanceID {
	return db.sm.Master()
}

// IsAvailable reports whether the instance can serve requests: a master
// holding quorum, or a slave whose history was verified against its master.
func (db *Database) IsAvailable() bool {
	db.mu.Lock()
	running := db.started && !db.stopped
	db.mu.Unlock()
	if !running {
		return false
	}
	switch db.sm.Role() {
	case cluster.RoleMaster:
		return db.view.Snapshot().HasQuorum()
	case cluster.RoleSlave:
		master := db.sm.Master()
		return master != cluster.NoInstance && db.puller.Accepting() == master
	default:
		return false
	}
}

// Commit durably applies payload on the master and pushes it to
// ha.tx_push_factor slaves. Push failures never fail the commit.
func (db *Database) Commit(ctx context.Context, payload []byte) (replication.TxID, error) {
	if role := db.sm.Role(); role != cluster.RoleMaster {
		return 0, fmt.Errorf("%w: instance %d is %s, master is %s", ErrNotMaster, db.self, role, db.sm.Master())
	}
	id, pending, err := db.commitAndEnqueue(ctx, payload)
	if err != nil || pending == nil {
		return id, err
	}
	result, err := pending.Wait()
	if err != nil {
		db.logger.Debug("push skipped", logging.TxID(uint64(id)), logging.Error(err))
	} else if len(result.TimedOut)+len(result.Failed) > 0 {
		db.logger.Debug("push incomplete",
			logging.TxID(uint64(id)),
			logging.Int("acked", len(result.Acked)),
			logging.Int("timed_out", len(result.TimedOut)),
			logging.Int("failed", len(result.Failed)))
	}
	return id, nil
}

// commitAndEnqueue commits payload and queues its pushes while holding
// commitMu, so every slave worker sees transactions in id order.
func (db *Database) commitAndEnqueue(ctx context.Context, payload []byte) (replication.TxID, *replication.PendingPush, error) {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	id, err := db.store.Commit(ctx, payload)
	if err != nil {
		return 0, nil, err
	}
	recs, err := db.store.ReadTransactionRange(ctx, id, id)
	if err != nil || len(recs) != 1 {
		db.logger.Warn("committed transaction not readable for push", logging.TxID(uint64(id)), logging.Error(err))
		return id, nil, nil
	}
	return id, db.pusher.Enqueue(ctx, recs[0]), nil
}

// PullUpdatesNow catches up with the master and blocks until done or the
// read timeout expires. It is a no-op on the master and fails on a slave
// that has not verified its history yet.
func (db *Database) PullUpdatesNow(ctx context.Context) error {
	switch db.sm.Role() {
	case cluster.RoleMaster:
		return nil
	case cluster.RoleSlave:
		if master := db.sm.Master(); db.puller.Accepting() != master {
			return fmt.Errorf("%w: still joining master %s", ErrUnavailable, master)
		}
	default:
		return fmt.Errorf("%w: instance is %s", ErrUnavailable, db.sm.Role())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, db.cfg.ReadTimeout)
		defer cancel()
	}
	return db.puller.PullNow(ctx)
}

// View returns the current cluster snapshot.
func (db *Database) View() *cluster.ClusterView {
	return db.view.Snapshot()
}

// Config returns the effective configuration.
func (db *Database) Config() config.Config {
	return db.cfg
}

// Store returns the replicated store.
func (db *Database) Store() replication.Store {
	return db.store
}

// Addr returns the bound HA server address, or "" before Start.
func (db *Database) Addr() string {
	return db.server.Addr()
}

// PullState returns the slave's replication cursor.
func (db *Database) PullState() replication.PullState {
	return db.puller.State()
}

// ReplicationLag is how far a slave trails its master; 0 on any other role.
func (db *Database) ReplicationLag() uint64 {
	if db.sm.Role() != cluster.RoleSlave {
		return 0
	}
	return db.puller.Lag()
}

// Uptime is the time since Start.
func (db *Database) Uptime() time.Duration {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.started {
		return 0
	}
	return db.clock.Now().Sub(db.startedAt)
}

func (db *Database) followedMaster() cluster.InstanceID {
	return cluster.InstanceID(db.following.Load())
}

// liveSlaves lists the live members that report the slave role.
func (db *Database) liveSlaves() []cluster.InstanceID {
	var out []cluster.InstanceID
	snap := db.view.Snapshot()
	for _, id := range snap.Slaves() {
		if m, _ := snap.Member(id); m.Addr != "" && m.Role == cluster.RoleSlave {
			out = append(out, id)
		}
	}
	return out
}

// detach moves the instance to Detached after an unrecoverable branch.
// It may run on the executor, so the transition is only queued.
func (db *Database) detach(err error) {
	db.logger.Error("detaching instance", logging.Error(err))
	if rerr := db.sm.Request(cluster.RoleDetached, cluster.NoInstance, err.Error()); rerr != nil {
		db.logger.Warn("detach request failed", logging.Error(rerr))
	}
}

// advertiseAddr replaces an unspecified bind host with the cluster server
// host or the hostname.
func advertiseAddr(bound, clusterServer string) string {
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return bound
	}
	if h, _, err := net.SplitHostPort(clusterServer); err == nil && h != "" {
		if ip := net.ParseIP(h); ip == nil || !ip.IsUnspecified() {
			return net.JoinHostPort(h, port)
		}
	}
	if h, err := os.Hostname(); err == nil {
		return net.JoinHostPort(h, port)
	}
	return bound
}

// Status is a point in time summary of the instance for operators.
type Status struct {
	InstanceID  cluster.InstanceID    `json:"instance_id"`
	Role        cluster.Role          `json:"role"`
	Master      cluster.InstanceID    `json:"master"`
	Term        uint64                `json:"term"`
	Available   bool                  `json:"available"`
	Addr        string                `json:"addr"`
	LastTxID    replication.TxID      `json:"last_tx_id"`
	LowestTxID  replication.TxID      `json:"lowest_tx_id"`
	Lag         uint64                `json:"replication_lag"`
	PullState   replication.PullState `json:"pull_state"`
	Uptime      string                `json:"uptime"`
	ClusterView *cluster.ClusterView  `json:"view"`
}

// Status collects the current Status.
func (db *Database) Status() Status {
	var term uint64
	db.mu.Lock()
	election := db.election
	db.mu.Unlock()
	if election != nil {
		term = election.Term()
	}
	return Status{
		InstanceID:  db.self,
		Role:        db.sm.Role(),
		Master:      db.sm.Master(),
		Term:        term,
		Available:   db.IsAvailable(),
		Addr:        db.Addr(),
		LastTxID:    db.store.HighestLocalTransactionID(),
		LowestTxID:  db.store.LowestTransactionID(),
		Lag:         db.ReplicationLag(),
		PullState:   db.PullState(),
		Uptime:      db.Uptime().Round(time.Second).String(),
		ClusterView: db.view.Snapshot(),
	}
}
