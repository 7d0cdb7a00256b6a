package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Election runs term based majority voting among the members of a View and
// drives the StateMachine from its outcome.
//
// Concurrent Safety:
// 1. Term and vote state are protected by mu
// 2. Campaigns and heartbeats run on the loop goroutine only
// 3. Vote and announcement handlers may run on any goroutine
type Election struct {
	opts      ElectionOptions
	view      *View
	sm        *StateMachine
	transport Transport
	clock     clock.Clock
	logger    logging.Logger
	metrics   *metrics.Registry
	rand      *rand.Rand

	mu            sync.Mutex
	term          uint64
	votedFor      InstanceID
	lastMaster    time.Time // last announcement from a master, or own heartbeat
	lastVote      time.Time
	nextCampaign  time.Time
	quorumLostAt  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewElection wires an election to a view and state machine.
func NewElection(opts ElectionOptions, view *View, sm *StateMachine, transport Transport, clk clock.Clock, logger logging.Logger, reg *metrics.Registry) *Election {
	if clk == nil {
		clk = clock.New()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.StateSwitchTimeout <= 0 {
		opts.StateSwitchTimeout = 20 * time.Second
	}
	if opts.LastTxID == nil {
		opts.LastTxID = func() uint64 { return 0 }
	}
	return &Election{
		opts:      opts,
		view:      view,
		sm:        sm,
		transport: transport,
		clock:     clk,
		logger:    logging.OrDefault(logger).With(logging.Component("election"), logging.InstanceID(int(opts.Self))),
		metrics:   reg,
		rand:      rand.New(rand.NewSource(clk.Now().UnixNano() + int64(opts.Self))),
		votedFor:  NoInstance,
		stopCh:    make(chan struct{}),
	}
}

// Term returns the highest term seen.
func (e *Election) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Start launches the election loop.
func (e *Election) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()
	e.logger.Info("election started",
		logging.Duration("heartbeat", e.opts.HeartbeatInterval),
		logging.Duration("switch_timeout", e.opts.StateSwitchTimeout),
		logging.Bool("slave_only", e.opts.SlaveOnly))
}

// Stop ends the loop.
func (e *Election) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Election) loop() {
	ticker := e.clock.Ticker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one round of the loop: heartbeats and quorum checks for a
// master, master liveness for a slave, campaigning for a pending instance.
func (e *Election) Tick() {
	switch e.sm.Role() {
	case RoleMaster:
		e.tickMaster()
	case RoleSlave:
		e.tickSlave()
	case RolePending:
		e.tickPending()
	}
}

func (e *Election) tickMaster() {
	now := e.clock.Now()
	snap := e.view.Snapshot()

	e.mu.Lock()
	e.lastMaster = now
	term := e.term
	if snap.HasQuorum() {
		e.quorumLostAt = time.Time{}
	} else if e.quorumLostAt.IsZero() {
		e.quorumLostAt = now
	}
	lostFor := time.Duration(0)
	if !e.quorumLostAt.IsZero() {
		lostFor = now.Sub(e.quorumLostAt)
	}
	e.mu.Unlock()

	if lostFor > e.opts.StateSwitchTimeout {
		e.logger.Warn("master lost quorum, stepping down",
			logging.Int("alive", snap.AliveCount()),
			logging.Int("quorum", snap.QuorumSize()),
			logging.Error(ErrNoQuorum))
		e.view.ClearMaster(e.opts.Self)
		e.sm.Request(RolePending, NoInstance, "quorum lost")
		return
	}

	e.broadcast(Announcement{Master: e.opts.Self, Term: term, Addr: e.opts.Addr, LastTxID: e.opts.LastTxID()}, e.opts.HeartbeatInterval)
	e.metrics.ClusterHeartbeatsTotal.WithLabelValues("sent").Inc()
}

func (e *Election) tickSlave() {
	now := e.clock.Now()
	e.mu.Lock()
	silent := now.Sub(e.lastMaster)
	e.mu.Unlock()

	if silent > e.opts.StateSwitchTimeout {
		master := e.sm.Master()
		e.logger.Warn("master silent, returning to pending",
			logging.Remote(int(master)),
			logging.Duration("silence", silent))
		e.view.ClearMaster(master)
		e.view.MarkFailed(master)
		e.sm.Request(RolePending, NoInstance, "master unreachable")
	}
}

func (e *Election) tickPending() {
	if e.opts.SlaveOnly {
		return
	}
	now := e.clock.Now()

	e.mu.Lock()
	if e.nextCampaign.IsZero() {
		e.nextCampaign = now.Add(e.campaignDelayLocked())
	}
	recentMaster := now.Sub(e.lastMaster) < 2*e.opts.HeartbeatInterval
	recentVote := now.Sub(e.lastVote) < e.opts.StateSwitchTimeout/2
	due := !now.Before(e.nextCampaign)
	e.mu.Unlock()

	// A master announced itself or we just backed someone; wait for the
	// announcement to land instead of competing.
	if recentMaster || recentVote || !due {
		return
	}

	err := e.Campaign(context.Background())
	e.mu.Lock()
	e.nextCampaign = e.clock.Now().Add(e.campaignDelayLocked())
	e.mu.Unlock()
	if err != nil {
		e.logger.Info("campaign unsuccessful", logging.Error(err))
	}
}

// campaignDelayLocked gives higher ids a shorter base delay so ties
// resolve toward the highest instance id.
func (e *Election) campaignDelayLocked() time.Duration {
	rank := 0
	for _, id := range e.view.Snapshot().IDs() {
		if id > e.opts.Self {
			rank++
		}
	}
	hb := e.opts.HeartbeatInterval
	return hb*time.Duration(1+2*rank) + time.Duration(e.rand.Int63n(int64(hb)))
}

// Campaign runs one election round for the local instance. On success the
// state machine is asked to become master and the result is announced.
func (e *Election) Campaign(ctx context.Context) error {
	start := e.clock.Now()
	snap := e.view.Snapshot()
	quorum := snap.QuorumSize()

	if !snap.HasQuorum() {
		e.metrics.RecordElection(resultNoQuorum, e.Term(), 0)
		return fmt.Errorf("%w: %d alive, need %d", ErrNoQuorum, snap.AliveCount(), quorum)
	}

	e.mu.Lock()
	e.term++
	term := e.term
	e.votedFor = e.opts.Self
	e.mu.Unlock()

	req := VoteRequest{Candidate: e.opts.Self, Term: term, LastTxID: e.opts.LastTxID()}
	e.logger.Info("starting election",
		logging.Term(term),
		logging.TxID(req.LastTxID),
		logging.Int("quorum", quorum))

	ctx, cancel := context.WithTimeout(ctx, e.opts.StateSwitchTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		granted = 1
		higher  uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range snap.Others() {
		id := id
		g.Go(func() error {
			resp, err := e.transport.RequestVote(gctx, id, req)
			if err != nil {
				e.logger.Debug("vote request failed", logging.Remote(int(id)), logging.Error(err))
				return nil
			}
			e.view.Touch(id)
			mu.Lock()
			defer mu.Unlock()
			if resp.Term > term && resp.Term > higher {
				higher = resp.Term
			}
			if resp.Granted && resp.Term == term {
				granted++
			} else {
				e.logger.Debug("vote denied", logging.Remote(int(id)), logging.Reason(resp.Reason))
			}
			return nil
		})
	}
	g.Wait()
	elapsed := e.clock.Now().Sub(start)

	if higher > 0 {
		e.observeTerm(higher)
		e.metrics.RecordElection(resultLost, higher, elapsed)
		return fmt.Errorf("%w: saw term %d", ErrElectionLost, higher)
	}

	if granted < quorum {
		result, err := resultLost, ErrElectionLost
		if ctx.Err() != nil {
			result, err = resultTimeout, ErrElectionTimeout
		}
		e.metrics.RecordElection(result, term, elapsed)
		return fmt.Errorf("%w: %d of %d votes in term %d", err, granted, quorum, term)
	}

	e.mu.Lock()
	if e.term != term {
		e.mu.Unlock()
		e.metrics.RecordElection(resultLost, term, elapsed)
		return fmt.Errorf("%w: term moved on during campaign", ErrElectionLost)
	}
	e.lastMaster = e.clock.Now()
	e.mu.Unlock()

	e.logger.Info("won election", logging.Term(term), logging.Int("votes", granted))
	e.metrics.RecordElection(resultWon, term, elapsed)

	e.view.SetMaster(e.opts.Self, term)
	if err := e.sm.Request(RoleMaster, e.opts.Self, fmt.Sprintf("won term %d", term)); err != nil {
		return err
	}
	e.broadcast(Announcement{Master: e.opts.Self, Term: term, Addr: e.opts.Addr, LastTxID: req.LastTxID}, e.opts.StateSwitchTimeout)
	return nil
}

// observeTerm adopts a higher term.
func (e *Election) observeTerm(term uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if term > e.term {
		e.term = term
		e.votedFor = NoInstance
	}
}

// broadcast sends an announcement to every other member concurrently.
func (e *Election) broadcast(a Announcement, timeout time.Duration) {
	snap := e.view.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range snap.Others() {
		wg.Add(1)
		go func(id InstanceID) {
			defer wg.Done()
			ack, err := e.transport.Announce(ctx, id, a)
			if err != nil {
				e.logger.Debug("announcement failed", logging.Remote(int(id)), logging.Error(err))
				return
			}
			e.view.Touch(id)
			if ack.ID == id {
				e.view.ObserveRole(id, ack.Role)
			}
		}(id)
	}
	wg.Wait()
}

// HandleVoteRequest decides whether to back a candidate. At most one vote
// is granted per term, only to candidates at least as up to date as us, and
// never while a live master is known.
func (e *Election) HandleVoteRequest(req VoteRequest) VoteResponse {
	e.view.Touch(req.Candidate)
	now := e.clock.Now()
	localTx := e.opts.LastTxID()

	e.mu.Lock()
	defer e.mu.Unlock()

	resp := VoteResponse{Voter: e.opts.Self, Term: e.term}

	if req.Term < e.term {
		resp.Reason = fmt.Sprintf("stale term (current: %d, requested: %d)", e.term, req.Term)
		return resp
	}
	if req.Term > e.term {
		e.term = req.Term
		e.votedFor = NoInstance
		resp.Term = e.term
	}

	role := e.sm.Role()
	if role == RoleMaster {
		resp.Reason = "this instance is master"
		return resp
	}
	if role == RoleSlave && now.Sub(e.lastMaster) < e.opts.StateSwitchTimeout {
		resp.Reason = fmt.Sprintf("master %d is alive", e.sm.Master())
		return resp
	}
	if e.votedFor != NoInstance && e.votedFor != req.Candidate {
		resp.Reason = fmt.Sprintf("already voted for %d in term %d", e.votedFor, e.term)
		return resp
	}
	if req.LastTxID < localTx {
		resp.Reason = fmt.Sprintf("candidate tx %d < local tx %d", req.LastTxID, localTx)
		return resp
	}

	e.votedFor = req.Candidate
	e.lastVote = now
	resp.Granted = true
	e.logger.Info("granted vote", logging.Remote(int(req.Candidate)), logging.Term(req.Term))
	return resp
}

// Ack is the reply to an announcement: the local id and current role.
func (e *Election) Ack() AnnounceAck {
	return AnnounceAck{ID: e.opts.Self, Role: e.sm.Role()}
}

// HandleAnnouncement records a master announcement or heartbeat and moves
// the local instance under the announced master.
func (e *Election) HandleAnnouncement(a Announcement) error {
	now := e.clock.Now()

	e.mu.Lock()
	if a.Term < e.term {
		current := e.term
		e.mu.Unlock()
		return fmt.Errorf("%w: announcement term %d, current %d", ErrStaleTerm, a.Term, current)
	}
	if a.Term > e.term {
		e.term = a.Term
		e.votedFor = NoInstance
	}
	e.lastMaster = now
	e.mu.Unlock()

	e.metrics.ClusterHeartbeatsTotal.WithLabelValues("received").Inc()
	if m, ok := e.view.Snapshot().Member(a.Master); !ok || m.Addr == "" {
		e.view.Upsert(Member{ID: a.Master, Addr: a.Addr, Role: RoleMaster, LastTxID: a.LastTxID})
	} else {
		e.view.Touch(a.Master)
	}
	e.view.SetMaster(a.Master, a.Term)

	if a.Master == e.opts.Self {
		return nil
	}
	if e.sm.Role() != RoleSlave || e.sm.Master() != a.Master {
		return e.sm.Request(RoleSlave, a.Master, fmt.Sprintf("master %d announced term %d", a.Master, a.Term))
	}
	return nil
}
