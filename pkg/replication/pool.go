package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Resolver maps an instance id to its HA server address.
type Resolver interface {
	Resolve(id cluster.InstanceID) (string, error)
}

// ViewResolver resolves addresses from the current cluster view.
type ViewResolver struct {
	View *cluster.View
}

// Resolve implements Resolver.
func (r ViewResolver) Resolve(id cluster.InstanceID) (string, error) {
	m, ok := r.View.Snapshot().Member(id)
	if !ok || m.Addr == "" {
		return "", fmt.Errorf("%w: %d", ErrUnknownRemote, id)
	}
	return m.Addr, nil
}

// StaticResolver is a fixed address book.
type StaticResolver map[cluster.InstanceID]string

// Resolve implements Resolver.
func (r StaticResolver) Resolve(id cluster.InstanceID) (string, error) {
	addr, ok := r[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownRemote, id)
	}
	return addr, nil
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Self cluster.InstanceID
	// MaxChannelsPerRemote bounds open channels to one remote.
	MaxChannelsPerRemote int
	// ReadTimeout bounds lease waits and every request.
	ReadTimeout time.Duration
	// LockReadTimeout bounds lock-class requests such as votes.
	LockReadTimeout time.Duration
	// IdleTimeout closes channels unused for this long. Zero keeps them.
	IdleTimeout time.Duration
	ChunkSize   int

	Network  Network
	Resolver Resolver
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

type remoteChannels struct {
	sem   *semaphore.Weighted
	idle  []*Channel
	open  int
	inUse int
	gen   uint64
}

// Pool keeps reusable channels to every remote instance.
//
// Concurrent Safety:
// 1. Each remote has a weighted semaphore sized MaxChannelsPerRemote; a
//    lease holds one unit until Release or Invalidate
// 2. Channel bookkeeping is protected by mu; dials happen outside it
// 3. A channel is touched by exactly one lessee at a time
type Pool struct {
	opts    PoolOptions
	logger  logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	remotes map[cluster.InstanceID]*remoteChannels
	closed  bool

	closing context.Context
	cancel  context.CancelFunc
	lc      Lifecycle
}

// NewPool creates a pool. Start runs the idle janitor.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxChannelsPerRemote < 1 {
		opts.MaxChannelsPerRemote = 20
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 20 * time.Second
	}
	if opts.LockReadTimeout <= 0 {
		opts.LockReadTimeout = opts.ReadTimeout
	}
	if opts.Network == nil {
		opts.Network = TCPNetwork{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger).With(logging.Component("pool")),
		metrics: opts.Metrics,
		remotes: make(map[cluster.InstanceID]*remoteChannels),
		closing: closing,
		cancel:  cancel,
	}
}

// ReadTimeout is the per-request bound.
func (p *Pool) ReadTimeout() time.Duration { return p.opts.ReadTimeout }

// LockReadTimeout is the bound for lock-class requests.
func (p *Pool) LockReadTimeout() time.Duration { return p.opts.LockReadTimeout }

// Start launches the idle janitor.
func (p *Pool) Start() {
	if p.opts.IdleTimeout <= 0 || !p.lc.Begin() {
		return
	}
	p.lc.Go(func(stop <-chan struct{}) {
		interval := p.opts.IdleTimeout / 2
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := p.opts.Clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.EvictIdle()
			}
		}
	})
}

func (p *Pool) remote(id cluster.InstanceID) (*remoteChannels, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	rc, ok := p.remotes[id]
	if !ok {
		rc = &remoteChannels{sem: semaphore.NewWeighted(int64(p.opts.MaxChannelsPerRemote))}
		p.remotes[id] = rc
	}
	return rc, nil
}

// Lease returns an idle channel to remote or dials a new one. It waits at
// most ReadTimeout for a free slot and then fails with *TimeoutError.
func (p *Pool) Lease(ctx context.Context, remote cluster.InstanceID) (*Channel, error) {
	rc, err := p.remote(remote)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, p.opts.ReadTimeout)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := rc.sem.Acquire(lctx, 1); err != nil {
		switch {
		case p.closing.Err() != nil:
			return nil, ErrPoolClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		p.metrics.RecordLeaseTimeout(int(remote))
		return nil, &TimeoutError{
			Op:     "lease",
			Remote: remote,
			Err:    fmt.Errorf("all %d channels busy for %v: %w", p.opts.MaxChannelsPerRemote, p.opts.ReadTimeout, err),
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		rc.sem.Release(1)
		return nil, ErrPoolClosed
	}
	rc.inUse++
	if n := len(rc.idle); n > 0 {
		ch := rc.idle[n-1]
		rc.idle = rc.idle[:n-1]
		p.reportLocked(remote, rc)
		p.mu.Unlock()
		return ch, nil
	}
	rc.open++
	gen := rc.gen
	p.reportLocked(remote, rc)
	p.mu.Unlock()

	ch, err := p.dial(lctx, remote, gen)
	if err != nil {
		p.mu.Lock()
		rc.open--
		rc.inUse--
		p.reportLocked(remote, rc)
		p.mu.Unlock()
		rc.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ch, nil
}

func (p *Pool) dial(ctx context.Context, remote cluster.InstanceID, gen uint64) (*Channel, error) {
	addr, err := p.opts.Resolver.Resolve(remote)
	if err != nil {
		return nil, err
	}
	conn, err := p.opts.Network.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "dial " + addr, Remote: remote, Err: err}
		}
		return nil, &ChannelBrokenError{Remote: remote, Err: err}
	}

	ch := newChannel(remote, conn, p.opts.ChunkSize, gen)
	hello, err := NewMessage(MsgHandshake, HandshakeRequest{From: p.opts.Self, Target: remote, Version: ProtocolVersion})
	if err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := ch.Call(ctx, hello, p.opts.ReadTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var resp HandshakeResponse
	if err := reply.Expect(MsgHandshake, &resp); err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.Accepted {
		conn.Close()
		return nil, &ChannelBrokenError{Remote: remote, Err: fmt.Errorf("handshake refused by %s: %s", addr, resp.ErrorMessage)}
	}

	ch.lastActivity = p.opts.Clock.Now()
	p.logger.Debug("channel opened", logging.Remote(int(remote)), logging.Addr(addr))
	return ch, nil
}

// Release hands a leased channel back.
func (p *Pool) Release(ch *Channel) {
	p.mu.Lock()
	rc := p.remotes[ch.Remote]
	rc.inUse--
	keep := !p.closed && ch.broken == nil && ch.gen == rc.gen
	if keep {
		ch.lastActivity = p.opts.Clock.Now()
		rc.idle = append(rc.idle, ch)
	} else {
		rc.open--
	}
	p.reportLocked(ch.Remote, rc)
	p.mu.Unlock()

	if !keep {
		ch.close()
	}
	rc.sem.Release(1)
}

// Invalidate closes a leased channel after a failure and evicts every
// idle channel to the same remote, since they likely share its fate.
func (p *Pool) Invalidate(ch *Channel, cause error) {
	if ch.broken == nil {
		ch.broken = cause
	}
	p.Release(ch)
	n := p.evictRemote(ch.Remote, false)
	p.metrics.RecordEviction("broken")
	p.logger.Warn("channel invalidated",
		logging.Remote(int(ch.Remote)),
		logging.Int("idle_evicted", n),
		logging.Error(cause))
}

// CloseRemote drops every channel to remote. Channels currently leased are
// closed when they come back.
func (p *Pool) CloseRemote(remote cluster.InstanceID) {
	if n := p.evictRemote(remote, true); n > 0 {
		p.metrics.RecordEviction("closed")
	}
}

func (p *Pool) evictRemote(remote cluster.InstanceID, bumpGen bool) int {
	p.mu.Lock()
	rc, ok := p.remotes[remote]
	if !ok {
		p.mu.Unlock()
		return 0
	}
	idle := rc.idle
	rc.idle = nil
	rc.open -= len(idle)
	if bumpGen {
		rc.gen++
	}
	p.reportLocked(remote, rc)
	p.mu.Unlock()

	for _, ch := range idle {
		ch.close()
	}
	return len(idle)
}

// EvictIdle closes idle channels unused for longer than IdleTimeout.
func (p *Pool) EvictIdle() int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}
	now := p.opts.Clock.Now()
	var stale []*Channel

	p.mu.Lock()
	for id, rc := range p.remotes {
		kept := rc.idle[:0]
		for _, ch := range rc.idle {
			if now.Sub(ch.lastActivity) > p.opts.IdleTimeout {
				stale = append(stale, ch)
				rc.open--
				continue
			}
			kept = append(kept, ch)
		}
		rc.idle = kept
		p.reportLocked(id, rc)
	}
	p.mu.Unlock()

	for _, ch := range stale {
		ch.close()
		p.metrics.RecordEviction("idle")
	}
	if len(stale) > 0 {
		p.logger.Debug("idle channels closed", logging.Count(len(stale)))
	}
	return len(stale)
}

// Do leases a channel, runs fn and returns the channel, invalidating it if
// fn broke it.
func (p *Pool) Do(ctx context.Context, remote cluster.InstanceID, fn func(*Channel) error) error {
	ch, err := p.Lease(ctx, remote)
	if err != nil {
		return err
	}
	err = fn(ch)
	if ch.broken != nil {
		p.Invalidate(ch, err)
		return err
	}
	p.Release(ch)
	return err
}

// Stats reports open and leased channel counts for remote.
func (p *Pool) Stats(remote cluster.InstanceID) (open, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rc, ok := p.remotes[remote]; ok {
		return rc.open, rc.inUse
	}
	return 0, 0
}

func (p *Pool) reportLocked(remote cluster.InstanceID, rc *remoteChannels) {
	p.metrics.UpdatePool(int(remote), rc.open, rc.inUse)
}

// Close closes every idle channel and fails all later leases with
// ErrPoolClosed. Leased channels are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Channel
	for id, rc := range p.remotes {
		idle = append(idle, rc.idle...)
		rc.open -= len(rc.idle)
		rc.idle = nil
		p.reportLocked(id, rc)
	}
	p.mu.Unlock()

	p.cancel()
	p.lc.End()

	var err error
	for _, ch := range idle {
		if cerr := ch.close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
