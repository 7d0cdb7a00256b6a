package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// PushTarget delivers one record to one slave. *Client implements it.
type PushTarget interface {
	Push(ctx context.Context, remote, master cluster.InstanceID, rec TransactionRecord) (PushResponse, error)
}

var errPushQueueFull = errors.New("push queue full")

// PusherOptions configures a Pusher.
type PusherOptions struct {
	Self cluster.InstanceID
	// Factor is the number of slaves each commit is pushed to; 0 disables
	// pushing.
	Factor int
	// Timeout is the per-commit budget for all pushes together.
	Timeout time.Duration
	// QueueSize bounds the backlog of each slave worker.
	QueueSize int
	Selector  Selector
	Clock     clock.Clock
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// PushResult reports what happened to one commit's pushes.
type PushResult struct {
	Acked    []cluster.InstanceID
	TimedOut []cluster.InstanceID
	Failed   []cluster.InstanceID
}

type pushOutcome struct {
	remote  cluster.InstanceID
	applied bool
	err     error
}

type pushJob struct {
	ctx     context.Context
	rec     TransactionRecord
	results chan<- pushOutcome
}

type pushWorker struct {
	remote cluster.InstanceID
	queue  chan pushJob
	stop   chan struct{}
}

// Pusher ships freshly committed transactions to a subset of slaves. Each
// slave has one worker draining a bounded queue, so a slave sees pushes in
// commit order. Failed or late pushes are abandoned, never retried; the
// slave's puller catches up.
type Pusher struct {
	target  PushTarget
	slaves  func() []cluster.InstanceID
	opts    PusherOptions
	logger  logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	workers map[cluster.InstanceID]*pushWorker
	stopped bool

	lc Lifecycle
}

// NewPusher creates a pusher. slaves lists the currently live slaves.
func NewPusher(target PushTarget, slaves func() []cluster.InstanceID, opts PusherOptions) *Pusher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Selector == nil {
		opts.Selector = FixedPriority{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	return &Pusher{
		target:  target,
		slaves:  slaves,
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger).With(logging.Component("pusher")),
		metrics: opts.Metrics,
		workers: make(map[cluster.InstanceID]*pushWorker),
	}
}

// Start enables pushing.
func (p *Pusher) Start() {
	if p.lc.Begin() {
		p.mu.Lock()
		p.stopped = false
		p.mu.Unlock()
		p.logger.Info("pusher started",
			logging.Int("factor", p.opts.Factor),
			logging.Duration("timeout", p.opts.Timeout))
	}
}

// Push sends rec to min(factor, live slaves) slaves and waits for their
// answers up to the push budget. It never fails the commit; the result
// only reports what was acknowledged.
func (p *Pusher) Push(ctx context.Context, rec TransactionRecord) (PushResult, error) {
	return p.Enqueue(ctx, rec).Wait()
}

// PendingPush is one commit's pushes in flight.
type PendingPush struct {
	p       *Pusher
	rec     TransactionRecord
	err     error
	start   time.Time
	budget  context.Context
	cancel  context.CancelFunc
	chosen  int
	results chan pushOutcome
	waiting map[cluster.InstanceID]bool
	result  PushResult
}

// Enqueue hands rec to the chosen slaves' workers without waiting. Each
// worker delivers in enqueue order, so callers enqueue in commit order.
func (p *Pusher) Enqueue(ctx context.Context, rec TransactionRecord) *PendingPush {
	pp := &PendingPush{p: p, rec: rec}
	if !p.lc.Running() {
		pp.err = ErrPusherClosed
		return pp
	}
	if p.opts.Factor <= 0 {
		return pp
	}

	slaves := p.slaves()
	p.prune(slaves)
	chosen := p.opts.Selector.Select(slaves, p.opts.Factor)
	if len(chosen) == 0 {
		return pp
	}

	pp.chosen = len(chosen)
	pp.start = p.opts.Clock.Now()
	pp.budget, pp.cancel = context.WithTimeout(ctx, p.opts.Timeout)
	pp.results = make(chan pushOutcome, len(chosen))
	pp.waiting = make(map[cluster.InstanceID]bool, len(chosen))
	for _, id := range chosen {
		w := p.worker(id)
		if w == nil {
			pp.result.Failed = append(pp.result.Failed, id)
			continue
		}
		select {
		case w.queue <- pushJob{ctx: pp.budget, rec: rec, results: pp.results}:
			pp.waiting[id] = true
		default:
			p.logger.Warn("push abandoned", logging.Remote(int(id)), logging.TxID(uint64(rec.ID)), logging.Error(errPushQueueFull))
			pp.result.Failed = append(pp.result.Failed, id)
		}
	}
	return pp
}

// Wait collects the answers up to the push budget. Call it once.
func (pp *PendingPush) Wait() (PushResult, error) {
	if pp.err != nil || pp.chosen == 0 {
		return pp.result, pp.err
	}
	defer pp.cancel()
	p, result := pp.p, pp.result

	for len(pp.waiting) > 0 {
		select {
		case o := <-pp.results:
			delete(pp.waiting, o.remote)
			switch {
			case o.err == nil && o.applied:
				result.Acked = append(result.Acked, o.remote)
			case isTimeout(o.err):
				result.TimedOut = append(result.TimedOut, o.remote)
			default:
				result.Failed = append(result.Failed, o.remote)
			}
		case <-pp.budget.Done():
			for id := range pp.waiting {
				result.TimedOut = append(result.TimedOut, id)
			}
			pp.waiting = nil
		}
	}

	sortIDs(result.TimedOut)
	sortIDs(result.Failed)
	p.metrics.RecordPush(len(result.Acked), len(result.TimedOut), len(result.Failed), p.opts.Clock.Now().Sub(pp.start))
	if len(result.Acked) < pp.chosen {
		p.logger.Debug("push incomplete",
			logging.TxID(uint64(pp.rec.ID)),
			logging.Int("acked", len(result.Acked)),
			logging.Int("timed_out", len(result.TimedOut)),
			logging.Int("failed", len(result.Failed)))
	}
	return result, nil
}

func (p *Pusher) worker(id cluster.InstanceID) *pushWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.lc.Running() {
		return nil
	}
	if w, ok := p.workers[id]; ok {
		return w
	}
	w := &pushWorker{
		remote: id,
		queue:  make(chan pushJob, p.opts.QueueSize),
		stop:   make(chan struct{}),
	}
	p.workers[id] = w
	p.lc.Go(func(stop <-chan struct{}) { p.run(w, stop) })
	return w
}

// prune stops workers for instances that are no longer slaves.
func (p *Pusher) prune(slaves []cluster.InstanceID) {
	live := make(map[cluster.InstanceID]bool, len(slaves))
	for _, id := range slaves {
		live[id] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if !live[id] {
			close(w.stop)
			delete(p.workers, id)
		}
	}
}

func (p *Pusher) run(w *pushWorker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			p.drain(w)
			return
		case <-w.stop:
			p.drain(w)
			return
		case job := <-w.queue:
			job.results <- p.deliver(w.remote, job)
		}
	}
}

func (p *Pusher) deliver(remote cluster.InstanceID, job pushJob) pushOutcome {
	if err := job.ctx.Err(); err != nil {
		return pushOutcome{remote: remote, err: &TimeoutError{Op: "push", Remote: remote, Err: err}}
	}
	resp, err := p.target.Push(job.ctx, remote, p.opts.Self, job.rec)
	if err != nil {
		p.logger.Debug("push failed", logging.Remote(int(remote)), logging.TxID(uint64(job.rec.ID)), logging.Error(err))
		return pushOutcome{remote: remote, err: err}
	}
	if !resp.Applied {
		return pushOutcome{remote: remote, err: fmt.Errorf("slave %d at tx %d did not apply tx %d", remote, resp.Highest, job.rec.ID)}
	}
	return pushOutcome{remote: remote, applied: true}
}

// drain answers every queued job so no commit waits on a stopped worker.
func (p *Pusher) drain(w *pushWorker) {
	for {
		select {
		case job := <-w.queue:
			job.results <- pushOutcome{remote: w.remote, err: ErrPusherClosed}
		default:
			return
		}
	}
}

// Stop ends every worker. Pending pushes are answered as failed.
func (p *Pusher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.workers = make(map[cluster.InstanceID]*pushWorker)
	p.mu.Unlock()
	p.lc.End()
}

func sortIDs(ids []cluster.InstanceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
