package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Transition describes one role change handed to a Switcher.
type Transition struct {
	From   Role
	To     Role
	Master InstanceID
	Reason string
	// Lifetime is cancelled when the role is superseded. Background work
	// started by a hook must stop when it is done.
	Lifetime context.Context
}

// Switcher performs the work of entering a role. Each hook runs with a
// context bounded by the state switch timeout.
type Switcher interface {
	ToMaster(ctx context.Context, t Transition) error
	ToSlave(ctx context.Context, t Transition) error
	ToPending(ctx context.Context, t Transition) error
	ToDetached(ctx context.Context, t Transition) error
}

// RoleChange is published after a role is entered.
type RoleChange struct {
	From   Role
	To     Role
	Master InstanceID
	At     time.Time
}

// StateMachineOptions configures a StateMachine.
type StateMachineOptions struct {
	SwitchTimeout time.Duration
	QueueSize     int
	Clock         clock.Clock
	Logger        logging.Logger
	Metrics       *metrics.Registry
}

type request struct {
	to     Role
	master InstanceID
	reason string
	done   chan error
}

// StateMachine holds the local role. Role reads are lock free; every
// transition runs on a single executor goroutine in request order.
type StateMachine struct {
	role   atomic.Int32
	master atomic.Int64

	switcher Switcher
	timeout  time.Duration
	queue    chan request
	clock    clock.Clock
	logger   logging.Logger
	metrics  *metrics.Registry

	cancel context.CancelFunc

	listenersMu sync.Mutex
	listeners   []chan RoleChange

	queuedMu   sync.Mutex
	queued     int
	lastQueued request

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewStateMachine creates a state machine in the Pending role.
func NewStateMachine(sw Switcher, opts StateMachineOptions) *StateMachine {
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = 20 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	sm := &StateMachine{
		switcher: sw,
		timeout:  opts.SwitchTimeout,
		queue:    make(chan request, opts.QueueSize),
		clock:    opts.Clock,
		logger:   logging.OrDefault(opts.Logger).With(logging.Component("statemachine")),
		metrics:  opts.Metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	sm.role.Store(int32(RolePending))
	sm.master.Store(int64(NoInstance))
	_, sm.cancel = context.WithCancel(context.Background())
	sm.metrics.SetRole(RolePending.String())
	return sm
}

// Start launches the executor.
func (sm *StateMachine) Start() {
	if sm.started.CompareAndSwap(false, true) {
		go sm.run()
	}
}

// Role returns the current role.
func (sm *StateMachine) Role() Role {
	return Role(sm.role.Load())
}

// Master returns the master the local instance follows or is, or
// NoInstance.
func (sm *StateMachine) Master() InstanceID {
	return InstanceID(sm.master.Load())
}

// Subscribe returns a channel of role changes. Slow listeners miss changes
// rather than stall the executor.
func (sm *StateMachine) Subscribe(buffer int) <-chan RoleChange {
	ch := make(chan RoleChange, buffer)
	sm.listenersMu.Lock()
	sm.listeners = append(sm.listeners, ch)
	sm.listenersMu.Unlock()
	return ch
}

// Request queues a transition without waiting for it.
func (sm *StateMachine) Request(to Role, master InstanceID, reason string) error {
	if sm.Role() == RoleDetached {
		return ErrDetached
	}
	req := request{to: to, master: master, reason: reason, done: make(chan error, 1)}

	sm.queuedMu.Lock()
	defer sm.queuedMu.Unlock()
	if sm.queued > 0 && sm.lastQueued.to == to && sm.lastQueued.master == master {
		return nil
	}
	select {
	case sm.queue <- req:
		sm.queued++
		sm.lastQueued = req
		return nil
	case <-sm.stopCh:
		return ErrStateMachineDown
	default:
		// A full queue means the executor is behind; the pending requests
		// will be re-evaluated by the election loop.
		sm.logger.Warn("transition queue full, dropping request",
			logging.Role(to.String()), logging.Reason(reason))
		return nil
	}
}

// Transition queues a transition and waits for its outcome.
func (sm *StateMachine) Transition(ctx context.Context, to Role, master InstanceID, reason string) error {
	if sm.Role() == RoleDetached {
		if to == RoleDetached {
			return nil
		}
		return ErrDetached
	}
	req := request{to: to, master: master, reason: reason, done: make(chan error, 1)}
	sm.queuedMu.Lock()
	sm.queued++
	sm.lastQueued = req
	sm.queuedMu.Unlock()
	select {
	case sm.queue <- req:
	case <-ctx.Done():
		sm.unqueue()
		return ctx.Err()
	case <-sm.stopCh:
		sm.unqueue()
		return ErrStateMachineDown
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.doneCh:
		return ErrStateMachineDown
	}
}

// Stop ends the executor. It does not run any hooks; use
// Transition(RoleDetached) first for an orderly shutdown.
func (sm *StateMachine) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopCh)
		if !sm.started.Load() {
			close(sm.doneCh)
		}
	})
	<-sm.doneCh
	sm.cancel()
}

func (sm *StateMachine) run() {
	defer close(sm.doneCh)
	for {
		select {
		case <-sm.stopCh:
			return
		case req := <-sm.queue:
			sm.unqueue()
			req.done <- sm.apply(req)
		}
	}
}

func (sm *StateMachine) unqueue() {
	sm.queuedMu.Lock()
	if sm.queued > 0 {
		sm.queued--
	}
	sm.queuedMu.Unlock()
}

// apply runs one transition on the executor goroutine.
func (sm *StateMachine) apply(req request) error {
	from := sm.Role()
	if from == RoleDetached {
		return ErrDetached
	}
	if req.to == RolePending || req.to == RoleDetached {
		req.master = NoInstance
	}
	if req.to == from && req.master == sm.Master() {
		return nil
	}

	// Superseding the current role stops its background work first.
	sm.cancel()
	lifetime, cancel := context.WithCancel(context.Background())

	t := Transition{From: from, To: req.to, Master: req.master, Reason: req.reason, Lifetime: lifetime}
	sm.logger.Info("switching role",
		logging.Transition(from.String(), req.to.String()),
		logging.String("master", req.master.String()),
		logging.Reason(req.reason))

	start := sm.clock.Now()
	err := sm.runHook(t)
	if err != nil && req.to != RoleDetached {
		sm.logger.Error("role switch failed, reverting to pending",
			logging.Role(req.to.String()),
			logging.Duration("elapsed", sm.clock.Now().Sub(start)),
			logging.Error(err))
		cancel()
		lifetime, cancel = context.WithCancel(context.Background())
		revert := Transition{From: from, To: RolePending, Master: NoInstance, Reason: "switch failed", Lifetime: lifetime}
		if perr := sm.runHook(revert); perr != nil {
			sm.logger.Error("pending hook failed", logging.Error(perr))
		}
		sm.publish(from, RolePending, NoInstance, cancel)
		return fmt.Errorf("%w: to %s: %w", ErrSwitchFailed, req.to, err)
	}
	if err != nil {
		sm.logger.Error("detach hook failed", logging.Error(err))
	}

	sm.publish(from, req.to, req.master, cancel)
	return err
}

func (sm *StateMachine) runHook(t Transition) error {
	ctx, cancel := context.WithTimeout(t.Lifetime, sm.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		switch t.To {
		case RoleMaster:
			err = sm.switcher.ToMaster(ctx, t)
		case RoleSlave:
			err = sm.switcher.ToSlave(ctx, t)
		case RolePending:
			err = sm.switcher.ToPending(ctx, t)
		case RoleDetached:
			err = sm.switcher.ToDetached(ctx, t)
		default:
			err = fmt.Errorf("%w: %d", ErrInvalidRole, t.To)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v: %v", ErrSwitchTimeout, sm.timeout, err)
		}
		return err
	case <-ctx.Done():
		// The next hook must not overlap this one, so an overrunning hook
		// is waited out with its context already cancelled.
		sm.logger.Warn("role hook overran its deadline",
			logging.Role(t.To.String()),
			logging.Duration("timeout", sm.timeout))
		err := <-done
		return fmt.Errorf("%w after %v: %v", ErrSwitchTimeout, sm.timeout, err)
	}
}

func (sm *StateMachine) publish(from, to Role, master InstanceID, cancel context.CancelFunc) {
	sm.cancel = cancel
	sm.master.Store(int64(master))
	sm.role.Store(int32(to))
	sm.metrics.SetRole(to.String())

	change := RoleChange{From: from, To: to, Master: master, At: sm.clock.Now()}
	sm.listenersMu.Lock()
	defer sm.listenersMu.Unlock()
	for _, ch := range sm.listeners {
		select {
		case ch <- change:
		default:
		}
	}
}
