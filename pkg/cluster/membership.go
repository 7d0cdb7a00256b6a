package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// Membership feeds member discovery and liveness into a View.
type Membership interface {
	// Start begins populating view. It must not block past startup.
	Start(ctx context.Context, view *View) error
	// UpdateLocal advertises a change of the local member's metadata.
	UpdateLocal(m Member) error
	Stop() error
}

// Prober checks that a member answers on its HA address.
type Prober interface {
	Ping(ctx context.Context, id InstanceID) error
}

// StaticMembership is a fixed member list. Liveness comes from probing
// every member each interval.
type StaticMembership struct {
	members  []Member
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStaticMembership creates a membership over a fixed list. prober may
// be set later with SetProber, before Start.
func NewStaticMembership(members []Member, interval time.Duration, logger logging.Logger) *StaticMembership {
	if interval <= 0 {
		interval = time.Second
	}
	return &StaticMembership{
		members:  members,
		interval: interval,
		timeout:  interval,
		logger:   logging.OrDefault(logger).With(logging.Component("static-membership")),
	}
}

// SetProber sets the liveness probe.
func (s *StaticMembership) SetProber(p Prober) {
	s.mu.Lock()
	s.prober = p
	s.mu.Unlock()
}

// Start seeds the view and probes in the background until Stop.
func (s *StaticMembership) Start(_ context.Context, view *View) error {
	self := view.Snapshot().Self
	for _, m := range s.members {
		if m.ID == self {
			continue
		}
		view.Upsert(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	prober := s.prober
	s.mu.Unlock()
	if prober == nil {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probeAll(ctx, view, prober, self)
			}
		}
	}()
	return nil
}

func (s *StaticMembership) probeAll(ctx context.Context, view *View, prober Prober, self InstanceID) {
	var wg sync.WaitGroup
	for _, m := range s.members {
		if m.ID == self {
			continue
		}
		wg.Add(1)
		go func(id InstanceID) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := prober.Ping(pctx, id); err != nil {
				s.logger.Debug("probe failed", logging.Remote(int(id)), logging.Error(err))
				return
			}
			view.Touch(id)
		}(m.ID)
	}
	wg.Wait()
}

// Size is the number of configured members, including self.
func (s *StaticMembership) Size() int { return len(s.members) }

// UpdateLocal is a no-op; static members learn roles from announcements.
func (s *StaticMembership) UpdateLocal(Member) error { return nil }

// Stop ends probing.
func (s *StaticMembership) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
