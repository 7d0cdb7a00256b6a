package replication

import (
	"sync"
	"sync/atomic"
)

// Lifecycle tracks whether a background component is running and owns the
// goroutines it started. It can be embedded in components with a Start and
// Stop pair.
type Lifecycle struct {
	running atomic.Bool
	mu      sync.Mutex // serializes Start and Stop
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Running reports whether Start succeeded and Stop has not been called.
func (l *Lifecycle) Running() bool {
	return l.running.Load()
}

// Begin marks the component running. It returns false if it already is.
func (l *Lifecycle) Begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return false
	}
	l.stopCh = make(chan struct{})
	l.running.Store(true)
	return true
}

// Done returns a channel closed by End. It is nil before Begin.
func (l *Lifecycle) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopCh
}

// Go runs fn on a tracked goroutine. fn must return once stop is closed.
func (l *Lifecycle) Go(fn func(stop <-chan struct{})) {
	stop := l.Done()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(stop)
	}()
}

// End signals every goroutine started with Go and waits for them. It
// returns false if the component was not running.
func (l *Lifecycle) End() bool {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		return false
	}
	l.running.Store(false)
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	return true
}
