// Package server runs the operator HTTP endpoint of an HA instance: health
// probes, Prometheus metrics and a JSON status document.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// ConfigReloadFunc is called on SIGHUP.
type ConfigReloadFunc func() error

// GracefulServer wraps an HTTP server with signal driven shutdown.
type GracefulServer struct {
	server *http.Server
	logger logging.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}

	configReloadFn ConfigReloadFunc
	configMu       sync.RWMutex
}

// NewGracefulServer creates a server for handler on addr. A nil logger
// uses the package default.
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:     logging.OrDefault(logger).With(logging.Component("http")),
		shutdownCh: make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (gs *GracefulServer) Start() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.listenerMu.Lock()
	gs.listener = ln
	gs.listenerMu.Unlock()
	close(gs.ready)

	gs.logger.Info("http server listening", logging.Addr(ln.Addr().String()))
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready closes once the listener is bound.
func (gs *GracefulServer) Ready() <-chan struct{} {
	return gs.ready
}

// Addr returns the bound address, or the configured one before Start.
func (gs *GracefulServer) Addr() string {
	gs.listenerMu.Lock()
	defer gs.listenerMu.Unlock()
	if gs.listener == nil {
		return gs.server.Addr
	}
	return gs.listener.Addr().String()
}

// Shutdown drains in-flight requests for at most timeout. Only the first
// call does any work; later calls return its result.
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		gs.logger.Info("http server shutting down", logging.Duration("timeout", timeout))
		if err := gs.server.Shutdown(ctx); err != nil {
			gs.shutdownErr = err
			gs.logger.Error("http server shutdown", logging.Error(err))
			return
		}
		gs.logger.Info("http server stopped")
	})
	return gs.shutdownErr
}

// WatchSignals handles SIGINT and SIGTERM by shutting down with timeout,
// and SIGHUP by calling the reload function. It returns when ctx is done
// or shutdown has begun.
func (gs *GracefulServer) WatchSignals(ctx context.Context, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-gs.shutdownCh:
			return
		case sig := <-sigCh:
			gs.handleSignal(sig, timeout)
		}
	}
}

func (gs *GracefulServer) handleSignal(sig os.Signal, timeout time.Duration) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		gs.logger.Info("received signal, shutting down", logging.String("signal", sig.String()))
		gs.Shutdown(timeout)
	case syscall.SIGHUP:
		gs.logger.Info("received SIGHUP, reloading configuration")
		gs.ReloadConfig()
	}
}

// IsShuttingDown reports whether shutdown has begun.
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel closes when shutdown begins.
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the SIGHUP callback.
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.configMu.Lock()
	defer gs.configMu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig runs the reload callback, if any.
func (gs *GracefulServer) ReloadConfig() error {
	gs.configMu.RLock()
	reloadFn := gs.configReloadFn
	gs.configMu.RUnlock()

	if reloadFn == nil {
		gs.logger.Warn("configuration reload requested but no reload function is set")
		return nil
	}

	if err := reloadFn(); err != nil {
		gs.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}
	gs.logger.Info("configuration reloaded")
	return nil
}
