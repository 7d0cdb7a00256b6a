package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Network abstracts how HA channels are dialed and served so tests can run
// a whole cluster in memory.
type Network interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// TCPNetwork is the production Network.
type TCPNetwork struct {
	// KeepAlive is applied to dialed connections; zero uses the net default.
	KeepAlive time.Duration
}

// DialContext dials addr over TCP.
func (t TCPNetwork) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, network, addr)
}

// Listen binds addr over TCP.
func (t TCPNetwork) Listen(network, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), network, addr)
}

var errMemRefused = errors.New("connection refused")

// MemNetwork is an in-process Network built on net.Pipe. A dial to an
// address nobody listens on fails immediately.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	blocked   map[string]bool
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*memListener),
		blocked:   make(map[string]bool),
	}
}

// Listen registers addr. Binding a taken address fails like TCP would.
func (n *MemNetwork) Listen(network, addr string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, &net.OpError{Op: "listen", Net: network, Addr: memAddr(addr), Err: errors.New("address already in use")}
	}
	l := &memListener{
		net:    n,
		addr:   memAddr(addr),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// DialContext connects to a listener registered at addr.
func (n *MemNetwork) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	blocked := n.blocked[addr]
	n.mu.Unlock()
	if !ok || blocked {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: memAddr(addr), Err: errMemRefused}
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, &net.OpError{Op: "dial", Net: network, Addr: memAddr(addr), Err: errMemRefused}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
	}
}

// Partition makes dials to addr fail until Heal is called. Existing
// connections are left alone.
func (n *MemNetwork) Partition(addr string) {
	n.mu.Lock()
	n.blocked[addr] = true
	n.mu.Unlock()
}

// Heal undoes Partition.
func (n *MemNetwork) Heal(addr string) {
	n.mu.Lock()
	delete(n.blocked, addr)
	n.mu.Unlock()
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memListener struct {
	net    *MemNetwork
	addr   memAddr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		if l.net.listeners[string(l.addr)] == l {
			delete(l.net.listeners, string(l.addr))
		}
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return l.addr }
