package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// GossipOptions configures gossip membership.
type GossipOptions struct {
	// Bind is the gossip address in host:port form (ha.cluster_server).
	Bind string
	// Advertise overrides the address peers use to reach this node.
	Advertise string
	// Join lists seed addresses (ha.initial_hosts).
	Join []string
	// ProbeInterval and ProbeTimeout tune failure detection. Zero keeps
	// memberlist's LAN defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Logger        logging.Logger
}

// nodeMeta is what each node gossips about itself.
type nodeMeta struct {
	ID        InstanceID `json:"id"`
	Addr      string     `json:"addr"`
	Role      Role       `json:"role"`
	LastTxID  uint64     `json:"last_tx_id"`
	SlaveOnly bool       `json:"slave_only"`
}

// Gossip is a Membership backed by hashicorp/memberlist.
type Gossip struct {
	opts   GossipOptions
	logger logging.Logger

	local atomic.Pointer[nodeMeta]
	view  *View

	mu   sync.Mutex
	list *memberlist.Memberlist
}

// NewGossip creates gossip membership for the local member.
func NewGossip(local Member, opts GossipOptions) *Gossip {
	g := &Gossip{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.Component("gossip")),
	}
	g.local.Store(metaFor(local))
	return g
}

func metaFor(m Member) *nodeMeta {
	return &nodeMeta{ID: m.ID, Addr: m.Addr, Role: m.Role, LastTxID: m.LastTxID, SlaveOnly: m.SlaveOnly}
}

// Start creates the memberlist and joins the seeds. Unreachable seeds are
// logged; the first member of a cluster has nobody to join. Gossip runs
// until Stop.
func (g *Gossip) Start(_ context.Context, view *View) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.list != nil {
		return ErrGossipStarted
	}
	g.view = view

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = strconv.Itoa(int(g.local.Load().ID))

	host, port, err := splitHostPort(g.opts.Bind)
	if err != nil {
		return err
	}
	cfg.BindAddr = host
	cfg.BindPort = port
	cfg.AdvertisePort = port
	if g.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(g.opts.Advertise)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}
	if g.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = g.opts.ProbeInterval
	}
	if g.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = g.opts.ProbeTimeout
	}
	cfg.Events = &gossipEvents{g: g}
	cfg.Delegate = &gossipDelegate{g: g}
	cfg.LogOutput = nil
	cfg.Logger = log.New(&logWriter{logger: g.logger}, "", 0)

	list, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("failed to start gossip on %s: %w", g.opts.Bind, err)
	}
	g.list = list

	if len(g.opts.Join) > 0 {
		n, err := list.Join(g.opts.Join)
		if err != nil {
			g.logger.Warn("could not reach all initial hosts",
				logging.Int("joined", n),
				logging.Error(err))
		} else {
			g.logger.Info("joined cluster", logging.Int("contacted", n))
		}
	}

	return nil
}

// UpdateLocal re-advertises the local member's metadata.
func (g *Gossip) UpdateLocal(m Member) error {
	g.local.Store(metaFor(m))

	g.mu.Lock()
	list := g.list
	g.mu.Unlock()
	if list == nil {
		return nil
	}
	return list.UpdateNode(time.Second)
}

// Stop leaves the cluster and shuts memberlist down.
func (g *Gossip) Stop() error {
	g.mu.Lock()
	list := g.list
	g.list = nil
	g.mu.Unlock()
	if list == nil {
		return nil
	}
	if err := list.Leave(time.Second); err != nil {
		g.logger.Debug("gossip leave failed", logging.Error(err))
	}
	return list.Shutdown()
}

// NumMembers reports how many nodes memberlist currently sees.
func (g *Gossip) NumMembers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.list == nil {
		return 0
	}
	return g.list.NumMembers()
}

func (g *Gossip) memberFromNode(n *memberlist.Node) (Member, bool) {
	if n == nil || len(n.Meta) == 0 {
		return Member{}, false
	}
	var meta nodeMeta
	if err := json.Unmarshal(n.Meta, &meta); err != nil {
		g.logger.Warn("ignoring node with bad metadata", logging.String("node", n.Name), logging.Error(err))
		return Member{}, false
	}
	return Member{
		ID:         meta.ID,
		Addr:       meta.Addr,
		GossipAddr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
		Role:       meta.Role,
		LastTxID:   meta.LastTxID,
		SlaveOnly:  meta.SlaveOnly,
	}, true
}

// gossipEvents feeds memberlist events into the view.
type gossipEvents struct {
	g *Gossip
}

func (e *gossipEvents) NotifyJoin(n *memberlist.Node) {
	if m, ok := e.g.memberFromNode(n); ok && e.g.view != nil {
		e.g.view.Upsert(m)
	}
}

func (e *gossipEvents) NotifyUpdate(n *memberlist.Node) {
	e.NotifyJoin(n)
}

// NotifyLeave covers both graceful leave and detected failure; either way
// the member stays in the view as not alive.
func (e *gossipEvents) NotifyLeave(n *memberlist.Node) {
	if m, ok := e.g.memberFromNode(n); ok && e.g.view != nil {
		e.g.view.MarkFailed(m.ID)
	}
}

// gossipDelegate publishes the local metadata.
type gossipDelegate struct {
	g *Gossip
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	b, err := json.Marshal(d.g.local.Load())
	if err != nil || len(b) > limit {
		d.g.logger.Error("cannot publish node metadata", logging.Int("limit", limit), logging.Error(ErrMetaTooLarge))
		return nil
	}
	return b
}

func (d *gossipDelegate) NotifyMsg([]byte)                       {}
func (d *gossipDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *gossipDelegate) LocalState(bool) []byte                 { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

// logWriter routes memberlist's standard logger into the structured one.
type logWriter struct {
	logger logging.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimSpace(p))
	switch {
	case bytes.Contains(p, []byte("[ERR]")):
		w.logger.Error(msg)
	case bytes.Contains(p, []byte("[WARN]")):
		w.logger.Warn(msg)
	default:
		w.logger.Debug(msg)
	}
	return len(p), nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid gossip address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid gossip port in %q", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
