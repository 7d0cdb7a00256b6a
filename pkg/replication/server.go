package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Response is what a handler sends back. Stream, when set, is written as a
// chunk stream after Msg and closed afterwards.
type Response struct {
	Msg    *Message
	Stream io.ReadCloser
}

// Reply builds a plain response.
func Reply(t MessageType, v any) (*Response, error) {
	msg, err := NewMessage(t, v)
	if err != nil {
		return nil, err
	}
	return &Response{Msg: msg}, nil
}

// HandlerFunc serves one request type. from is the instance that opened the
// channel.
type HandlerFunc func(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error)

// DecodeRequest decodes a request body and marks failures as bad requests.
func DecodeRequest(msg *Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Self cluster.InstanceID
	// Addresses are tried in order; the first that binds is used.
	Addresses   []string
	ReadTimeout time.Duration
	// IdleTimeout closes inbound channels with no request for this long.
	IdleTimeout time.Duration
	ChunkSize   int

	Network Network
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Server accepts HA channels and dispatches requests to handlers.
type Server struct {
	opts    ServerOptions
	logger  logging.Logger
	metrics *metrics.Registry

	handlersMu sync.RWMutex
	handlers   map[MessageType]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	lc     Lifecycle
}

// NewServer creates a server; call Handle for each message type, then
// Listen.
func NewServer(opts ServerOptions) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 20 * time.Second
	}
	if opts.Network == nil {
		opts.Network = TCPNetwork{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger).With(logging.Component("ha-server")),
		metrics:  opts.Metrics,
		handlers: make(map[MessageType]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers h for requests of type t, replacing any previous one.
func (s *Server) Handle(t MessageType, h HandlerFunc) {
	s.handlersMu.Lock()
	s.handlers[t] = h
	s.handlersMu.Unlock()
}

func (s *Server) handler(t MessageType) (HandlerFunc, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[t]
	return h, ok
}

// Listen binds the first free address and starts accepting. It returns the
// bound address.
func (s *Server) Listen() (string, error) {
	if !s.lc.Begin() {
		return s.Addr(), nil
	}

	var lastErr error
	for _, addr := range s.opts.Addresses {
		l, err := s.opts.Network.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			s.logger.Debug("address unavailable", logging.Addr(addr), logging.Error(err))
			continue
		}
		s.mu.Lock()
		s.listener = l
		s.mu.Unlock()

		s.lc.Go(func(stop <-chan struct{}) { s.acceptLoop(l, stop) })
		s.logger.Info("ha server listening", logging.Addr(l.Addr().String()))
		return l.Addr().String(), nil
	}

	s.lc.End()
	return "", fmt.Errorf("%w %s: %v", ErrNoFreePort, strings.Join(s.opts.Addresses, ","), lastErr)
}

// Addr is the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(l net.Listener, stop <-chan struct{}) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.lc.Go(func(<-chan struct{}) {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serveConn(conn)
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	c := newCodec(conn, s.opts.ChunkSize)
	defer func() {
		s.metrics.RecordBytes("in", int(c.bytesIn))
		s.metrics.RecordBytes("out", int(c.bytesOut))
	}()

	conn.SetDeadline(time.Now().Add(s.opts.ReadTimeout))
	from, err := s.handshake(c)
	if err != nil {
		s.logger.Warn("handshake failed", logging.String("peer", conn.RemoteAddr().String()), logging.Error(err))
		return
	}
	log := s.logger.With(logging.Remote(int(from)))
	log.Debug("channel accepted")

	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		msg, err := c.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case isTimeout(err):
				log.Debug("idle channel closed")
			default:
				log.Warn("read failed", logging.Error(err))
			}
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
		resp := s.dispatch(from, msg)
		if err := c.WriteMessage(resp.Msg); err != nil {
			log.Warn("write failed", logging.String("type", msg.Type.String()), logging.Error(err))
			closeStream(resp)
			return
		}
		if resp.Stream != nil {
			n, err := c.WriteStream(resp.Stream, func() {
				conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
			})
			resp.Stream.Close()
			if err != nil {
				log.Warn("stream failed", logging.String("type", msg.Type.String()), logging.Int64("sent", n), logging.Error(err))
				return
			}
		}
	}
}

func (s *Server) handshake(c *codec) (cluster.InstanceID, error) {
	msg, err := c.ReadMessage()
	if err != nil {
		return cluster.NoInstance, err
	}
	var req HandshakeRequest
	if err := msg.Expect(MsgHandshake, &req); err != nil {
		return cluster.NoInstance, err
	}

	resp := HandshakeResponse{Server: s.opts.Self, Version: ProtocolVersion, Accepted: true}
	switch {
	case majorVersion(req.Version) != majorVersion(ProtocolVersion):
		resp.Accepted = false
		resp.ErrorMessage = fmt.Sprintf("protocol version %s not supported", req.Version)
	case req.Target != s.opts.Self:
		resp.Accepted = false
		resp.ErrorMessage = fmt.Sprintf("this is instance %d, not %d", s.opts.Self, req.Target)
	}

	reply, err := NewMessage(MsgHandshake, resp)
	if err != nil {
		return cluster.NoInstance, err
	}
	if err := c.WriteMessage(reply); err != nil {
		return cluster.NoInstance, err
	}
	if !resp.Accepted {
		return cluster.NoInstance, errors.New(resp.ErrorMessage)
	}
	return req.From, nil
}

func (s *Server) dispatch(from cluster.InstanceID, msg *Message) *Response {
	h, ok := s.handler(msg.Type)
	if !ok {
		return errorResponse(fmt.Errorf("%w: no handler for %s", ErrBadRequest, msg.Type))
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ReadTimeout)
	defer cancel()
	resp, err := h(ctx, from, msg)
	if err != nil {
		if code := errorCode(err); code == CodeInternal {
			s.logger.Warn("request failed",
				logging.Remote(int(from)),
				logging.String("type", msg.Type.String()),
				logging.Error(err))
		}
		return errorResponse(err)
	}
	if resp == nil || resp.Msg == nil {
		resp, _ = Reply(msg.Type, nil)
	}
	return resp
}

func errorResponse(err error) *Response {
	msg, _ := NewMessage(MsgError, ErrorMessage{Code: errorCode(err), Message: err.Error()})
	return &Response{Msg: msg}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrTxNotAvailable):
		return CodeNotAvailable
	case errors.Is(err, ErrOutOfOrder):
		return CodeOutOfOrder
	case errors.Is(err, ErrNotMaster):
		return CodeNotMaster
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}

func closeStream(resp *Response) {
	if resp.Stream != nil {
		resp.Stream.Close()
	}
}

func majorVersion(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

// Close stops accepting, closes every inbound channel and waits for the
// connection goroutines.
func (s *Server) Close() error {
	if !s.lc.Running() {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.lc.End()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
