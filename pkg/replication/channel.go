package replication

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// Channel is one pooled connection to a remote instance. It is owned by
// the Pool and used by a single lessee at a time.
type Channel struct {
	Remote cluster.InstanceID

	conn         net.Conn
	codec        *codec
	gen          uint64
	lastActivity time.Time
	broken       error
}

func newChannel(remote cluster.InstanceID, conn net.Conn, chunkSize int, gen uint64) *Channel {
	return &Channel{
		Remote: remote,
		conn:   conn,
		codec:  newCodec(conn, chunkSize),
		gen:    gen,
	}
}

// Broken reports the I/O error that made the channel unusable, if any.
func (ch *Channel) Broken() error { return ch.broken }

// Call writes req and waits for the reply. The exchange is bounded by
// timeout and by ctx, whichever ends first.
func (ch *Channel) Call(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	if ch.broken != nil {
		return nil, &ChannelBrokenError{Remote: ch.Remote, Err: ch.broken}
	}
	ch.setDeadline(ctx, timeout)
	stop := context.AfterFunc(ctx, func() { ch.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := ch.codec.WriteMessage(req); err != nil {
		return nil, ch.fail(ctx, "write "+req.Type.String(), err)
	}
	resp, err := ch.codec.ReadMessage()
	if err != nil {
		return nil, ch.fail(ctx, "read "+req.Type.String(), err)
	}
	return resp, nil
}

// Stream performs a Call whose reply is followed by a chunk stream, and
// copies that stream into w. Each chunk gets a fresh timeout.
func (ch *Channel) Stream(ctx context.Context, req *Message, timeout time.Duration, w io.Writer) (*Message, int64, error) {
	resp, err := ch.Call(ctx, req, timeout)
	if err != nil {
		return nil, 0, err
	}
	if resp.Type == MsgError {
		return resp, 0, nil
	}

	stop := context.AfterFunc(ctx, func() { ch.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	r := ch.codec.StreamReader(func() { ch.setDeadline(ctx, timeout) })
	dst := &trackingWriter{w: w}
	n, err := io.Copy(dst, r)
	if err != nil {
		if dst.err == nil {
			return resp, n, ch.fail(ctx, "stream "+req.Type.String(), err)
		}
		// The local writer failed with the rest of the stream still on
		// the wire, so the channel cannot be reused.
		ch.broken = err
		return resp, n, fmt.Errorf("copy %s stream: %w", req.Type, err)
	}
	return resp, n, nil
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func (ch *Channel) setDeadline(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ch.conn.SetDeadline(deadline)
}

func (ch *Channel) fail(ctx context.Context, op string, err error) error {
	ch.broken = err
	if ctxErr := ctx.Err(); ctxErr == context.Canceled {
		return fmt.Errorf("%s to instance %d: %w", op, ch.Remote, ctxErr)
	}
	if isTimeout(err) {
		return &TimeoutError{Op: op, Remote: ch.Remote, Err: err}
	}
	return &ChannelBrokenError{Remote: ch.Remote, Err: err}
}

func (ch *Channel) close() error {
	return ch.conn.Close()
}
