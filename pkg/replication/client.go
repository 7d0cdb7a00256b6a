package replication

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Client issues HA requests over a Pool. It implements cluster.Transport
// for elections and cluster.Prober for static membership.
type Client struct {
	pool    *Pool
	metrics *metrics.Registry
}

// NewClient creates a client on top of pool.
func NewClient(pool *Pool) *Client {
	return &Client{pool: pool, metrics: pool.metrics}
}

var (
	_ cluster.Transport = (*Client)(nil)
	_ cluster.Prober    = (*Client)(nil)
)

func (c *Client) call(ctx context.Context, remote cluster.InstanceID, t MessageType, req, resp any, timeout time.Duration) error {
	msg, err := NewMessage(t, req)
	if err != nil {
		return err
	}
	return c.pool.Do(ctx, remote, func(ch *Channel) error {
		reply, err := ch.Call(ctx, msg, timeout)
		if err != nil {
			return err
		}
		return reply.Expect(t, resp)
	})
}

// HighestTx asks remote for its retained transaction range.
func (c *Client) HighestTx(ctx context.Context, remote cluster.InstanceID) (HighestTxResponse, error) {
	var resp HighestTxResponse
	err := c.call(ctx, remote, MsgHighestTx, nil, &resp, c.pool.ReadTimeout())
	return resp, err
}

// TxRange fetches records from..to inclusive.
func (c *Client) TxRange(ctx context.Context, remote cluster.InstanceID, from, to TxID) ([]TransactionRecord, error) {
	var resp TxRangeResponse
	err := c.call(ctx, remote, MsgTxRange, TxRangeRequest{From: from, To: to}, &resp, c.pool.ReadTimeout())
	return resp.Records, err
}

// Checksum asks for the checksum of one transaction.
func (c *Client) Checksum(ctx context.Context, remote cluster.InstanceID, id TxID) (ChecksumResponse, error) {
	var resp ChecksumResponse
	err := c.call(ctx, remote, MsgChecksum, ChecksumRequest{TxID: id}, &resp, c.pool.ReadTimeout())
	return resp, err
}

// Snapshot streams a full store copy from remote into w.
func (c *Client) Snapshot(ctx context.Context, remote cluster.InstanceID, w io.Writer) (Snapshot, error) {
	msg, err := NewMessage(MsgSnapshot, nil)
	if err != nil {
		return Snapshot{}, err
	}
	var resp SnapshotResponse
	err = c.pool.Do(ctx, remote, func(ch *Channel) error {
		reply, n, err := ch.Stream(ctx, msg, c.pool.ReadTimeout(), w)
		c.metrics.RecordBytes("in", int(n))
		if err != nil {
			return err
		}
		if err := reply.Expect(MsgSnapshot, &resp); err != nil {
			return err
		}
		if n != resp.Snapshot.Size {
			return fmt.Errorf("snapshot %s: received %d of %d bytes", resp.Snapshot.ID, n, resp.Snapshot.Size)
		}
		return nil
	})
	return resp.Snapshot, err
}

// Push sends a freshly committed record to a slave.
func (c *Client) Push(ctx context.Context, remote cluster.InstanceID, master cluster.InstanceID, rec TransactionRecord) (PushResponse, error) {
	var resp PushResponse
	err := c.call(ctx, remote, MsgPush, PushRequest{Master: master, Record: rec}, &resp, c.pool.ReadTimeout())
	return resp, err
}

// Info pings remote and returns its self description.
func (c *Client) Info(ctx context.Context, remote cluster.InstanceID) (PingResponse, error) {
	var resp PingResponse
	err := c.call(ctx, remote, MsgPing, nil, &resp, c.pool.ReadTimeout())
	return resp, err
}

// Ping implements cluster.Prober.
func (c *Client) Ping(ctx context.Context, id cluster.InstanceID) error {
	_, err := c.Info(ctx, id)
	return err
}

// RequestVote implements cluster.Transport. Votes are lock-class
// requests and use the lock read timeout.
func (c *Client) RequestVote(ctx context.Context, to cluster.InstanceID, req cluster.VoteRequest) (cluster.VoteResponse, error) {
	var resp cluster.VoteResponse
	err := c.call(ctx, to, MsgVote, req, &resp, c.pool.LockReadTimeout())
	return resp, err
}

// Announce implements cluster.Transport.
func (c *Client) Announce(ctx context.Context, to cluster.InstanceID, a cluster.Announcement) (cluster.AnnounceAck, error) {
	var ack cluster.AnnounceAck
	err := c.call(ctx, to, MsgAnnounce, a, &ack, c.pool.ReadTimeout())
	return ack, err
}
