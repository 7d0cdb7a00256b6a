package replication

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

func startTestServer(t *testing.T, network Network, self cluster.InstanceID, addrs ...string) *Server {
	t.Helper()
	srv := NewServer(ServerOptions{
		Self:        self,
		Addresses:   addrs,
		ReadTimeout: 2 * time.Second,
		ChunkSize:   1024,
		Network:     network,
		Logger:      logging.NewNopLogger(),
		Metrics:     metrics.NewRegistry(),
	})
	srv.Handle(MsgPing, func(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
		return Reply(MsgPing, PingResponse{ID: self, Role: cluster.RoleMaster})
	})
	_, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newTestPool(t *testing.T, network Network, book StaticResolver, mutate func(*PoolOptions)) *Pool {
	t.Helper()
	opts := PoolOptions{
		Self:                 9,
		MaxChannelsPerRemote: 2,
		ReadTimeout:          time.Second,
		ChunkSize:            1024,
		Network:              network,
		Resolver:             book,
		Logger:               logging.NewNopLogger(),
		Metrics:              metrics.NewRegistry(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p := NewPool(opts)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPool_ReusesIdleChannel(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "m1:6001")
	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, nil)
	client := NewClient(pool)

	for i := 0; i < 3; i++ {
		info, err := client.Info(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, cluster.InstanceID(1), info.ID)
	}
	open, inUse := pool.Stats(1)
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, inUse)
}

func TestPool_LeaseWaitsAtMostReadTimeout(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "m1:6001")
	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, func(o *PoolOptions) {
		o.ReadTimeout = 150 * time.Millisecond
	})

	ctx := context.Background()
	a, err := pool.Lease(ctx, 1)
	require.NoError(t, err)
	b, err := pool.Lease(ctx, 1)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Lease(ctx, 1)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	pool.Release(a)
	c, err := pool.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, a, c, "released channel is reused")
	pool.Release(b)
	pool.Release(c)

	open, _ := pool.Stats(1)
	assert.Equal(t, 2, open)
}

func TestPool_InvalidateEvictsIdleChannels(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "m1:6001")
	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, func(o *PoolOptions) {
		o.MaxChannelsPerRemote = 3
	})

	ctx := context.Background()
	var chans []*Channel
	for i := 0; i < 3; i++ {
		ch, err := pool.Lease(ctx, 1)
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	pool.Release(chans[0])
	pool.Release(chans[1])

	pool.Invalidate(chans[2], errors.New("reset by peer"))
	open, inUse := pool.Stats(1)
	assert.Equal(t, 0, open)
	assert.Equal(t, 0, inUse)
}

func TestPool_CloseRemoteDropsLeasedOnRelease(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "m1:6001")
	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, nil)

	ch, err := pool.Lease(context.Background(), 1)
	require.NoError(t, err)
	pool.CloseRemote(1)
	pool.Release(ch)

	open, _ := pool.Stats(1)
	assert.Equal(t, 0, open)
}

func TestPool_EvictIdle(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "m1:6001")
	mock := clock.NewMock()
	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, func(o *PoolOptions) {
		o.IdleTimeout = time.Minute
		o.Clock = mock
	})

	require.NoError(t, NewClient(pool).Ping(context.Background(), 1))
	assert.Equal(t, 0, pool.EvictIdle())

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, pool.EvictIdle())
	open, _ := pool.Stats(1)
	assert.Equal(t, 0, open)
}

func TestPool_Errors(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 2, "m2:6001")
	pool := newTestPool(t, network, StaticResolver{1: "m2:6001", 3: "nowhere:1"}, nil)
	ctx := context.Background()

	_, err := pool.Lease(ctx, 7)
	assert.ErrorIs(t, err, ErrUnknownRemote)

	_, err = pool.Lease(ctx, 1)
	var broken *ChannelBrokenError
	require.ErrorAs(t, err, &broken, "dial reached instance 2 instead of 1")
	assert.Contains(t, err.Error(), "handshake refused")

	_, err = pool.Lease(ctx, 3)
	require.ErrorAs(t, err, &broken)

	open, inUse := pool.Stats(1)
	assert.Zero(t, open)
	assert.Zero(t, inUse)

	require.NoError(t, pool.Close())
	_, err = pool.Lease(ctx, 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ReadTimeoutInvalidatesChannel(t *testing.T) {
	network := NewMemNetwork()
	srv := startTestServer(t, network, 1, "m1:6001")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv.Handle(MsgHighestTx, func(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
		<-release
		return Reply(MsgHighestTx, HighestTxResponse{})
	})

	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, func(o *PoolOptions) {
		o.ReadTimeout = 100 * time.Millisecond
	})
	_, err := NewClient(pool).HighestTx(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)

	open, _ := pool.Stats(1)
	assert.Equal(t, 0, open, "timed out channel is not reused")
}

func TestServer_PortRange(t *testing.T) {
	network := NewMemNetwork()
	startTestServer(t, network, 1, "host:6001")

	srv := startTestServer(t, network, 2, "host:6001", "host:6002", "host:6003")
	assert.Equal(t, "host:6002", srv.Addr())

	busy := NewServer(ServerOptions{Self: 3, Addresses: []string{"host:6001", "host:6002"}, Network: network, Metrics: metrics.NewRegistry()})
	_, err := busy.Listen()
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestClient_PullAndBootstrapOverNetwork(t *testing.T) {
	network := NewMemNetwork()
	master := newMemStore()
	for i := 0; i < 60; i++ {
		master.Commit(context.Background(), bytes.Repeat([]byte{byte(i)}, 300))
	}

	srv := startTestServer(t, network, 1, "m1:6001")
	isMaster := true
	(&StoreService{Store: master, Self: 1, IsMaster: func() bool { return isMaster }}).Register(srv)

	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, nil)
	client := NewClient(pool)
	ctx := context.Background()

	slave := newMemStore()
	p := newTestPuller(t, t.TempDir(), slave, client, 25)
	defer p.Close()
	require.NoError(t, p.PullNow(ctx))
	assert.True(t, sameRecords(slave.records(), master.records()))

	sum, err := client.Checksum(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, sum.Found)
	assert.Equal(t, master.records()[41].Checksum, sum.Checksum)

	sum, err = client.Checksum(ctx, 1, 99)
	require.NoError(t, err)
	assert.False(t, sum.Found)

	var buf bytes.Buffer
	snap, err := client.Snapshot(ctx, 1, &buf)
	require.NoError(t, err)
	assert.Equal(t, TxID(60), snap.TxID)
	assert.Equal(t, snap.Size, int64(buf.Len()))
	assert.Greater(t, buf.Len(), 1024, "snapshot crosses chunk boundaries")

	master.truncate(30)
	_, err = client.TxRange(ctx, 1, 10, 20)
	assert.ErrorIs(t, err, ErrTxNotAvailable)

	isMaster = false
	_, err = client.HighestTx(ctx, 1)
	assert.ErrorIs(t, err, ErrNotMaster)

	open, _ := pool.Stats(1)
	assert.Equal(t, 1, open, "remote errors keep the channel")
}

func TestClient_ElectionTraffic(t *testing.T) {
	network := NewMemNetwork()
	srv := startTestServer(t, network, 1, "m1:6001")
	var announced cluster.Announcement
	srv.Handle(MsgVote, func(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
		var req cluster.VoteRequest
		if err := DecodeRequest(msg, &req); err != nil {
			return nil, err
		}
		return Reply(MsgVote, cluster.VoteResponse{Voter: 1, Term: req.Term, Granted: from == req.Candidate})
	})
	srv.Handle(MsgAnnounce, func(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
		if err := DecodeRequest(msg, &announced); err != nil {
			return nil, err
		}
		return Reply(MsgAnnounce, cluster.AnnounceAck{ID: 1, Role: cluster.RoleSlave})
	})

	pool := newTestPool(t, network, StaticResolver{1: "m1:6001"}, nil)
	client := NewClient(pool)
	ctx := context.Background()

	resp, err := client.RequestVote(ctx, 1, cluster.VoteRequest{Candidate: 9, Term: 4})
	require.NoError(t, err)
	assert.True(t, resp.Granted)
	assert.Equal(t, uint64(4), resp.Term)

	ack, err := client.Announce(ctx, 1, cluster.Announcement{Master: 9, Term: 4, Addr: "s9:6001"})
	require.NoError(t, err)
	assert.Equal(t, "s9:6001", announced.Addr)
	assert.Equal(t, cluster.AnnounceAck{ID: 1, Role: cluster.RoleSlave}, ack)
}
