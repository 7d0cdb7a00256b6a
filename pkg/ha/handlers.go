package ha

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// registerHandlers installs the store and push handlers. Cluster handlers
// follow once the election exists.
func (db *Database) registerHandlers() {
	svc := &replication.StoreService{
		Store:    db.store,
		Self:     db.self,
		IsMaster: func() bool { return db.sm.Role() == cluster.RoleMaster },
	}
	svc.Register(db.server)
	db.server.Handle(replication.MsgPush, db.handlePush)
}

func (db *Database) registerClusterHandlers() {
	db.server.Handle(replication.MsgPing, db.handlePing)
	db.server.Handle(replication.MsgVote, db.handleVote)
	db.server.Handle(replication.MsgAnnounce, db.handleAnnounce)
}

func (db *Database) handlePing(ctx context.Context, from cluster.InstanceID, msg *replication.Message) (*replication.Response, error) {
	db.view.Touch(from)
	return replication.Reply(replication.MsgPing, replication.PingResponse{
		ID:       db.self,
		Role:     db.sm.Role(),
		Term:     db.election.Term(),
		LastTxID: db.store.HighestLocalTransactionID(),
	})
}

func (db *Database) handleVote(ctx context.Context, from cluster.InstanceID, msg *replication.Message) (*replication.Response, error) {
	var req cluster.VoteRequest
	if err := replication.DecodeRequest(msg, &req); err != nil {
		return nil, err
	}
	return replication.Reply(replication.MsgVote, db.election.HandleVoteRequest(req))
}

func (db *Database) handleAnnounce(ctx context.Context, from cluster.InstanceID, msg *replication.Message) (*replication.Response, error) {
	var a cluster.Announcement
	if err := replication.DecodeRequest(msg, &a); err != nil {
		return nil, err
	}
	if err := db.election.HandleAnnouncement(a); err != nil {
		return nil, err
	}
	return replication.Reply(replication.MsgAnnounce, db.election.Ack())
}

// handlePush applies a record pushed by the master this slave follows.
// Anything else is answered with the local position and left to pulling.
func (db *Database) handlePush(ctx context.Context, from cluster.InstanceID, msg *replication.Message) (*replication.Response, error) {
	var req replication.PushRequest
	if err := replication.DecodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.Master != from {
		return nil, fmt.Errorf("%w: push for master %d sent by %d", replication.ErrBadRequest, req.Master, from)
	}
	if db.followedMaster() != req.Master {
		return replication.Reply(replication.MsgPush, replication.PushResponse{
			Highest: db.store.HighestLocalTransactionID(),
		})
	}
	resp, err := db.puller.Offer(ctx, req.Master, req.Record)
	if err != nil {
		return nil, err
	}
	return replication.Reply(replication.MsgPush, resp)
}
