package replication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// MaxRangeBatch caps the records returned by one range request.
const MaxRangeBatch = 10000

// StoreService serves update pulls and bootstraps from the local store.
type StoreService struct {
	Store Store
	Self  cluster.InstanceID
	// IsMaster guards the pull requests; nil serves unconditionally.
	IsMaster func() bool
}

// Register installs the service's handlers on srv.
func (s *StoreService) Register(srv *Server) {
	srv.Handle(MsgHighestTx, s.handleHighest)
	srv.Handle(MsgTxRange, s.handleRange)
	srv.Handle(MsgChecksum, s.handleChecksum)
	srv.Handle(MsgSnapshot, s.handleSnapshot)
}

func (s *StoreService) guard() error {
	if s.IsMaster != nil && !s.IsMaster() {
		return fmt.Errorf("%w: instance %d", ErrNotMaster, s.Self)
	}
	return nil
}

func (s *StoreService) handleHighest(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return Reply(MsgHighestTx, HighestTxResponse{
		Master:  s.Self,
		Highest: s.Store.HighestLocalTransactionID(),
		Lowest:  s.Store.LowestTransactionID(),
	})
}

func (s *StoreService) handleRange(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var req TxRangeRequest
	if err := DecodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if req.From == 0 || req.To < req.From {
		return nil, fmt.Errorf("%w: range %d..%d", ErrBadRequest, req.From, req.To)
	}
	if req.To-req.From >= MaxRangeBatch {
		req.To = req.From + MaxRangeBatch - 1
	}
	recs, err := s.Store.ReadTransactionRange(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return Reply(MsgTxRange, TxRangeResponse{Records: recs})
}

func (s *StoreService) handleChecksum(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var req ChecksumRequest
	if err := DecodeRequest(msg, &req); err != nil {
		return nil, err
	}
	resp := ChecksumResponse{
		TxID:    req.TxID,
		Lowest:  s.Store.LowestTransactionID(),
		Highest: s.Store.HighestLocalTransactionID(),
	}
	if req.TxID == 0 || req.TxID < resp.Lowest || req.TxID > resp.Highest {
		return Reply(MsgChecksum, resp)
	}
	recs, err := s.Store.ReadTransactionRange(ctx, req.TxID, req.TxID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 1 {
		resp.Found = true
		resp.Checksum = recs[0].Checksum
	}
	return Reply(MsgChecksum, resp)
}

func (s *StoreService) handleSnapshot(ctx context.Context, from cluster.InstanceID, msg *Message) (*Response, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rc, snap, err := s.Store.SnapshotForBootstrap(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := NewMessage(MsgSnapshot, SnapshotResponse{Snapshot: snap})
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &Response{Msg: reply, Stream: rc}, nil
}
