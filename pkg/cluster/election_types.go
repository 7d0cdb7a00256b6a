package cluster

import (
	"context"
	"time"
)

// VoteRequest is sent by a candidate to every member.
type VoteRequest struct {
	Candidate InstanceID `json:"candidate"`
	Term      uint64     `json:"term"`
	LastTxID  uint64     `json:"last_tx_id"`
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Voter   InstanceID `json:"voter"`
	Term    uint64     `json:"term"`
	Granted bool       `json:"granted"`
	Reason  string     `json:"reason,omitempty"`
}

// Announcement is broadcast by the winner and repeated as the master
// heartbeat.
type Announcement struct {
	Master   InstanceID `json:"master"`
	Term     uint64     `json:"term"`
	Addr     string     `json:"addr"`
	LastTxID uint64     `json:"last_tx_id"`
}

// AnnounceAck answers an announcement with the receiver's own role so the
// master learns which members are slaves.
type AnnounceAck struct {
	ID   InstanceID `json:"id"`
	Role Role       `json:"role"`
}

// Transport carries election traffic. The replication client implements
// it over the HA channel pool.
type Transport interface {
	RequestVote(ctx context.Context, to InstanceID, req VoteRequest) (VoteResponse, error)
	Announce(ctx context.Context, to InstanceID, a Announcement) (AnnounceAck, error)
}

// ElectionOptions configures an Election.
type ElectionOptions struct {
	Self      InstanceID
	Addr      string
	SlaveOnly bool
	// StateSwitchTimeout bounds a campaign and is the silence after which
	// a slave gives up on its master.
	StateSwitchTimeout time.Duration
	// HeartbeatInterval paces the loop and master announcements.
	HeartbeatInterval time.Duration
	// LastTxID reports the local highest transaction id.
	LastTxID func() uint64
}

// election outcomes, used as metric labels
const (
	resultWon      = "won"
	resultLost     = "lost"
	resultTimeout  = "timeout"
	resultNoQuorum = "no_quorum"
)
