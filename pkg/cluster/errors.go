package cluster

import "errors"

// Role errors
var (
	ErrDetached         = errors.New("instance is detached")
	ErrSwitchFailed     = errors.New("role switch failed")
	ErrSwitchTimeout    = errors.New("role switch timed out")
	ErrStateMachineDown = errors.New("state machine stopped")
	ErrInvalidRole      = errors.New("invalid role")
)

// Election errors
var (
	ErrElectionTimeout = errors.New("election timed out without a result")
	ErrNoQuorum        = errors.New("insufficient members for quorum")
	ErrStaleTerm       = errors.New("term is older than current term")
	ErrElectionLost    = errors.New("election lost")
)

// Membership errors
var (
	ErrMemberNotFound = errors.New("member not found in cluster view")
	ErrMetaTooLarge   = errors.New("member metadata exceeds gossip limit")
	ErrGossipStarted  = errors.New("gossip already started")
)
