package replication

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

// Store errors
var (
	ErrTxNotAvailable   = errors.New("transaction no longer retained")
	ErrOutOfOrder       = errors.New("transaction applied out of order")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Transport errors
var (
	ErrPoolClosed     = errors.New("channel pool closed")
	ErrUnknownRemote  = errors.New("no address for remote instance")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum message size")
	ErrUnexpectedType = errors.New("unexpected message type")
	ErrServerClosed   = errors.New("ha server closed")
	ErrNoFreePort     = errors.New("no free port in range")
	ErrBadRequest     = errors.New("malformed request")
)

// Replication errors
var (
	ErrNoMaster     = errors.New("no master known")
	ErrNotMaster    = errors.New("instance is not master")
	ErrPullerClosed = errors.New("puller stopped")
	ErrPusherClosed = errors.New("pusher stopped")
)

// TimeoutError reports a lease, read or write that exceeded its bound.
type TimeoutError struct {
	Op     string
	Remote cluster.InstanceID
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s to instance %d timed out: %v", e.Op, e.Remote, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true so callers can use the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// BranchSuspectedError is raised when the local history cannot be continued
// from the master: the master no longer retains the next id, or responses
// left a gap.
type BranchSuspectedError struct {
	Local        TxID
	MasterLowest TxID
}

func (e *BranchSuspectedError) Error() string {
	return fmt.Sprintf("branch suspected: local highest %d, master lowest retained %d", e.Local, e.MasterLowest)
}

// ChannelBrokenError reports an I/O failure on a pooled channel.
type ChannelBrokenError struct {
	Remote cluster.InstanceID
	Err    error
}

func (e *ChannelBrokenError) Error() string {
	return fmt.Sprintf("channel to instance %d broken: %v", e.Remote, e.Err)
}

func (e *ChannelBrokenError) Unwrap() error { return e.Err }

// RemoteError carries an error reported by the other side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Remote error codes
const (
	CodeNotAvailable = "not_available"
	CodeOutOfOrder   = "out_of_order"
	CodeNotMaster    = "not_master"
	CodeInternal     = "internal"
	CodeBadRequest   = "bad_request"
)

// Is maps well known codes back onto local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeNotAvailable:
		return target == ErrTxNotAvailable
	case CodeOutOfOrder:
		return target == ErrOutOfOrder
	case CodeNotMaster:
		return target == ErrNotMaster
	case CodeBadRequest:
		return target == ErrBadRequest
	}
	return false
}

// isTimeout reports whether err came from a deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// IsTimeout reports whether err is a replication timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsBranchSuspected reports whether err signals a possible branch.
func IsBranchSuspected(err error) bool {
	var be *BranchSuspectedError
	return errors.As(err, &be)
}
