package branch

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Branch errors
var (
	ErrBranchConfirmed   = errors.New("local history diverged from master")
	ErrSnapshotCorrupted = errors.New("snapshot checksum does not match")
	ErrArchiveFailed     = errors.New("failed to move branched data aside")
)

// UnrecoverableDivergenceError is returned under the shutdown policy. The
// instance must stay detached until an operator intervenes.
type UnrecoverableDivergenceError struct {
	Local  replication.TxID
	Master cluster.InstanceID
	Reason string
}

func (e *UnrecoverableDivergenceError) Error() string {
	return fmt.Sprintf("unrecoverable divergence from master %d at tx %d: %s", e.Master, e.Local, e.Reason)
}

func (e *UnrecoverableDivergenceError) Unwrap() error { return ErrBranchConfirmed }

// IsUnrecoverable reports whether err requires operator intervention.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableDivergenceError
	return errors.As(err, &u)
}
