package ha

import (
	"errors"

	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Facade errors
var (
	// ErrNotMaster is returned by Commit on any instance that is not master.
	ErrNotMaster = replication.ErrNotMaster

	ErrNotStarted     = errors.New("ha database not started")
	ErrAlreadyStarted = errors.New("ha database already started")
	ErrUnavailable    = errors.New("ha database unavailable")
	ErrNoStore        = errors.New("no store configured")
)
