package txlog

import "errors"

// Log errors
var (
	ErrClosed         = errors.New("transaction log closed")
	ErrCorrupt        = errors.New("transaction log corrupt")
	ErrIDExhausted    = errors.New("transaction id space exhausted")
	ErrNotContiguous  = errors.New("transaction ids are not contiguous")
	ErrInvalidRange   = errors.New("invalid transaction range")
	ErrSnapshotFailed = errors.New("snapshot failed")
)
