package replication

import (
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// ResourceCleanup provides a stack-based cleanup mechanism for resources.
// Resources are closed in reverse order (LIFO).
//
// Example usage:
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup() // closes everything registered if we bail out
//
//	state, err := OpenStateStore(path)
//	if err != nil {
//	    return err
//	}
//	cleanup.Add(state, "pull state")
//
//	// Success - ownership moves to the caller
//	cleanup.Clear()
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup creates a new ResourceCleanup instance.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logging.OrDefault(logger),
	}
}

// Add registers a resource to be cleaned up.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// AddFunc registers a close function.
func (rc *ResourceCleanup) AddFunc(fn func() error, name string) {
	rc.Add(closerFunc(fn), name)
}

// Cleanup closes all registered resources, logging failures. It is
// idempotent.
func (rc *ResourceCleanup) Cleanup() {
	if err := rc.CloseAll(); err != nil {
		rc.logger.Warn("cleanup failed", logging.Error(err))
	}
}

// Clear drops all registered resources without closing them.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every resource in reverse order and returns all close
// errors combined.
func (rc *ResourceCleanup) CloseAll() error {
	var err error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if cerr := r.closer.Close(); cerr != nil {
			rc.logger.Debug("close failed", logging.String("resource", r.name), logging.Error(cerr))
			err = multierr.Append(err, fmt.Errorf("close %s: %w", r.name, cerr))
		}
	}
	rc.resources = rc.resources[:0]
	return err
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
