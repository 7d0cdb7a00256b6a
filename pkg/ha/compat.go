package ha

import (
	"context"

	"go.uber.org/multierr"

	"github.com/dd0wney/cluso-ha/pkg/config"
)

// HighlyAvailableGraphDatabase is the entry point older embedders use. It
// is a started Database over a txlog store in storeDir.
type HighlyAvailableGraphDatabase struct {
	*Database
}

// NewHighlyAvailableGraphDatabase parses ha.* params, opens the store in
// storeDir and starts the instance.
func NewHighlyAvailableGraphDatabase(storeDir string, params map[string]string) (*HighlyAvailableGraphDatabase, error) {
	cfg, err := config.FromMap(params)
	if err != nil {
		return nil, err
	}
	cfg.StoreDir = storeDir

	db, err := New(cfg, Components{})
	if err != nil {
		return nil, err
	}
	if err := db.Start(context.Background()); err != nil {
		return nil, multierr.Append(err, db.Shutdown(context.Background()))
	}
	return &HighlyAvailableGraphDatabase{Database: db}, nil
}

// PullUpdates catches up with the master.
//
// Deprecated: use PullUpdatesNow, which takes a context.
func (h *HighlyAvailableGraphDatabase) PullUpdates() error {
	return h.PullUpdatesNow(context.Background())
}

// Close shuts the instance down.
func (h *HighlyAvailableGraphDatabase) Close() error {
	return h.Shutdown(context.Background())
}

