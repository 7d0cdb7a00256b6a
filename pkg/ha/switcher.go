package ha

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/branch"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

var _ cluster.Switcher = (*Database)(nil)

// ToMaster stops replication from any previous master and enables pushing.
func (db *Database) ToMaster(ctx context.Context, t cluster.Transition) error {
	db.catchUp.Wait()
	db.puller.Stop()
	db.following.Store(int64(cluster.NoInstance))
	db.dropPreviousMaster(db.self)

	db.pusher.Start()
	db.advertise(cluster.RoleMaster)
	db.logger.Info("serving as master", logging.Reason(t.Reason))
	return nil
}

// ToSlave points replication at the new master. Verifying the local
// history, any bootstrap and the catch up run in the background for the
// lifetime of the role; pushes are refused until the history is verified.
func (db *Database) ToSlave(ctx context.Context, t cluster.Transition) error {
	db.catchUp.Wait()
	db.pusher.Stop()
	db.puller.Stop()
	db.dropPreviousMaster(t.Master)
	db.following.Store(int64(t.Master))
	db.previous.Store(int64(t.Master))
	db.advertise(cluster.RoleSlave)

	db.catchUp.Add(1)
	go func() {
		defer db.catchUp.Done()
		db.followMaster(t.Lifetime, t.Master)
	}()
	return nil
}

// followMaster retries joinMaster every heartbeat until it succeeds, the
// role ends or the branch policy detaches the instance.
func (db *Database) followMaster(ctx context.Context, master cluster.InstanceID) {
	for attempt := 1; ; attempt++ {
		err := db.joinMaster(ctx, master)
		if err == nil || ctx.Err() != nil {
			return
		}
		db.puller.AcceptPushes(cluster.NoInstance)
		var unrecoverable *branch.UnrecoverableDivergenceError
		if errors.As(err, &unrecoverable) {
			return
		}
		db.logger.Warn("catching up with master failed",
			logging.Remote(int(master)),
			logging.Int("attempt", attempt),
			logging.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-db.clock.After(db.cfg.HeartbeatInterval):
		}
	}
}

func (db *Database) joinMaster(ctx context.Context, master cluster.InstanceID) error {
	if err := db.detector.Check(ctx, master); err != nil {
		return fmt.Errorf("branch check against master %d: %w", master, err)
	}
	db.puller.AcceptPushes(master)
	if err := db.puller.PullNow(ctx); err != nil {
		return fmt.Errorf("catch up with master %d: %w", master, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	db.puller.Start()
	db.advertise(cluster.RoleSlave)
	db.logger.Info("serving as slave",
		logging.Remote(int(master)),
		logging.TxID(uint64(db.store.HighestLocalTransactionID())))
	return nil
}

// ToPending stops all replication work.
func (db *Database) ToPending(ctx context.Context, t cluster.Transition) error {
	db.stopReplication()
	db.advertise(cluster.RolePending)
	return nil
}

// ToDetached stops all replication work for good.
func (db *Database) ToDetached(ctx context.Context, t cluster.Transition) error {
	db.stopReplication()
	db.advertise(cluster.RoleDetached)
	db.logger.Warn("instance detached", logging.Reason(t.Reason))
	return nil
}

// stopReplication waits for a catch up whose role was already superseded,
// then stops pushing and pulling.
func (db *Database) stopReplication() {
	db.catchUp.Wait()
	db.pusher.Stop()
	db.puller.Stop()
	db.following.Store(int64(cluster.NoInstance))
}

// dropPreviousMaster closes channels to the last followed master unless it
// is next.
func (db *Database) dropPreviousMaster(next cluster.InstanceID) {
	prev := cluster.InstanceID(db.previous.Load())
	if prev != cluster.NoInstance && prev != next {
		db.pool.CloseRemote(prev)
		db.previous.Store(int64(cluster.NoInstance))
	}
}

// advertise publishes the local role and position to the view and the
// membership layer.
func (db *Database) advertise(role cluster.Role) {
	db.view.UpdateSelf(func(m *cluster.Member) {
		m.Role = role
		m.LastTxID = uint64(db.store.HighestLocalTransactionID())
	})
	if db.member == nil {
		return
	}
	self, _ := db.view.Snapshot().Member(db.self)
	if err := db.member.UpdateLocal(self); err != nil {
		db.logger.Debug("failed to advertise local member", logging.Error(err))
	}
}
