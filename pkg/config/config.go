// Package config holds the ha.* settings of a clustered instance.
package config

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Chunk size bounds for ha.com_chunk_size.
const (
	MinChunkSize = 1024
	MaxChunkSize = 16 * 1024 * 1024
)

// Config is the effective HA configuration of one instance.
type Config struct {
	// Identity and membership
	ServerID      int `validate:"gte=0"`
	InitialHosts  []string
	ClusterServer string
	SlaveOnly     bool

	// Replication transport
	Server                        string `validate:"required"`
	ReadTimeout                   time.Duration
	LockReadTimeout               time.Duration
	MaxConcurrentChannelsPerSlave int
	ComChunkSize                  int64
	IdleChannelTimeout            time.Duration

	// Role switching and liveness
	StateSwitchTimeout time.Duration
	HeartbeatInterval  time.Duration
	LivenessThreshold  time.Duration

	// Pulling and pushing
	PullInterval   time.Duration
	PullBatchSize  int
	TxPushFactor   int
	TxPushStrategy PushStrategy
	PushTimeout    time.Duration

	// Branches and retention
	BranchedDataPolicy BranchPolicy
	LogRetention       int

	StoreDir string

	Legacy LegacySettings
}

// LegacySettings are accepted for compatibility and otherwise ignored.
type LegacySettings struct {
	UpgradeCoordinators []string
	ZKSessionTimeout    time.Duration
	// Deprecated lists the legacy keys that were present.
	Deprecated []string
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		ServerID:                      0,
		ClusterServer:                 ":5001",
		Server:                        ":6001-6011",
		ReadTimeout:                   20 * time.Second,
		LockReadTimeout:               20 * time.Second,
		MaxConcurrentChannelsPerSlave: 20,
		ComChunkSize:                  2 * 1024 * 1024,
		IdleChannelTimeout:            5 * time.Minute,
		StateSwitchTimeout:            20 * time.Second,
		HeartbeatInterval:             time.Second,
		LivenessThreshold:             5 * time.Second,
		PullInterval:                  0,
		PullBatchSize:                 100,
		TxPushFactor:                  1,
		TxPushStrategy:                PushFixedPriority,
		PushTimeout:                   20 * time.Second,
		BranchedDataPolicy:            BranchKeepAll,
		LogRetention:                  10000,
	}
}

// ApplyDefaults fills unset fields. Zero is meaningful for PullInterval and
// TxPushFactor so those are left alone.
func (c *Config) ApplyDefaults() {
	d := Default()
	c.ClusterServer = validation.DefaultOrString(c.ClusterServer, d.ClusterServer)
	c.Server = validation.DefaultOrString(c.Server, d.Server)
	c.ReadTimeout = validation.DefaultOrDuration(c.ReadTimeout, d.ReadTimeout)
	c.LockReadTimeout = validation.DefaultOrDuration(c.LockReadTimeout, c.ReadTimeout)
	c.PushTimeout = validation.DefaultOrDuration(c.PushTimeout, c.ReadTimeout)
	c.MaxConcurrentChannelsPerSlave = validation.DefaultOrInt(c.MaxConcurrentChannelsPerSlave, d.MaxConcurrentChannelsPerSlave)
	c.ComChunkSize = validation.DefaultOrInt64(c.ComChunkSize, d.ComChunkSize)
	c.IdleChannelTimeout = validation.DefaultOrDuration(c.IdleChannelTimeout, d.IdleChannelTimeout)
	c.StateSwitchTimeout = validation.DefaultOrDuration(c.StateSwitchTimeout, d.StateSwitchTimeout)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.LivenessThreshold = validation.DefaultOrDuration(c.LivenessThreshold, d.LivenessThreshold)
	c.PullBatchSize = validation.DefaultOrInt(c.PullBatchSize, d.PullBatchSize)
}

// Validate checks the configuration and reports every violation.
func (c *Config) Validate() error {
	cv := validation.NewConfigValidator("Config").
		Struct(c).
		Required("ClusterServer", c.ClusterServer).
		MinInt("MaxConcurrentChannelsPerSlave", c.MaxConcurrentChannelsPerSlave, 1).
		RangeInt64("ComChunkSize", c.ComChunkSize, MinChunkSize, MaxChunkSize).
		MinInt("PullBatchSize", c.PullBatchSize, 1).
		NonNegative("TxPushFactor", c.TxPushFactor).
		NonNegative("LogRetention", c.LogRetention).
		OneOf("TxPushStrategy", c.TxPushStrategy.String(), pushStrategyNames()).
		OneOf("BranchedDataPolicy", c.BranchedDataPolicy.String(), branchPolicyList()).
		MinDuration("ReadTimeout", c.ReadTimeout, time.Millisecond).
		MinDuration("LockReadTimeout", c.LockReadTimeout, time.Millisecond).
		MinDuration("StateSwitchTimeout", c.StateSwitchTimeout, time.Millisecond).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, time.Millisecond).
		MinDuration("PushTimeout", c.PushTimeout, time.Millisecond).
		NonNegativeDuration("PullInterval", c.PullInterval).
		NonNegativeDuration("IdleChannelTimeout", c.IdleChannelTimeout).
		Custom("Server", func() error {
			_, err := ParsePortRange(c.Server)
			return err
		}).
		When(c.LivenessThreshold <= c.HeartbeatInterval, func(cv *validation.ConfigValidator) {
			cv.Custom("LivenessThreshold", func() error {
				return fmt.Errorf("%v must exceed heartbeat interval %v", c.LivenessThreshold, c.HeartbeatInterval)
			})
		})
	return cv.Validate()
}

// ServerRange returns the parsed ha.server range. Call after Validate.
func (c *Config) ServerRange() PortRange {
	r, _ := ParsePortRange(c.Server)
	return r
}
