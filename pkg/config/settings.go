package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Setting keys
const (
	KeyServerID                      = "ha.server_id"
	KeyInitialHosts                  = "ha.initial_hosts"
	KeyClusterServer                 = "ha.cluster_server"
	KeySlaveOnly                     = "ha.slave_only"
	KeyServer                        = "ha.server"
	KeyReadTimeout                   = "ha.read_timeout"
	KeyLockReadTimeout               = "ha.lock_read_timeout"
	KeyMaxConcurrentChannelsPerSlave = "ha.max_concurrent_channels_per_slave"
	KeyComChunkSize                  = "ha.com_chunk_size"
	KeyIdleChannelTimeout            = "ha.idle_channel_timeout"
	KeyStateSwitchTimeout            = "ha.state_switch_timeout"
	KeyHeartbeatInterval             = "ha.heartbeat_interval"
	KeyLivenessThreshold             = "ha.liveness_threshold"
	KeyPullInterval                  = "ha.pull_interval"
	KeyPullBatchSize                 = "ha.pull_batch_size"
	KeyTxPushFactor                  = "ha.tx_push_factor"
	KeyTxPushStrategy                = "ha.tx_push_strategy"
	KeyPushTimeout                   = "ha.push_timeout"
	KeyBranchedDataPolicy            = "ha.branched_data_policy"
	KeyLogRetention                  = "ha.log_retention"

	KeyUpgradeCoordinators = "ha.upgrade_coordinators"
	KeyZKSessionTimeout    = "ha.zk_session_timeout"

	// KeyStoreDir is not an ha.* setting but travels in the same file.
	KeyStoreDir = "store_dir"
)

type setter func(c *Config, v string) error

var setters = map[string]setter{
	KeyServerID:      func(c *Config, v string) error { return setInt(&c.ServerID, v) },
	KeyInitialHosts:  func(c *Config, v string) error { c.InitialHosts = splitList(v); return nil },
	KeyClusterServer: func(c *Config, v string) error { c.ClusterServer = strings.TrimSpace(v); return nil },
	KeySlaveOnly:     func(c *Config, v string) error { return setBool(&c.SlaveOnly, v) },
	KeyServer:        func(c *Config, v string) error { c.Server = strings.TrimSpace(v); return nil },
	KeyReadTimeout:   func(c *Config, v string) error { return setDuration(&c.ReadTimeout, v) },
	KeyLockReadTimeout: func(c *Config, v string) error {
		return setDuration(&c.LockReadTimeout, v)
	},
	KeyMaxConcurrentChannelsPerSlave: func(c *Config, v string) error {
		return setInt(&c.MaxConcurrentChannelsPerSlave, v)
	},
	KeyComChunkSize: func(c *Config, v string) error {
		n, err := ParseByteSize(v)
		if err != nil {
			return err
		}
		c.ComChunkSize = n
		return nil
	},
	KeyIdleChannelTimeout: func(c *Config, v string) error { return setDuration(&c.IdleChannelTimeout, v) },
	KeyStateSwitchTimeout: func(c *Config, v string) error { return setDuration(&c.StateSwitchTimeout, v) },
	KeyHeartbeatInterval:  func(c *Config, v string) error { return setDuration(&c.HeartbeatInterval, v) },
	KeyLivenessThreshold:  func(c *Config, v string) error { return setDuration(&c.LivenessThreshold, v) },
	KeyPullInterval:       func(c *Config, v string) error { return setDuration(&c.PullInterval, v) },
	KeyPullBatchSize:      func(c *Config, v string) error { return setInt(&c.PullBatchSize, v) },
	KeyTxPushFactor:       func(c *Config, v string) error { return setInt(&c.TxPushFactor, v) },
	KeyTxPushStrategy: func(c *Config, v string) error {
		s, err := ParsePushStrategy(v)
		c.TxPushStrategy = s
		return err
	},
	KeyPushTimeout: func(c *Config, v string) error { return setDuration(&c.PushTimeout, v) },
	KeyBranchedDataPolicy: func(c *Config, v string) error {
		p, err := ParseBranchPolicy(v)
		c.BranchedDataPolicy = p
		return err
	},
	KeyLogRetention: func(c *Config, v string) error { return setInt(&c.LogRetention, v) },
	KeyStoreDir:     func(c *Config, v string) error { c.StoreDir = strings.TrimSpace(v); return nil },

	KeyUpgradeCoordinators: func(c *Config, v string) error {
		c.Legacy.UpgradeCoordinators = splitList(v)
		c.Legacy.Deprecated = append(c.Legacy.Deprecated, KeyUpgradeCoordinators)
		return nil
	},
	KeyZKSessionTimeout: func(c *Config, v string) error {
		c.Legacy.Deprecated = append(c.Legacy.Deprecated, KeyZKSessionTimeout)
		return setDuration(&c.Legacy.ZKSessionTimeout, v)
	},
}

// FromMap builds a validated Config from string settings. Keys outside the
// ha.* namespace are ignored; unknown ha.* keys are rejected. ha.server_id is
// required.
func FromMap(params map[string]string) (Config, error) {
	c := Default()
	c.LockReadTimeout = 0
	c.PushTimeout = 0

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		set, ok := setters[k]
		if !ok {
			if strings.HasPrefix(k, "ha.") {
				return Config{}, fmt.Errorf("%w: %s", ErrUnknownSetting, k)
			}
			continue
		}
		if err := set(&c, params[k]); err != nil {
			return Config{}, fmt.Errorf("%s: %w", k, err)
		}
	}
	if _, ok := params[KeyServerID]; !ok {
		return Config{}, fmt.Errorf("%w: %s is required", ErrInvalidValue, KeyServerID)
	}

	if c.LockReadTimeout == 0 {
		c.LockReadTimeout = c.ReadTimeout
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = c.ReadTimeout
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Settings renders the effective configuration as setting key/value pairs.
func (c *Config) Settings() map[string]string {
	return map[string]string{
		KeyServerID:                      strconv.Itoa(c.ServerID),
		KeyInitialHosts:                  strings.Join(c.InitialHosts, ","),
		KeyClusterServer:                 c.ClusterServer,
		KeySlaveOnly:                     strconv.FormatBool(c.SlaveOnly),
		KeyServer:                        c.Server,
		KeyReadTimeout:                   c.ReadTimeout.String(),
		KeyLockReadTimeout:               c.LockReadTimeout.String(),
		KeyMaxConcurrentChannelsPerSlave: strconv.Itoa(c.MaxConcurrentChannelsPerSlave),
		KeyComChunkSize:                  humanize.IBytes(uint64(c.ComChunkSize)),
		KeyIdleChannelTimeout:            c.IdleChannelTimeout.String(),
		KeyStateSwitchTimeout:            c.StateSwitchTimeout.String(),
		KeyHeartbeatInterval:             c.HeartbeatInterval.String(),
		KeyLivenessThreshold:             c.LivenessThreshold.String(),
		KeyPullInterval:                  c.PullInterval.String(),
		KeyPullBatchSize:                 strconv.Itoa(c.PullBatchSize),
		KeyTxPushFactor:                  strconv.Itoa(c.TxPushFactor),
		KeyTxPushStrategy:                c.TxPushStrategy.String(),
		KeyPushTimeout:                   c.PushTimeout.String(),
		KeyBranchedDataPolicy:            c.BranchedDataPolicy.String(),
		KeyLogRetention:                  strconv.Itoa(c.LogRetention),
	}
}

// ParseDuration accepts Go duration syntax ("20s", "500ms"). A bare number
// is milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q", ErrInvalidValue, s)
	}
	return d, nil
}

// ParseByteSize accepts "2M", "512k", "1G", "2MiB" or a plain byte count.
// Single letter suffixes are binary multiples.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if n := len(s); n > 0 && strings.ContainsAny(s[n-1:], "kKmMgG") {
		s += "i"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: byte size %q", ErrInvalidValue, s)
	}
	return int64(n), nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: integer %q", ErrInvalidValue, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: boolean %q", ErrInvalidValue, v)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
