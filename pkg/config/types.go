package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// BranchPolicy decides what happens to local data that diverged from the
// master's history.
type BranchPolicy int

const (
	// BranchKeepAll moves every divergent store aside and keeps it.
	BranchKeepAll BranchPolicy = iota
	// BranchKeepLast keeps only the most recent divergent store.
	BranchKeepLast
	// BranchKeepNone discards divergent data.
	BranchKeepNone
	// BranchShutdown detaches the instance and waits for an operator.
	BranchShutdown
)

var branchPolicyNames = map[BranchPolicy]string{
	BranchKeepAll:  "keep_all",
	BranchKeepLast: "keep_last",
	BranchKeepNone: "keep_none",
	BranchShutdown: "shutdown",
}

// String returns the setting value for the policy.
func (p BranchPolicy) String() string {
	if s, ok := branchPolicyNames[p]; ok {
		return s
	}
	return "unknown"
}

// branchPolicyList returns the policy names in declaration order.
func branchPolicyList() []string {
	return []string{
		branchPolicyNames[BranchKeepAll],
		branchPolicyNames[BranchKeepLast],
		branchPolicyNames[BranchKeepNone],
		branchPolicyNames[BranchShutdown],
	}
}

// ParseBranchPolicy parses a ha.branched_data_policy value.
func ParseBranchPolicy(s string) (BranchPolicy, error) {
	for p, name := range branchPolicyNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: branched data policy %q (want keep_all, keep_last, keep_none or shutdown)", ErrInvalidValue, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p BranchPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// PushStrategy selects which slaves receive a committed transaction.
type PushStrategy int

const (
	// PushFixedPriority prefers slaves with the highest instance id.
	PushFixedPriority PushStrategy = iota
	// PushRoundRobin cycles through the live slaves.
	PushRoundRobin
)

// String returns the setting value for the strategy.
func (s PushStrategy) String() string {
	switch s {
	case PushFixedPriority:
		return "fixed"
	case PushRoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

func pushStrategyNames() []string {
	return []string{PushFixedPriority.String(), PushRoundRobin.String()}
}

// ParsePushStrategy parses a ha.tx_push_strategy value.
func ParsePushStrategy(s string) (PushStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return PushFixedPriority, nil
	case "round_robin":
		return PushRoundRobin, nil
	default:
		return 0, fmt.Errorf("%w: push strategy %q (want fixed or round_robin)", ErrInvalidValue, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PushStrategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PortRange is a host with an inclusive port range, e.g. ":6001-6011".
type PortRange struct {
	Host string
	Low  int
	High int
}

// ParsePortRange parses "host:port" or "host:low-high". The host may be empty.
func ParsePortRange(s string) (PortRange, error) {
	host, ports, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: address %q: %v", ErrInvalidValue, s, err)
	}

	lowStr, highStr, isRange := strings.Cut(ports, "-")
	low, err := strconv.Atoi(lowStr)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port %q in %q", ErrInvalidValue, lowStr, s)
	}
	high := low
	if isRange {
		if high, err = strconv.Atoi(highStr); err != nil {
			return PortRange{}, fmt.Errorf("%w: port %q in %q", ErrInvalidValue, highStr, s)
		}
	}
	if low < 0 || high > 65535 || low > high {
		return PortRange{}, fmt.Errorf("%w: port range %d-%d in %q", ErrInvalidValue, low, high, s)
	}
	return PortRange{Host: host, Low: low, High: high}, nil
}

// Addresses lists every bindable address in the range, lowest port first.
func (r PortRange) Addresses() []string {
	out := make([]string, 0, r.High-r.Low+1)
	for p := r.Low; p <= r.High; p++ {
		out = append(out, net.JoinHostPort(r.Host, strconv.Itoa(p)))
	}
	return out
}

// String formats the range the way it is configured.
func (r PortRange) String() string {
	if r.Low == r.High {
		return net.JoinHostPort(r.Host, strconv.Itoa(r.Low))
	}
	return net.JoinHostPort(r.Host, fmt.Sprintf("%d-%d", r.Low, r.High))
}
