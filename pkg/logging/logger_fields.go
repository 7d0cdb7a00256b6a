package logging

import (
	"time"
)

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration is rendered with time.Duration.String.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error is the "error" field; a nil error logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component names the subsystem: puller, pusher, election and so on.
func Component(name string) Field { return String("component", name) }

// InstanceID is the local ha.server_id.
func InstanceID(id int) Field { return Int("instance_id", id) }

// Remote is the peer instance a message or channel belongs to.
func Remote(id int) Field { return Int("remote_id", id) }

// Role is the role being entered or reported.
func Role(role string) Field { return String("role", role) }

// Transition renders a role switch as "from->to".
func Transition(from, to string) Field { return String("transition", from+"->"+to) }

// TxID is a replicated transaction id.
func TxID(id uint64) Field { return Uint64("tx_id", id) }

// Term is an election term.
func Term(term uint64) Field { return Uint64("term", term) }

// Reason says why a role switch or detach was requested.
func Reason(reason string) Field { return String("reason", reason) }

// Addr is a network address of this instance or a peer.
func Addr(addr string) Field { return String("addr", addr) }

// SnapshotID identifies a bootstrap snapshot.
func SnapshotID(id string) Field { return String("snapshot_id", id) }

// Archive is the name of a branched store directory.
func Archive(name string) Field { return String("archive", name) }

func Latency(d time.Duration) Field { return Duration("latency", d) }

func Count(n int) Field { return Int("count", n) }

func Path(p string) Field { return String("path", p) }
