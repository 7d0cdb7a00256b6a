package replication

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is exchanged in the handshake; instances with a different
// major version refuse each other.
const ProtocolVersion = "1.0"

// MessageType identifies a request or response on an HA channel.
type MessageType uint8

const (
	// Control messages
	MsgHandshake MessageType = iota + 1
	MsgPing
	MsgError

	// Update pulling
	MsgHighestTx
	MsgTxRange
	MsgChecksum
	MsgSnapshot

	// Transaction push
	MsgPush

	// Election
	MsgVote
	MsgAnnounce
)

var messageTypeNames = map[MessageType]string{
	MsgHandshake: "handshake",
	MsgPing:      "ping",
	MsgError:     "error",
	MsgHighestTx: "highest_tx",
	MsgTxRange:   "tx_range",
	MsgChecksum:  "checksum",
	MsgSnapshot:  "snapshot",
	MsgPush:      "push",
	MsgVote:      "vote",
	MsgAnnounce:  "announce",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint8(t))
}

// Message is the envelope for every request and response.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      []byte      `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, data any) (*Message, error) {
	msg := &Message{Type: msgType, Timestamp: time.Now().UnixNano()}
	if data == nil {
		return msg, nil
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	msg.Data = dataBytes
	return msg, nil
}

// Decode decodes message data into the provided interface
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Expect decodes m into v if it has the wanted type. Error replies are
// converted into *RemoteError.
func (m *Message) Expect(want MessageType, v any) error {
	if m.Type == MsgError {
		var em ErrorMessage
		if err := m.Decode(&em); err != nil {
			return err
		}
		return &RemoteError{Code: em.Code, Message: em.Message}
	}
	if m.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, m.Type, want)
	}
	if v == nil {
		return nil
	}
	return m.Decode(v)
}
