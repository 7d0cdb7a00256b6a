package replication

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func TestCodec_MessageSplitAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, 1024)

	payload := strings.Repeat("graph", 2000)
	msg, err := NewMessage(MsgPush, PushRequest{Master: 1, Record: TransactionRecord{ID: 7, Payload: []byte(payload)}})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	got, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var req PushRequest
	if err := got.Expect(MsgPush, &req); err != nil {
		t.Fatal(err)
	}
	if req.Record.ID != 7 || string(req.Record.Payload) != payload {
		t.Errorf("decoded record mismatch: id %d, %d payload bytes", req.Record.ID, len(req.Record.Payload))
	}
	if c.bytesOut == 0 || c.bytesIn != c.bytesOut {
		t.Errorf("byte counters in=%d out=%d", c.bytesIn, c.bytesOut)
	}
}

func TestCodec_StreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, 1024)

	data := make([]byte, 10*1024+17)
	rand.New(rand.NewSource(1)).Read(data)

	var before int
	n, err := c.WriteStream(bytes.NewReader(data), func() { before++ })
	if err != nil {
		t.Fatalf("WriteStream() error = %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("WriteStream() = %d, want %d", n, len(data))
	}
	if before != 12 {
		t.Errorf("before hook ran %d times, want 12 (11 chunks + end)", before)
	}

	got, err := io.ReadAll(c.StreamReader(nil))
	if err != nil {
		t.Fatalf("read stream error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("stream bytes differ")
	}
}

func TestCodec_EmptyStream(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, 1024)
	if _, err := c.WriteStream(bytes.NewReader(nil), nil); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c.StreamReader(nil))
	if err != nil || len(got) != 0 {
		t.Errorf("empty stream = %d bytes, %v", len(got), err)
	}
}

func TestCodec_Rejects(t *testing.T) {
	t.Run("oversized chunk", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [chunkHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[1:], uint32(maxEncodedChunk+1))
		buf.Write(hdr[:])
		_, err := newCodec(&buf, 1024).ReadMessage()
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("ReadMessage() error = %v, want ErrFrameTooLarge", err)
		}
	})

	t.Run("stream chunk where a message is expected", func(t *testing.T) {
		var buf bytes.Buffer
		c := newCodec(&buf, 1024)
		c.WriteStream(strings.NewReader("raw"), nil)
		if _, err := c.ReadMessage(); !errors.Is(err, ErrUnexpectedType) {
			t.Errorf("ReadMessage() error = %v, want ErrUnexpectedType", err)
		}
	})

	t.Run("truncated stream", func(t *testing.T) {
		var buf bytes.Buffer
		c := newCodec(&buf, 1024)
		c.writeChunk(flagStream, []byte("partial"))
		c.w.Flush()
		_, err := io.ReadAll(c.StreamReader(nil))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("read error = %v, want unexpected EOF", err)
		}
	})

	t.Run("corrupt snappy data", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [chunkHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[1:], 4)
		buf.Write(hdr[:])
		buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
		if _, err := newCodec(&buf, 1024).ReadMessage(); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestMessage_ExpectErrorReply(t *testing.T) {
	msg, _ := NewMessage(MsgError, ErrorMessage{Code: CodeNotAvailable, Message: "pruned"})
	err := msg.Expect(MsgTxRange, nil)
	if !errors.Is(err, ErrTxNotAvailable) {
		t.Errorf("Expect() error = %v, want ErrTxNotAvailable", err)
	}

	msg, _ = NewMessage(MsgPing, nil)
	if err := msg.Expect(MsgTxRange, nil); !errors.Is(err, ErrUnexpectedType) {
		t.Errorf("Expect() error = %v, want ErrUnexpectedType", err)
	}
}
