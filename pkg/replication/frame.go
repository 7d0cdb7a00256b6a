package replication

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Wire format: every message or stream is cut into chunks of at most
// chunkSize uncompressed bytes. Each chunk is [flags:1][len:4][snappy data].
const (
	chunkHeaderSize = 5

	flagMore   byte = 1 << 0 // more chunks of this message follow
	flagStream byte = 1 << 1 // chunk belongs to a raw byte stream
	flagEnd    byte = 1 << 2 // last chunk of a stream

	// DefaultChunkSize matches the ha.com_chunk_size default.
	DefaultChunkSize = 2 << 20
	// MaxChunkSize is the largest chunk any peer may send.
	MaxChunkSize = 16 << 20
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize = 256 << 20
)

var maxEncodedChunk = snappy.MaxEncodedLen(MaxChunkSize)

// codec reads and writes chunked messages on one connection. It is not safe
// for concurrent use; a Channel is leased to one caller at a time.
type codec struct {
	r         *bufio.Reader
	w         *bufio.Writer
	chunkSize int

	bytesIn  int64
	bytesOut int64
}

func newCodec(rw io.ReadWriter, chunkSize int) *codec {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = DefaultChunkSize
	}
	return &codec{
		r:         bufio.NewReader(rw),
		w:         bufio.NewWriter(rw),
		chunkSize: chunkSize,
	}
}

func (c *codec) writeChunk(flags byte, data []byte) error {
	enc := snappy.Encode(nil, data)
	var hdr [chunkHeaderSize]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(enc)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(enc); err != nil {
		return err
	}
	c.bytesOut += int64(chunkHeaderSize + len(enc))
	return nil
}

func (c *codec) readChunk() (byte, []byte, error) {
	var hdr [chunkHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[1:]))
	if n > maxEncodedChunk {
		return 0, nil, fmt.Errorf("%w: chunk of %d bytes", ErrFrameTooLarge, n)
	}
	enc := make([]byte, n)
	if _, err := io.ReadFull(c.r, enc); err != nil {
		return 0, nil, err
	}
	c.bytesIn += int64(chunkHeaderSize + n)

	size, err := snappy.DecodedLen(enc)
	if err != nil {
		return 0, nil, fmt.Errorf("decode chunk: %w", err)
	}
	if size > MaxChunkSize {
		return 0, nil, fmt.Errorf("%w: chunk decodes to %d bytes", ErrFrameTooLarge, size)
	}
	data, err := snappy.Decode(nil, enc)
	if err != nil {
		return 0, nil, fmt.Errorf("decode chunk: %w", err)
	}
	return hdr[0], data, nil
}

// WriteMessage encodes m and flushes it.
func (c *codec) WriteMessage(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %s message of %d bytes", ErrFrameTooLarge, m.Type, len(data))
	}
	for len(data) > c.chunkSize {
		if err := c.writeChunk(flagMore, data[:c.chunkSize]); err != nil {
			return err
		}
		data = data[c.chunkSize:]
	}
	if err := c.writeChunk(0, data); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadMessage reassembles the next message.
func (c *codec) ReadMessage() (*Message, error) {
	var buf []byte
	for {
		flags, data, err := c.readChunk()
		if err != nil {
			return nil, err
		}
		if flags&flagStream != 0 {
			return nil, fmt.Errorf("%w: stream chunk outside a stream", ErrUnexpectedType)
		}
		if len(buf)+len(data) > MaxMessageSize {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrFrameTooLarge, MaxMessageSize)
		}
		buf = append(buf, data...)
		if flags&flagMore == 0 {
			break
		}
	}
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// WriteStream copies r as stream chunks followed by an end marker. before
// runs ahead of every chunk so callers can push the write deadline out.
func (c *codec) WriteStream(r io.Reader, before func()) (int64, error) {
	buf := make([]byte, c.chunkSize)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if before != nil {
				before()
			}
			if werr := c.writeChunk(flagStream, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	if before != nil {
		before()
	}
	if err := c.writeChunk(flagStream|flagEnd, nil); err != nil {
		return total, err
	}
	return total, c.w.Flush()
}

// streamReader yields the bytes of one stream written by WriteStream.
type streamReader struct {
	c      *codec
	before func()
	buf    []byte
	done   bool
}

func (c *codec) StreamReader(before func()) io.Reader {
	return &streamReader{c: c, before: before}
}

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.done {
			return 0, io.EOF
		}
		if s.before != nil {
			s.before()
		}
		flags, data, err := s.c.readChunk()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if flags&flagStream == 0 {
			return 0, fmt.Errorf("%w: message chunk inside a stream", ErrUnexpectedType)
		}
		s.done = flags&flagEnd != 0
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
