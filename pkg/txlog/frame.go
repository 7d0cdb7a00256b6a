package txlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// frameOverhead is the fixed part of a frame: id, length, crc, timestamp.
const frameOverhead = 8 + 4 + 4 + 8

// maxFrameData bounds a single compressed payload while scanning.
const maxFrameData = 256 << 20

// writeFrame writes one record.
// Format: [TxID:8][Len:4][Data:N snappy][CRC32:4][Timestamp:8]
// The CRC covers the uncompressed payload so it equals the record checksum.
func writeFrame(w *bufio.Writer, rec replication.TransactionRecord) (int64, error) {
	data := snappy.Encode(nil, rec.Payload)

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(rec.ID))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}

	var tail [12]byte
	binary.BigEndian.PutUint32(tail[0:4], rec.Checksum)
	binary.BigEndian.PutUint64(tail[4:12], uint64(rec.Timestamp))
	if _, err := w.Write(tail[:]); err != nil {
		return 0, err
	}
	return int64(frameOverhead + len(data)), nil
}

// readFrame reads one record and returns its size on disk. A clean end of
// input returns io.EOF; a partial frame returns io.ErrUnexpectedEOF.
func readFrame(r io.Reader) (replication.TransactionRecord, int64, error) {
	var rec replication.TransactionRecord

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rec, 0, err
	}
	rec.ID = replication.TxID(binary.BigEndian.Uint64(hdr[0:8]))
	dataLen := binary.BigEndian.Uint32(hdr[8:12])
	if dataLen > maxFrameData {
		return rec, 0, fmt.Errorf("%w: frame for tx %d claims %d bytes", ErrCorrupt, rec.ID, dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return rec, 0, unexpected(err)
	}

	var tail [12]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return rec, 0, unexpected(err)
	}
	rec.Checksum = binary.BigEndian.Uint32(tail[0:4])
	rec.Timestamp = int64(binary.BigEndian.Uint64(tail[4:12]))

	payload, err := snappy.Decode(nil, data)
	if err != nil {
		return rec, 0, fmt.Errorf("%w: decompress tx %d: %v", ErrCorrupt, rec.ID, err)
	}
	rec.Payload = payload

	if crc32.ChecksumIEEE(payload) != rec.Checksum {
		return rec, 0, fmt.Errorf("%w: checksum mismatch for tx %d", ErrCorrupt, rec.ID)
	}
	return rec, int64(frameOverhead + len(data)), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// entryRef locates a frame in the log file.
type entryRef struct {
	id     replication.TxID
	offset int64
	size   int64
}

// scan reads frames from r and builds the index. It stops at the first
// damaged or partial frame and reports the offset of the last good byte.
func scan(r io.Reader) (index []entryRef, good int64, scanErr error) {
	br := bufio.NewReader(r)
	for {
		rec, size, err := readFrame(br)
		if err == io.EOF {
			return index, good, nil
		}
		if err != nil {
			return index, good, err
		}
		if n := len(index); n > 0 && rec.ID != index[n-1].id+1 {
			return index, good, fmt.Errorf("%w: tx %d follows %d", ErrNotContiguous, rec.ID, index[n-1].id)
		}
		index = append(index, entryRef{id: rec.ID, offset: good, size: size})
		good += size
	}
}
