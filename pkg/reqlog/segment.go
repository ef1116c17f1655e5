package reqlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "reqlog."
	headerSize    = 8
	maxRecordSize = 64 << 20
)

// record layout: payloadLen(4) crc32(4) payload, little endian
func encodeRecord(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)
	return buf
}

// readRecordAt returns the payload of the record at off and its total size.
// io.EOF means off is exactly the end of the file; io.ErrUnexpectedEOF
// means the record is cut short.
func readRecordAt(f *os.File, off int64) ([]byte, int64, error) {
	var hdr [headerSize]byte
	n, err := f.ReadAt(hdr[:], off)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, 0, io.EOF
	}
	if n < headerSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size > maxRecordSize {
		return nil, 0, fmt.Errorf("%w: record of %d bytes at %d", ErrCorrupt, size, off)
	}
	payload := make([]byte, size)
	n, err = f.ReadAt(payload, off+headerSize)
	if n < len(payload) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch at %d", ErrCorrupt, off)
	}

	return payload, headerSize + int64(size), nil
}

// scanSegment walks whole records from the start of f up to limit (or the
// end of the file when limit < 0). It returns the offset right after the
// last whole record and the number of records seen.
func scanSegment(f *os.File, limit int64) (int64, int64, error) {
	var off, count int64
	for limit < 0 || off < limit {
		_, size, err := readRecordAt(f, off)
		if err != nil {
			return off, count, err
		}
		off += size
		count++
	}
	return off, count, nil
}

func segmentName(dir string, index int64) string {
	return filepath.Join(dir, segmentPrefix+strconv.FormatInt(index, 10))
}

// listSegments returns the indexes of the segment files in dir, ascending.
func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read reqlog dir: %w", err)
	}

	var idx []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(name, segmentPrefix), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		idx = append(idx, n)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx, nil
}
