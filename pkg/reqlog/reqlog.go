// Package reqlog is the slave's segmented request log: every request the
// slave applies is appended here so that a downstream consumer can replay
// the stream at its own pace, independently of the master link.
//
// The log has exactly one writer and one reader. The writer appends to the
// newest segment and rotates to a new one when it would grow past the
// configured size; the reader follows behind and never passes the writer.
package reqlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"kvrepl/pkg/request"
)

const (
	DefaultMaxSegmentSize = 64 << 20

	posFile = "reqlog.pos"
)

var (
	ErrNoData  = errors.New("reqlog: no data yet")
	ErrCorrupt = errors.New("reqlog: corrupt segment")
	ErrClosed  = errors.New("reqlog: closed")
)

type Log struct {
	dir            string
	maxSegmentSize int64

	// writer side, touched only by the replication task
	wfile *os.File
	wcur  Cursor

	// reader side, touched only by the drain task
	rfile *os.File
	rcur  Cursor

	wpub   atomic.Pointer[Cursor]
	rpub   atomic.Pointer[Cursor]
	closed atomic.Bool
}

// Open recovers the log in dir, creating the directory and the first
// segment when absent. An empty dir means the current directory.
func Open(dir string, maxSegmentSize int64) (*Log, error) {
	if dir == "" {
		dir = "."
	}
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create reqlog dir: %w", err)
	}

	l := &Log{dir: filepath.Clean(dir), maxSegmentSize: maxSegmentSize}

	segments, err := listSegments(l.dir)
	if err != nil {
		return nil, err
	}
	if err := l.openWriter(segments); err != nil {
		return nil, err
	}
	if err := l.openReader(segments); err != nil {
		_ = l.wfile.Close()
		return nil, err
	}

	slog.Info("reqlog opened", "dir", l.dir, "write", l.wcur.String(), "read", l.rcur.String())
	return l, nil
}

func (l *Log) openWriter(segments []int64) error {
	var index int64
	if len(segments) > 0 {
		index = segments[len(segments)-1]
	}

	f, err := os.OpenFile(segmentName(l.dir, index), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open write segment: %w", err)
	}

	off, count, err := scanSegment(f, -1)
	switch {
	case err == nil, errors.Is(err, io.EOF):
	case errors.Is(err, io.ErrUnexpectedEOF):
		// torn append from a crash; the record was never acknowledged
		slog.Warn("truncating torn reqlog tail", "segment", f.Name(), "offset", off)
		if err := f.Truncate(off); err != nil {
			_ = f.Close()
			return fmt.Errorf("truncate write segment: %w", err)
		}
	default:
		_ = f.Close()
		return fmt.Errorf("scan write segment %s: %w", f.Name(), err)
	}

	l.wfile = f
	l.wcur = Cursor{FileIndex: index, Offset: off, Count: count}
	l.publishWrite()
	return nil
}

func (l *Log) openReader(segments []int64) error {
	cur, found, err := l.loadReadCursor()
	if err != nil {
		return err
	}
	if !found {
		cur = Cursor{FileIndex: l.wcur.FileIndex}
		if len(segments) > 0 {
			cur.FileIndex = segments[0]
		}
	}

	if cur.Compare(l.wcur) > 0 {
		return fmt.Errorf("%w: read cursor %s is ahead of write cursor %s", ErrCorrupt, cur, l.wcur)
	}

	f, err := os.Open(segmentName(l.dir, cur.FileIndex))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: read segment %d is missing", ErrCorrupt, cur.FileIndex)
		}
		return fmt.Errorf("open read segment: %w", err)
	}

	// the cursor has to sit on a record boundary
	off, count, err := scanSegment(f, cur.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = f.Close()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated record before read cursor %s", ErrCorrupt, cur)
		}
		return fmt.Errorf("scan read segment: %w", err)
	}
	if off != cur.Offset {
		_ = f.Close()
		return fmt.Errorf("%w: read cursor %s is not on a record boundary", ErrCorrupt, cur)
	}

	cur.Count = count
	l.rfile = f
	l.rcur = cur
	l.publishRead()
	return nil
}

// Proc appends one request. The request is never split across segments.
func (l *Log) Proc(req request.Request) error {
	if l.closed.Load() {
		return ErrClosed
	}

	payload, err := request.Marshal(req)
	if err != nil {
		return err
	}
	if len(payload) > maxRecordSize {
		return fmt.Errorf("reqlog: request of %d bytes is too large", len(payload))
	}
	rec := encodeRecord(payload)

	if l.wcur.Offset > 0 && l.wcur.Offset+int64(len(rec)) > l.maxSegmentSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	if _, err := l.wfile.WriteAt(rec, l.wcur.Offset); err != nil {
		// keep the frontier on a record boundary for the next attempt
		if terr := l.wfile.Truncate(l.wcur.Offset); terr != nil {
			slog.Error("failed to roll back partial reqlog write", "error", terr)
		}
		return fmt.Errorf("append to %s: %w", l.wfile.Name(), err)
	}

	l.wcur.Offset += int64(len(rec))
	l.wcur.Count++
	l.publishWrite()
	return nil
}

func (l *Log) rotate() error {
	if err := l.wfile.Sync(); err != nil {
		return fmt.Errorf("sync segment before rotation: %w", err)
	}

	next := l.wcur.FileIndex + 1
	f, err := os.OpenFile(segmentName(l.dir, next), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", next, err)
	}

	old := l.wfile
	l.wfile = f
	if err := old.Close(); err != nil {
		slog.Warn("failed to close rotated segment", "segment", old.Name(), "error", err)
	}

	slog.Debug("reqlog rotated", "from", l.wcur.FileIndex, "to", next)
	l.wcur = Cursor{FileIndex: next}
	l.publishWrite()
	return nil
}

// ReadReq returns the request at the read cursor and advances it.
// ErrNoData means the reader has caught up with the writer.
func (l *Log) ReadReq() (request.Request, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	for {
		w := *l.wpub.Load()
		if l.rcur.FileIndex == w.FileIndex && l.rcur.Offset >= w.Offset {
			return nil, ErrNoData
		}

		payload, size, err := readRecordAt(l.rfile, l.rcur.Offset)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && l.rcur.FileIndex < w.FileIndex:
			// sealed segment fully consumed
			if err := l.advanceReader(); err != nil {
				return nil, err
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: short record at %s", ErrCorrupt, l.rcur)
		default:
			return nil, err
		}

		req, err := request.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		l.rcur.Offset += size
		l.rcur.Count++
		l.publishRead()
		return req, nil
	}
}

func (l *Log) advanceReader() error {
	next := l.rcur.FileIndex + 1
	f, err := os.Open(segmentName(l.dir, next))
	if err != nil {
		return fmt.Errorf("open segment %d: %w", next, err)
	}
	if err := l.rfile.Close(); err != nil {
		slog.Warn("failed to close consumed segment", "segment", l.rfile.Name(), "error", err)
	}

	l.rfile = f
	l.rcur = Cursor{FileIndex: next}
	l.publishRead()
	return nil
}

// SaveReadCursor persists the reader position so that a restart resumes
// after the last request the consumer has accepted.
func (l *Log) SaveReadCursor() error {
	data, err := json.Marshal(l.rcur)
	if err != nil {
		return fmt.Errorf("marshal read cursor: %w", err)
	}

	path := filepath.Join(l.dir, posFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write read cursor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace read cursor: %w", err)
	}
	return nil
}

func (l *Log) loadReadCursor() (Cursor, bool, error) {
	var cur Cursor

	data, err := os.ReadFile(filepath.Join(l.dir, posFile))
	if err != nil {
		if os.IsNotExist(err) {
			return cur, false, nil
		}
		return cur, false, fmt.Errorf("read cursor file: %w", err)
	}
	if err := json.Unmarshal(data, &cur); err != nil {
		return cur, false, fmt.Errorf("%w: read cursor file: %v", ErrCorrupt, err)
	}
	return cur, true, nil
}

func (l *Log) WriteCursor() Cursor {
	return *l.wpub.Load()
}

func (l *Log) ReadCursor() Cursor {
	return *l.rpub.Load()
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) publishWrite() {
	c := l.wcur
	l.wpub.Store(&c)
}

func (l *Log) publishRead() {
	c := l.rcur
	l.rpub.Store(&c)
}

// Close syncs and releases both segment handles. Callers must have stopped
// the writer and the reader first.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := l.wfile.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync write segment: %w", err))
	}
	if err := l.wfile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close write segment: %w", err))
	}
	if err := l.rfile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close read segment: %w", err))
	}
	return errors.Join(errs...)
}
