package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"kvrepl/pkg/dberrors"
	"kvrepl/pkg/types"
)

const fileName = "wal.log"

// Entry represents a single journaled mutation
type Entry struct {
	SeqNum types.SeqN
	Key    []byte
	Value  []byte
	Meta   uint64
}

// WAL is the storage engine's write-ahead journal. Append returns only
// after the entry has been flushed (and synced when Sync is on).
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
}

// New opens (creating if needed) the journal inside dir
func New(dir string, sync bool) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir: %w", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	if err := truncateTornTail(file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to repair WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     sync,
	}, nil
}

// truncateTornTail cuts a partially written trailing entry so that new
// appends start on an entry boundary.
func truncateTornTail(file *os.File) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(file)

	var valid int64
	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("truncating torn WAL tail", "path", file.Name(), "valid_bytes", valid)
				return file.Truncate(valid)
			}
			return err
		}
		valid += entrySize(entry)
	}
}

func entrySize(e Entry) int64 {
	return 16 + 4 + int64(len(e.Key)) + 4 + int64(len(e.Value))
}

func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return nil
}

// Replay feeds every entry with SeqNum >= start to callback, in journal order.
func (w *WAL) Replay(start types.SeqN, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)

	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("WAL has a torn tail entry, ignoring it", "path", w.filePath)
				break
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// entry layout: seq(8) meta(8) keyLen(4) key valueLen(4) value, little endian
func (w *WAL) writeEntry(entry Entry) error {
	if w.writer == nil {
		return dberrors.ErrClosed
	}

	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}

	var head [16]byte
	binary.LittleEndian.PutUint64(head[0:8], entry.SeqNum)
	binary.LittleEndian.PutUint64(head[8:16], entry.Meta)
	if _, err := w.writer.Write(head[:]); err != nil {
		return err
	}

	if err := writeChunk(w.writer, entry.Key); err != nil {
		return err
	}
	return writeChunk(w.writer, entry.Value)
}

func writeChunk(wr io.Writer, b []byte) error {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	if _, err := wr.Write(l[:]); err != nil {
		return err
	}
	_, err := wr.Write(b)
	return err
}

func readEntry(reader io.Reader) (Entry, error) {
	var (
		entry Entry
		head  [16]byte
	)

	n, err := io.ReadFull(reader, head[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return entry, io.EOF
		}
		return entry, io.ErrUnexpectedEOF
	}
	entry.SeqNum = binary.LittleEndian.Uint64(head[0:8])
	entry.Meta = binary.LittleEndian.Uint64(head[8:16])

	if entry.Key, err = readChunk(reader); err != nil {
		return entry, err
	}
	if entry.Value, err = readChunk(reader); err != nil {
		return entry, err
	}

	return entry, nil
}

func readChunk(reader io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(reader, l[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, binary.LittleEndian.Uint32(l[:]))
	if _, err := io.ReadFull(reader, b); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}
