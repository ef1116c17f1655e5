package store

import (
	"fmt"
	"log/slog"
	"sync"

	"kvrepl/pkg/clock"
	"kvrepl/pkg/dberrors"
	"kvrepl/pkg/memtable"
	"kvrepl/pkg/request"
	"kvrepl/pkg/types"
	"kvrepl/pkg/wal"
)

type iJournal interface {
	Append(e wal.Entry) error
	Replay(start types.SeqN, callback func(wal.Entry) error) error
	Close() error
}

type iClock interface {
	Val() types.SeqN
	Next() types.SeqN
	Observe(t types.SeqN)
}

// Config is the subset of storage settings the store needs.
type Config struct {
	DataDir       string
	SyncWrites    bool
	MaxEntryBytes uint64
}

// Store is the local storage engine the slave applies replicated
// mutations to. Every write is journaled before it becomes visible.
type Store struct {
	jr      iJournal
	seqN    iClock
	mt      *memtable.Memtable
	dataDir string

	// serializes journal order with memtable order
	writeMu sync.Mutex
	closed  bool
}

func New(cfg Config) (*Store, error) {
	journal, err := wal.New(cfg.DataDir, cfg.SyncWrites)
	if err != nil {
		return nil, err
	}

	store := &Store{
		jr:      journal,
		mt:      memtable.New(cfg.MaxEntryBytes),
		seqN:    clock.NewAtomic(0),
		dataDir: cfg.DataDir,
	}

	if err := store.restoreFromJournal(); err != nil {
		_ = journal.Close()
		return nil, err
	}
	slog.Debug("store opened", "dir", cfg.DataDir, "keys", store.mt.Len(), "seq", store.seqN.Val())

	return store, nil
}

func (s *Store) restoreFromJournal() error {
	if s.jr == nil {
		return ErrWALNotInitialized
	}

	return s.jr.Replay(0, func(entry wal.Entry) error {
		s.seqN.Observe(entry.SeqNum)
		return s.mt.Upsert(entry.Key, entry.Value, entry.SeqNum, entry.Meta)
	})
}

func (s *Store) Set(key, value string) error {
	return s.put([]byte(key), []byte(value), InsertOp)
}

func (s *Store) Del(key string) error {
	return s.put([]byte(key), nil, DeleteOp)
}

// Apply executes one replicated request. Applying the same request twice
// leaves the store in the same state as applying it once.
func (s *Store) Apply(req request.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	switch req.Cmd() {
	case request.CmdSet:
		return s.put(req.Key(), req.Value(), InsertOp)
	case request.CmdDel:
		return s.put(req.Key(), nil, DeleteOp)
	}
	return fmt.Errorf("apply: %w", request.ErrUnknownCmd)
}

func (s *Store) put(key, val []byte, op Operation) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return dberrors.ErrClosed
	}

	entryID := s.seqN.Next()
	md := newMD(op)

	if err := s.jr.Append(wal.Entry{
		SeqNum: entryID,
		Key:    key,
		Value:  val,
		Meta:   uint64(md),
	}); err != nil {
		return fmt.Errorf("journal %q: %w", key, err)
	}

	return s.mt.Upsert(key, val, entryID, uint64(md))
}

func (s *Store) Get(key string) (string, bool, error) {
	item, ok := s.mt.Get([]byte(key))
	if !ok {
		return "", false, nil
	}
	if MD(item.Meta).operation() == DeleteOp {
		return "", false, nil
	}

	return string(item.Value), true, nil
}

// GetString returns the value stored under key, same as Get.
func (s *Store) GetString(key string) (string, bool, error) {
	return s.Get(key)
}

// Len counts live keys.
func (s *Store) Len() int {
	n := 0
	s.mt.Snapshot().Range(func(_ []byte, it memtable.Item) bool {
		if MD(it.Meta).operation() != DeleteOp {
			n++
		}
		return true
	})
	return n
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.jr.Close()
}
