package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

// Memtable is the ordered in-memory table behind the store. It never
// rotates: the journal is the only durable copy of its contents.
type Memtable struct {
	maxEntryBytes uint64
	size          atomic.Uint64

	underlying *concurrentSet
}

func New(maxEntryBytes uint64) *Memtable {
	return &Memtable{
		maxEntryBytes: maxEntryBytes,
		underlying: skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (mt *Memtable) Get(k []byte) (Item, bool) {
	return mt.underlying.Load(k)
}

// Upsert stores the item unless a newer sequence number is already present
// for the key, so replaying the same mutation twice is harmless.
func (mt *Memtable) Upsert(k, value []byte, seqN, meta uint64) error {
	const (
		mdSize   = 8
		seqNSize = 8
	)

	entSize := uint64(len(k)) + uint64(len(value)) + seqNSize + mdSize
	if mt.maxEntryBytes > 0 && entSize > mt.maxEntryBytes {
		return ErrTooLargeEntry
	}

	if old, ok := mt.underlying.Load(k); ok {
		if old.SeqN > seqN {
			return nil
		}
		oldSize := uint64(len(old.Key)) + uint64(len(old.Value)) + seqNSize + mdSize
		mt.size.Add(^(oldSize - 1))
	}

	mt.underlying.Store(k, Item{
		Key:   k,
		Value: value,
		SeqN:  seqN,
		Meta:  meta,
	})
	mt.size.Add(entSize)

	return nil
}

func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

// ApproximateSize is the number of bytes held by keys, values and metadata.
func (mt *Memtable) ApproximateSize() uint64 {
	return mt.size.Load()
}

func (mt *Memtable) Snapshot() SortedSet {
	return &sortedSet{mt.underlying}
}
