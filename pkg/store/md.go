package store

type Operation uint8

const (
	InsertOp Operation = iota
	DeleteOp
)

// MD is the journal/memtable metadata word: operation in the low byte.
type MD uint64

func newMD(op Operation) MD {
	return MD(uint64(op))
}

func (md MD) operation() Operation {
	return Operation(uint64(md) & 0xff)
}
