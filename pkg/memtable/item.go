package memtable

const (
	// ZeroMD marks a live value; any other meta is interpreted by the store.
	ZeroMD uint64 = 0
)

// Item is the latest version of a key.
type Item struct {
	Key   []byte
	Value []byte
	SeqN  uint64
	Meta  uint64
}
