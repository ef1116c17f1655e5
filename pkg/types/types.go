package types

// SeqN is a monotonically increasing sequence used for journal ordering.
type SeqN = uint64
