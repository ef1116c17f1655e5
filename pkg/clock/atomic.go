package clock

import (
	"sync/atomic"

	"kvrepl/pkg/types"
)

// AtomicClock hands out journal sequence numbers.
type AtomicClock struct {
	v atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.v.Store(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.v.Load()
}

func (ac *AtomicClock) Next() types.SeqN {
	return ac.v.Add(1)
}

// Observe moves the clock forward to t if t is ahead of it. Used while replaying.
func (ac *AtomicClock) Observe(t types.SeqN) {
	for {
		cur := ac.v.Load()
		if t <= cur || ac.v.CompareAndSwap(cur, t) {
			return
		}
	}
}
