package slave

import (
	"errors"
	"fmt"
)

// State is the replication phase of the slave. Exactly one state is
// current at any time.
type State int32

const (
	Disconnected State = iota
	Init
	Copy
	Sync
	OutOfSync
)

var ErrBadTransition = errors.New("slave: illegal state transition")

var stateNames = [...]string{
	Disconnected: "DISCONNECTED",
	Init:         "INIT",
	Copy:         "COPY",
	Sync:         "SYNC",
	OutOfSync:    "OUT_OF_SYNC",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// transitions lists the legal successors of every state. Moving to the
// current state is always allowed and is a no-op.
var transitions = map[State][]State{
	Disconnected: {Init},
	Init:         {Copy, Sync, OutOfSync, Disconnected},
	Copy:         {Sync, Disconnected},
	Sync:         {OutOfSync, Disconnected},
	OutOfSync:    {Init, Disconnected},
}

func (s State) CanTransition(to State) bool {
	if s == to {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return nil
}
