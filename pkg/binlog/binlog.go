// Package binlog describes the records a master streams to its slaves.
//
// A master frame carries the encoded Binlog in its first field and, for
// KSET records, the value in its second field.
package binlog

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type Type uint8

const (
	TypeNoop Type = iota
	TypeSync
	TypeMirror
	TypeCopy
	TypeCtrl
)

func (t Type) String() string {
	switch t {
	case TypeNoop:
		return "noop"
	case TypeSync:
		return "sync"
	case TypeMirror:
		return "mirror"
	case TypeCopy:
		return "copy"
	case TypeCtrl:
		return "ctrl"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type Cmd uint8

const (
	CmdNone Cmd = iota
	CmdKSet
	CmdKDel
	CmdBegin
	CmdEnd
)

func (c Cmd) String() string {
	switch c {
	case CmdNone:
		return "none"
	case CmdKSet:
		return "set"
	case CmdKDel:
		return "del"
	case CmdBegin:
		return "begin"
	case CmdEnd:
		return "end"
	default:
		return fmt.Sprintf("cmd(%d)", uint8(c))
	}
}

// CtrlOutOfSync is the key of a CTRL record telling the slave its cursor expired.
const CtrlOutOfSync = "OUT_OF_SYNC"

var ErrMalformed = errors.New("malformed binlog")

type Binlog struct {
	Seq  uint64 `msgpack:"seq"`
	Type Type   `msgpack:"type"`
	Cmd  Cmd    `msgpack:"cmd"`
	Key  []byte `msgpack:"key"`
}

func New(seq uint64, t Type, cmd Cmd, key []byte) Binlog {
	return Binlog{Seq: seq, Type: t, Cmd: cmd, Key: key}
}

func (b Binlog) String() string {
	return fmt.Sprintf("%d %s %s %q", b.Seq, b.Type, b.Cmd, b.Key)
}

func Encode(b Binlog) ([]byte, error) {
	data, err := msgpack.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("encode binlog: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Binlog, error) {
	var b Binlog
	if len(data) == 0 {
		return b, ErrMalformed
	}
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// Frame builds the master frame for b. value is only sent for KSET.
func Frame(b Binlog, value []byte) ([][]byte, error) {
	head, err := Encode(b)
	if err != nil {
		return nil, err
	}
	if b.Cmd == CmdKSet {
		return [][]byte{head, value}, nil
	}
	return [][]byte{head}, nil
}
