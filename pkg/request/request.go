package request

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CmdSet = "set"
	CmdDel = "del"
)

var (
	ErrEmpty      = errors.New("empty request")
	ErrUnknownCmd = errors.New("unknown request command")
	ErrArity      = errors.New("wrong number of request fields")
)

// Request is one applied mutation: an ordered list of opaque fields,
// the first of which names the command.
type Request [][]byte

func NewSet(key, value []byte) Request {
	return Request{[]byte(CmdSet), key, value}
}

func NewDel(key []byte) Request {
	return Request{[]byte(CmdDel), key}
}

func (r Request) Cmd() string {
	if len(r) == 0 {
		return ""
	}
	return string(r[0])
}

func (r Request) Key() []byte {
	if len(r) < 2 {
		return nil
	}
	return r[1]
}

func (r Request) Value() []byte {
	if len(r) < 3 {
		return nil
	}
	return r[2]
}

// Validate checks the command name and arity.
func (r Request) Validate() error {
	if len(r) == 0 {
		return ErrEmpty
	}
	switch r.Cmd() {
	case CmdSet:
		if len(r) != 3 {
			return fmt.Errorf("%w: set wants 3, got %d", ErrArity, len(r))
		}
	case CmdDel:
		if len(r) != 2 {
			return fmt.Errorf("%w: del wants 2, got %d", ErrArity, len(r))
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCmd, r.Cmd())
	}
	return nil
}

// Size is the number of payload bytes carried by the request.
func (r Request) Size() int {
	n := 0
	for _, f := range r {
		n += len(f)
	}
	return n
}

func Marshal(r Request) ([]byte, error) {
	b, err := msgpack.Marshal([][]byte(r))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return b, nil
}

func Unmarshal(b []byte) (Request, error) {
	var fields [][]byte
	if err := msgpack.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return Request(fields), nil
}
