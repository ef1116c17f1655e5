// Package link is the message-oriented connection between a slave and its
// master. Every message is a list of byte fields sent as one frame:
// a 4 byte big-endian length followed by the msgpack encoding of the list.
package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const MaxFrameSize = 64 << 20

var (
	ErrTimeout       = errors.New("link: receive timeout")
	ErrClosed        = errors.New("link: closed")
	ErrFrameTooLarge = errors.New("link: frame too large")
)

type Link struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	// partially received frame, kept across receive timeouts
	hdr   [4]byte
	hdrN  int
	body  []byte
	bodyN int

	closeOnce sync.Once
}

// Dial connects to addr. timeout bounds the TCP handshake only.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Link, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return New(conn), nil
}

func New(conn net.Conn) *Link {
	return &Link{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// Send writes one message and flushes it.
func (l *Link) Send(fields [][]byte) error {
	payload, err := msgpack.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := l.w.Write(hdr[:]); err != nil {
		return l.wrap("send", err)
	}
	if _, err := l.w.Write(payload); err != nil {
		return l.wrap("send", err)
	}
	if err := l.w.Flush(); err != nil {
		return l.wrap("send", err)
	}
	return nil
}

// SendStrings is a convenience for control messages.
func (l *Link) SendStrings(fields ...string) error {
	b := make([][]byte, len(fields))
	for i, f := range fields {
		b[i] = []byte(f)
	}
	return l.Send(b)
}

// Recv blocks for at most timeout waiting for the next message. On
// ErrTimeout any partially received frame is kept and completed by the
// next call. A non-positive timeout blocks until a message or an error.
func (l *Link) Recv(timeout time.Duration) ([][]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return nil, l.wrap("recv", err)
	}

	for l.hdrN < len(l.hdr) {
		n, err := l.r.Read(l.hdr[l.hdrN:])
		l.hdrN += n
		if err != nil {
			return nil, l.wrap("recv", err)
		}
	}

	if l.body == nil {
		size := binary.BigEndian.Uint32(l.hdr[:])
		if size > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		l.body = make([]byte, size)
		l.bodyN = 0
	}
	for l.bodyN < len(l.body) {
		n, err := l.r.Read(l.body[l.bodyN:])
		l.bodyN += n
		if err != nil {
			return nil, l.wrap("recv", err)
		}
	}

	payload := l.body
	l.hdrN, l.body, l.bodyN = 0, nil, 0

	var fields [][]byte
	if err := msgpack.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return fields, nil
}

// Close closes the connection. Closing an already closed link returns nil.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

func (l *Link) wrap(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%s: %w", op, ErrClosed)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%s: peer closed: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
