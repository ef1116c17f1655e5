package reqlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvrepl/pkg/request"
)

func setReq(i int) request.Request {
	return request.NewSet([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%04d", i)))
}

func recordSize(t *testing.T, req request.Request) int64 {
	t.Helper()
	payload, err := request.Marshal(req)
	require.NoError(t, err)
	return headerSize + int64(len(payload))
}

func openLog(t *testing.T, dir string, max int64) *Log {
	t.Helper()
	l, err := Open(dir, max)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestProcAndRead(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)

	_, err := l.ReadReq()
	require.ErrorIs(t, err, ErrNoData)

	require.NoError(t, l.Proc(request.NewSet([]byte("a"), []byte("1"))))
	require.NoError(t, l.Proc(request.NewDel([]byte("a"))))

	got, err := l.ReadReq()
	require.NoError(t, err)
	assert.Equal(t, request.CmdSet, got.Cmd())
	assert.Equal(t, []byte("1"), got.Value())

	got, err = l.ReadReq()
	require.NoError(t, err)
	assert.Equal(t, request.CmdDel, got.Cmd())

	_, err = l.ReadReq()
	require.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, l.WriteCursor(), l.ReadCursor())
	assert.Equal(t, int64(2), l.ReadCursor().Count)
}

func TestRotationOncePerCrossing(t *testing.T) {
	dir := t.TempDir()
	size := recordSize(t, setReq(0))
	// three records fit, the fourth crosses the limit
	l := openLog(t, dir, 3*size+size/2)

	for i := 0; i < 10; i++ {
		before := l.WriteCursor()
		require.NoError(t, l.Proc(setReq(i)))
		after := l.WriteCursor()

		crossed := before.Offset+size > 3*size+size/2
		if crossed {
			require.Equal(t, before.FileIndex+1, after.FileIndex, "record %d", i)
			require.Equal(t, size, after.Offset)
		} else {
			require.Equal(t, before.FileIndex, after.FileIndex, "record %d", i)
		}
	}
	require.Equal(t, int64(3), l.WriteCursor().FileIndex)

	// every segment holds whole records only
	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2, 3}, segments)
	for _, idx := range segments {
		f, err := os.Open(segmentName(dir, idx))
		require.NoError(t, err)
		off, _, err := scanSegment(f, -1)
		require.ErrorIs(t, err, io.EOF)
		st, _ := f.Stat()
		require.Equal(t, st.Size(), off)
		_ = f.Close()
	}

	for i := 0; i < 10; i++ {
		got, err := l.ReadReq()
		require.NoError(t, err)
		require.Equal(t, setReq(i).Key(), got.Key())
	}
	_, err = l.ReadReq()
	require.ErrorIs(t, err, ErrNoData)
}

func TestOversizedRecordGetsOwnSegment(t *testing.T) {
	l := openLog(t, t.TempDir(), 16)

	require.NoError(t, l.Proc(setReq(1)))
	require.Equal(t, int64(0), l.WriteCursor().FileIndex)
	require.NoError(t, l.Proc(setReq(2)))
	require.Equal(t, int64(1), l.WriteCursor().FileIndex)
}

func TestReaderNeverOvertakesWriter(t *testing.T) {
	size := recordSize(t, setReq(0))
	l := openLog(t, t.TempDir(), 4*size)

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := l.Proc(setReq(i)); err != nil {
				t.Errorf("proc %d: %v", i, err)
				return
			}
		}
	}()

	read := 0
	for read < total {
		req, err := l.ReadReq()
		if errors.Is(err, ErrNoData) {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, setReq(read).Key(), req.Key())
		require.LessOrEqual(t, l.ReadCursor().Compare(l.WriteCursor()), 0)
		read++
	}
	wg.Wait()

	_, err := l.ReadReq()
	require.ErrorIs(t, err, ErrNoData)
}

func TestReopenResumesBothCursors(t *testing.T) {
	dir := t.TempDir()
	size := recordSize(t, setReq(0))

	l, err := Open(dir, 2*size)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Proc(setReq(i)))
	}
	for i := 0; i < 3; i++ {
		_, err := l.ReadReq()
		require.NoError(t, err)
	}
	require.NoError(t, l.SaveReadCursor())
	w, r := l.WriteCursor(), l.ReadCursor()
	require.NoError(t, l.Close())

	l = openLog(t, dir, 2*size)
	assert.Equal(t, w, l.WriteCursor())
	assert.Equal(t, r, l.ReadCursor())

	require.NoError(t, l.Proc(setReq(5)))
	for i := 3; i < 6; i++ {
		got, err := l.ReadReq()
		require.NoError(t, err)
		require.Equal(t, setReq(i).Key(), got.Key())
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, l.Proc(setReq(1)))
	good := l.WriteCursor()
	require.NoError(t, l.Close())

	f, err := os.OpenFile(segmentName(dir, 0), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{40, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openLog(t, dir, 0)
	require.Equal(t, good, l.WriteCursor())
	require.NoError(t, l.Proc(setReq(2)))

	for i := 1; i <= 2; i++ {
		got, err := l.ReadReq()
		require.NoError(t, err)
		require.Equal(t, setReq(i).Key(), got.Key())
	}
}

func TestCorruptReadCursor(t *testing.T) {
	tests := []struct {
		name string
		pos  string
	}{
		{name: "ahead of writer", pos: `{"file_index":0,"offset":100000,"count":0}`},
		{name: "missing segment", pos: `{"file_index":7,"offset":0,"count":0}`},
		{name: "inside a record", pos: `{"file_index":0,"offset":3,"count":0}`},
		{name: "garbage", pos: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			l, err := Open(dir, 0)
			require.NoError(t, err)
			require.NoError(t, l.Proc(setReq(1)))
			require.NoError(t, l.Close())

			require.NoError(t, os.WriteFile(filepath.Join(dir, posFile), []byte(tt.pos), 0600))

			_, err = Open(dir, 0)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Proc(setReq(1)))

	f, err := os.OpenFile(segmentName(dir, 0), os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, headerSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.ReadReq()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestInaccessibleDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain-file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := Open(filepath.Join(file, "sub"), 0)
	require.Error(t, err)
}

func TestClosed(t *testing.T) {
	l, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	require.ErrorIs(t, l.Proc(setReq(1)), ErrClosed)
	_, err = l.ReadReq()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCursorCompare(t *testing.T) {
	a := Cursor{FileIndex: 1, Offset: 10}
	assert.Equal(t, 0, a.Compare(Cursor{FileIndex: 1, Offset: 10, Count: 99}))
	assert.Equal(t, -1, a.Compare(Cursor{FileIndex: 1, Offset: 11}))
	assert.Equal(t, 1, a.Compare(Cursor{FileIndex: 0, Offset: 500}))
	assert.Equal(t, "1:10#0", a.String())
}
