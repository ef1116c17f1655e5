package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeZK struct {
	mu    sync.Mutex
	nodes map[string][]byte
	flags map[string]int32
	state zk.State
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes: map[string][]byte{},
		flags: map[string]int32{},
		state: zk.StateHasSession,
	}
}

func (f *fakeZK) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeZK) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	f.nodes[p] = data
	f.flags[p] = flags
	return p, nil
}

func (f *fakeZK) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (f *fakeZK) State() zk.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeZK) Close() {}

func TestStatic(t *testing.T) {
	addr, err := Static("10.0.0.1:8888").Master(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8888", addr)

	_, err = Static("").Master(context.Background())
	require.ErrorIs(t, err, ErrNoMaster)
}

func TestZKPaths(t *testing.T) {
	for _, root := range []string{"/kvrepl", "kvrepl", "/kvrepl/", "kvrepl//"} {
		z := newZK(newFakeZK(), root)
		assert.Equal(t, "/kvrepl/master", z.MasterPath())
		assert.Equal(t, "/kvrepl/slaves/s1", z.SlavePath("s1"))
	}
}

func TestZKMaster(t *testing.T) {
	conn := newFakeZK()
	z := newZK(conn, "/kvrepl")

	_, err := z.Master(context.Background())
	require.ErrorIs(t, err, ErrNoMaster)

	conn.nodes["/kvrepl/master"] = []byte(" \n")
	_, err = z.Master(context.Background())
	require.ErrorIs(t, err, ErrNoMaster)

	conn.nodes["/kvrepl/master"] = []byte("10.0.0.2:8888\n")
	addr, err := z.Master(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8888", addr)
}

func TestZKRegister(t *testing.T) {
	conn := newFakeZK()
	z := newZK(conn, "/a/b")

	require.NoError(t, z.Register(context.Background(), "s1", "10.0.0.3:8080"))
	// registering again after a reconnect is fine
	require.NoError(t, z.Register(context.Background(), "s1", "10.0.0.3:8080"))

	for _, p := range []string{"/a", "/a/b", "/a/b/slaves"} {
		_, ok := conn.nodes[p]
		assert.True(t, ok, p)
		assert.Zero(t, conn.flags[p], p)
	}
	assert.Equal(t, []byte("10.0.0.3:8080"), conn.nodes["/a/b/slaves/s1"])
	assert.Equal(t, int32(zk.FlagEphemeral), conn.flags["/a/b/slaves/s1"])
}

func TestZKWaitsForSession(t *testing.T) {
	conn := newFakeZK()
	conn.state = zk.StateConnecting
	z := newZK(conn, "/kvrepl")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := z.Master(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
