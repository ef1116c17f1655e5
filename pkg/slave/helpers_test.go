package slave

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvrepl/internal/config"
	"kvrepl/pkg/binlog"
	"kvrepl/pkg/link"
	"kvrepl/pkg/reqlog"
	"kvrepl/pkg/request"
)

const waitFor = 3 * time.Second

// memStore is a map backed storage usable both as data and as meta store.
type memStore struct {
	mu sync.Mutex
	kv map[string]string
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string]string)}
}

func (m *memStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) Del(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.kv)
}

func (m *memStore) Apply(req request.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Cmd() == request.CmdSet {
		return m.Set(string(req.Key()), string(req.Value()))
	}
	return m.Del(string(req.Key()))
}

type resolverFunc func(ctx context.Context) (string, error)

func (f resolverFunc) Master(ctx context.Context) (string, error) {
	return f(ctx)
}

func static(addr string) Resolver {
	return resolverFunc(func(context.Context) (string, error) { return addr, nil })
}

// collectSink records delivered requests and fails the first failN writes.
type collectSink struct {
	mu    sync.Mutex
	reqs  []request.Request
	failN int
}

func (c *collectSink) Write(_ context.Context, req request.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failN > 0 {
		c.failN--
		return errors.New("downstream unavailable")
	}
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *collectSink) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.reqs))
	for i, r := range c.reqs {
		keys[i] = r.Cmd() + ":" + string(r.Key())
	}
	return keys
}

// fakeMaster accepts slave connections and hands them to the test.
type fakeMaster struct {
	l     net.Listener
	conns chan *link.Link
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeMaster{l: l, conns: make(chan *link.Link, 8)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			m.conns <- link.New(conn)
		}
	}()
	t.Cleanup(func() { _ = l.Close() })
	return m
}

func (m *fakeMaster) addr() string {
	return m.l.Addr().String()
}

func (m *fakeMaster) accept(t *testing.T) *link.Link {
	t.Helper()
	select {
	case ln := <-m.conns:
		t.Cleanup(func() { _ = ln.Close() })
		return ln
	case <-time.After(waitFor):
		t.Fatal("slave did not connect")
		return nil
	}
}

func recvStrings(t *testing.T, ln *link.Link) []string {
	t.Helper()
	frame, err := ln.Recv(waitFor)
	require.NoError(t, err)
	out := make([]string, len(frame))
	for i, f := range frame {
		out[i] = string(f)
	}
	return out
}

func expectHandshake(t *testing.T, ln *link.Link, seq, key, typ string) {
	t.Helper()
	require.Equal(t, []string{"sync140", seq, key, typ}, recvStrings(t, ln))
}

func send(t *testing.T, ln *link.Link, seq uint64, typ binlog.Type, cmd binlog.Cmd, key, value string) {
	t.Helper()
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	frame, err := binlog.Frame(binlog.New(seq, typ, cmd, k), []byte(value))
	require.NoError(t, err)
	require.NoError(t, ln.Send(frame))
}

func testConfig(t *testing.T) config.SlaveConfig {
	cfg := config.Default().Slave
	cfg.ID = "master-1"
	cfg.WorkDir = t.TempDir()
	cfg.UseReqlog = true
	cfg.RecvTimeout = 20 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryMax = 40 * time.Millisecond
	cfg.OutOfSyncDelay = 10 * time.Millisecond
	cfg.CheckpointInterval = 50 * time.Millisecond
	cfg.DrainInterval = 10 * time.Millisecond
	return cfg
}

func startSlave(t *testing.T, s *Slave) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
}

func waitState(t *testing.T, s *Slave, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().State == want },
		waitFor, 5*time.Millisecond, "state %s, want %s", s.Stats().State, want)
}

// flakyStore fails the next failN applies.
type flakyStore struct {
	*memStore
	fmu   sync.Mutex
	failN int
}

func (f *flakyStore) failNext(n int) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.failN = n
}

func (f *flakyStore) Apply(req request.Request) error {
	f.fmu.Lock()
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	f.fmu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.memStore.Apply(req)
}

func (s *Slave) requestLog() *reqlog.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rl
}
