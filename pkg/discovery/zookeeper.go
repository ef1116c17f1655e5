package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	State() zk.State
	Close()
}

// ZK resolves the master from the data of <root>/master and registers the
// slave as the ephemeral node <root>/slaves/<id>.
type ZK struct {
	conn zkConn
	root string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZK(servers []string, root string, sessionTimeout time.Duration) (*ZK, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZK(conn, root), nil
}

func newZK(conn zkConn, root string) *ZK {
	return &ZK{conn: conn, root: cleanRoot(root)}
}

func cleanRoot(root string) string {
	return path.Clean("/" + strings.Trim(root, "/"))
}

func (z *ZK) MasterPath() string {
	return path.Join(z.root, "master")
}

func (z *ZK) SlavePath(id string) string {
	return path.Join(z.root, "slaves", id)
}

func (z *ZK) Close() error {
	z.conn.Close()
	return nil
}

// Master returns the address currently published by the master.
func (z *ZK) Master(ctx context.Context) (string, error) {
	if err := z.waitConnected(ctx); err != nil {
		return "", err
	}
	data, _, err := z.conn.Get(z.MasterPath())
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return "", fmt.Errorf("%w: %s does not exist", ErrNoMaster, z.MasterPath())
		}
		return "", fmt.Errorf("zk get %s: %w", z.MasterPath(), err)
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoMaster, z.MasterPath())
	}
	return addr, nil
}

// Register creates the ephemeral node announcing this slave. addr is
// stored as the node data.
func (z *ZK) Register(ctx context.Context, id, addr string) error {
	if err := z.waitConnected(ctx); err != nil {
		return err
	}
	if err := z.ensurePath(path.Join(z.root, "slaves")); err != nil {
		return fmt.Errorf("ensure slaves path: %w", err)
	}

	nodePath := z.SlavePath(id)
	_, err := z.conn.Create(nodePath, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered slave in zookeeper", "path", nodePath, "addr", addr)
	return nil
}

func (z *ZK) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (z *ZK) waitConnected(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		st := z.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		}
	}
}
