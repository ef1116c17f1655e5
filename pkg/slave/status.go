package slave

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	statusKeyPrefix       = "slave.status."
	legacyStatusKeyPrefix = "new.slave.status|"
)

// Cursor is the slave's position in the master's stream. LastKey is set
// only while a COPY is in progress.
type Cursor struct {
	LastSeq   uint64
	LastKey   string
	CopyCount uint64
	SyncCount uint64
}

// checkpoint is the persisted part of a Cursor.
type checkpoint struct {
	LastSeq uint64 `msgpack:"last_seq"`
	LastKey string `msgpack:"last_key"`
}

// MetaStorage is where checkpoints live. It is usually a store separate
// from the replicated data.
type MetaStorage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Del(key string) error
}

// Checkpoints persists the cursor of one source under a fixed key.
type Checkpoints struct {
	meta MetaStorage
	id   string
}

func NewCheckpoints(meta MetaStorage, id string) *Checkpoints {
	return &Checkpoints{meta: meta, id: id}
}

func (c *Checkpoints) Key() string {
	return statusKeyPrefix + c.id
}

func (c *Checkpoints) legacyKey() string {
	return legacyStatusKeyPrefix + c.id
}

// Load returns the saved cursor. found is false when nothing was saved
// for this source yet.
func (c *Checkpoints) Load() (cur Cursor, found bool, err error) {
	raw, ok, err := c.meta.Get(c.Key())
	if err != nil {
		return cur, false, fmt.Errorf("load checkpoint %s: %w", c.Key(), err)
	}
	if !ok {
		return cur, false, nil
	}

	var cp checkpoint
	if err := msgpack.Unmarshal([]byte(raw), &cp); err != nil {
		return cur, false, fmt.Errorf("decode checkpoint %s: %w", c.Key(), err)
	}
	return Cursor{LastSeq: cp.LastSeq, LastKey: cp.LastKey}, true, nil
}

func (c *Checkpoints) Save(cur Cursor) error {
	data, err := msgpack.Marshal(checkpoint{LastSeq: cur.LastSeq, LastKey: cur.LastKey})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := c.meta.Set(c.Key(), string(data)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.Key(), err)
	}
	return nil
}

func (c *Checkpoints) Delete() error {
	if err := c.meta.Del(c.Key()); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", c.Key(), err)
	}
	return nil
}

var errLegacyStatus = errors.New("slave: malformed legacy status")

// Migrate moves a status written in the old layout (8 byte little endian
// seq followed by the key) to the current key. It runs once: the old key
// is removed after the new one has been written.
func (c *Checkpoints) Migrate() (bool, error) {
	raw, ok, err := c.meta.Get(c.legacyKey())
	if err != nil {
		return false, fmt.Errorf("read legacy status: %w", err)
	}
	if !ok {
		return false, nil
	}
	if len(raw) < 8 {
		return false, fmt.Errorf("%w: %d bytes under %s", errLegacyStatus, len(raw), c.legacyKey())
	}

	cur := Cursor{
		LastSeq: binary.LittleEndian.Uint64([]byte(raw[:8])),
		LastKey: raw[8:],
	}
	if err := c.Save(cur); err != nil {
		return false, err
	}
	if err := c.meta.Del(c.legacyKey()); err != nil {
		return false, fmt.Errorf("delete legacy status: %w", err)
	}

	slog.Info("migrated legacy slave status", "id", c.id, "last_seq", cur.LastSeq, "last_key", cur.LastKey)
	return true, nil
}
