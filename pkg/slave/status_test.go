package slave

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyStatus(seq uint64, key string) string {
	buf := make([]byte, 8, 8+len(key))
	binary.LittleEndian.PutUint64(buf, seq)
	return string(append(buf, key...))
}

func TestCheckpointRoundTrip(t *testing.T) {
	tests := []Cursor{
		{},
		{LastSeq: 1},
		{LastSeq: 1 << 62, LastKey: "user:42"},
		{LastSeq: 7, LastKey: "\x00binary\xff"},
	}

	for _, want := range tests {
		cp := NewCheckpoints(newMemStore(), "src")
		require.NoError(t, cp.Save(want))

		got, found, err := cp.Load()
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want.LastSeq, got.LastSeq)
		assert.Equal(t, want.LastKey, got.LastKey)
	}
}

func TestCheckpointCountersAreNotPersisted(t *testing.T) {
	cp := NewCheckpoints(newMemStore(), "src")
	require.NoError(t, cp.Save(Cursor{LastSeq: 3, CopyCount: 10, SyncCount: 20}))

	got, _, err := cp.Load()
	require.NoError(t, err)
	assert.Equal(t, Cursor{LastSeq: 3}, got)
}

func TestCheckpointKeyPerSource(t *testing.T) {
	meta := newMemStore()
	a, b := NewCheckpoints(meta, "a"), NewCheckpoints(meta, "b")
	assert.Equal(t, "slave.status.a", a.Key())

	require.NoError(t, a.Save(Cursor{LastSeq: 1}))
	_, found, err := b.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckpointCorrupt(t *testing.T) {
	meta := newMemStore()
	require.NoError(t, meta.Set("slave.status.src", "\xc1"))

	_, _, err := NewCheckpoints(meta, "src").Load()
	require.Error(t, err)
}

func TestMigrateLegacyStatus(t *testing.T) {
	meta := newMemStore()
	require.NoError(t, meta.Set("new.slave.status|src", legacyStatus(12345, "last")))
	cp := NewCheckpoints(meta, "src")

	migrated, err := cp.Migrate()
	require.NoError(t, err)
	assert.True(t, migrated)

	got, found, err := cp.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Cursor{LastSeq: 12345, LastKey: "last"}, got)

	_, ok, _ := meta.Get("new.slave.status|src")
	assert.False(t, ok, "legacy key is removed")

	// a second run finds nothing to do
	migrated, err = cp.Migrate()
	require.NoError(t, err)
	assert.False(t, migrated)
}

func TestMigrateLegacyStatusTooShort(t *testing.T) {
	meta := newMemStore()
	require.NoError(t, meta.Set("new.slave.status|src", "abc"))

	_, err := NewCheckpoints(meta, "src").Migrate()
	require.ErrorIs(t, err, errLegacyStatus)

	_, ok, _ := meta.Get("new.slave.status|src")
	assert.True(t, ok, "malformed legacy status is left for inspection")
}
