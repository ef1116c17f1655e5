package request

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "set", req: NewSet([]byte("a"), []byte("1"))},
		{name: "del", req: NewDel([]byte("a"))},
		{name: "empty", req: Request{}, wantErr: ErrEmpty},
		{name: "short set", req: Request{[]byte("set"), []byte("a")}, wantErr: ErrArity},
		{name: "long del", req: Request{[]byte("del"), []byte("a"), []byte("b")}, wantErr: ErrArity},
		{name: "unknown", req: Request{[]byte("incr"), []byte("a")}, wantErr: ErrUnknownCmd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestAccessors(t *testing.T) {
	r := NewSet([]byte("k"), []byte("vv"))
	assert.Equal(t, CmdSet, r.Cmd())
	assert.Equal(t, []byte("k"), r.Key())
	assert.Equal(t, []byte("vv"), r.Value())
	assert.Equal(t, 6, r.Size())

	d := NewDel([]byte("k"))
	assert.Nil(t, d.Value())
	assert.Equal(t, "", Request(nil).Cmd())
}

func TestMarshalKeepsEmptyFields(t *testing.T) {
	in := NewSet([]byte("k"), []byte{})
	b, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(b)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, CmdSet, out.Cmd())
	require.Empty(t, out.Value())
}
