package processional

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Registry(t *testing.T) {
	t.Run("builtin codecs", func(t *testing.T) {
		r := NewCodecRegistry()
		assert.Equal(t, []string{CodecCBOR, CodecJSON, CodecMsgpack}, r.Names())
	})

	t.Run("lookup", func(t *testing.T) {
		c, err := LookupCodec("")
		require.NoError(t, err)
		assert.Equal(t, CodecMsgpack, c.Name())

		c, err = LookupCodec(CodecCBOR)
		require.NoError(t, err)
		assert.Equal(t, CodecCBOR, c.Name())

		_, err = LookupCodec("yaml")
		assert.Error(t, err)
	})
}

func TestCodec_Values(t *testing.T) {
	type point struct {
		X int    `msgpack:"x" json:"x" cbor:"x"`
		Y int    `msgpack:"y" json:"y" cbor:"y"`
		L string `msgpack:"l" json:"l" cbor:"l"`
	}

	cbor, err := CBORCodec()
	require.NoError(t, err)
	codecs := []Codec{MsgpackCodec(), cbor, JSONCodec()}

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := encodeValue(c, point{X: 1, Y: -2, L: "p"})
			require.NoError(t, err)
			var p point
			require.NoError(t, decodeValue(c, data, &p))
			assert.Equal(t, point{X: 1, Y: -2, L: "p"}, p)

			args, err := encodeArgs(c, []any{3, "x"})
			require.NoError(t, err)
			require.Len(t, args, 2)
			var n int
			require.NoError(t, decodeValue(c, args[0], &n))
			assert.Equal(t, 3, n)

			kwargs, err := encodeKwargs(c, map[string]any{"x": 5})
			require.NoError(t, err)
			require.NoError(t, decodeValue(c, kwargs, &p))
			assert.Equal(t, 5, p.X)
		})
	}

	t.Run("unserializable value", func(t *testing.T) {
		_, err := encodeValue(JSONCodec(), make(chan int))
		assert.ErrorIs(t, err, ErrUnserializable)

		_, err = encodeArgs(MsgpackCodec(), []any{1, func() {}})
		assert.ErrorIs(t, err, ErrUnserializable)
		assert.Contains(t, err.Error(), "argument 1")
	})

	t.Run("corrupt value", func(t *testing.T) {
		var n int
		err := decodeValue(JSONCodec(), []byte("{"), &n)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("empty args encode to nil", func(t *testing.T) {
		args, err := encodeArgs(MsgpackCodec(), nil)
		require.NoError(t, err)
		assert.Nil(t, args)
		kwargs, err := encodeKwargs(MsgpackCodec(), nil)
		require.NoError(t, err)
		assert.Nil(t, kwargs)
	})
}
