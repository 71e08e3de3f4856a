package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, float64(1), out["a"])
	require.Equal(t, "x", out["b"])
}

func TestCBORCodec(t *testing.T) {
	c, err := CBOR()
	require.NoError(t, err)
	in := map[string]any{"n": 42, "kind": "matched"}
	b, err := c.Marshal(in)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	require.EqualValues(t, 42, out["n"])
	require.Equal(t, "matched", out["kind"])
}

func TestProtoCodecMessage(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	require.NoError(t, err)
	b, err := c.Marshal(s)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, "v", out.Fields["k"].GetStringValue())
}

func TestProtoCodecMap(t *testing.T) {
	c := Proto()
	b, err := c.Marshal(map[string]any{"stream": float64(3), "kind": "send"})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, float64(3), out["stream"])
	require.Equal(t, "send", out["kind"])
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	for _, key := range []string{"json", "cbor", "proto", "application/cbor", " JSON "} {
		_, err := r.Lookup(key)
		require.NoError(t, err, key)
	}
	_, err = r.Lookup("xml")
	require.Error(t, err)
}
