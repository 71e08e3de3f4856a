package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextCyclesModuloN(t *testing.T) {
	m := NewMultiplexer(5)
	var got []ID
	for i := 0; i < 12; i++ {
		got = append(got, m.Next())
	}
	require.Equal(t, []ID{0, 1, 2, 3, 4, 0, 1, 2, 3, 4, 0, 1}, got)
}

func TestDefaultCount(t *testing.T) {
	for _, n := range []int{0, -3} {
		m := NewMultiplexer(n)
		require.Equal(t, DefaultCount, m.Count())
	}
}

func TestSingleStream(t *testing.T) {
	m := NewMultiplexer(1)
	for i := 0; i < 4; i++ {
		require.Equal(t, ID(0), m.Next())
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	m := NewMultiplexer(3)
	require.Equal(t, ID(0), m.Peek())
	require.Equal(t, ID(0), m.Peek())
	require.Equal(t, ID(0), m.Next())
	require.Equal(t, ID(1), m.Peek())
}
