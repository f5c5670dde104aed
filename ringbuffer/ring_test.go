package ringbuffer_test

import (
	"testing"

	"github.com/gontrandl/autoweave-core/ringbuffer"
	"github.com/stretchr/testify/require"
)

func TestRingFIFOOrder(t *testing.T) {
	r := ringbuffer.New[int](3)
	require.NoError(t, r.Push(1))
	require.NoError(t, r.Push(2))
	require.NoError(t, r.Push(3))

	require.ErrorIs(t, r.Push(4), ringbuffer.ErrOverflow)
	require.Equal(t, 3, r.Len())

	v, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.NoError(t, r.Push(4))
	v, ok = r.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestRingDrainAll(t *testing.T) {
	r := ringbuffer.New[string](4)
	require.NoError(t, r.Push("a"))
	require.NoError(t, r.Push("b"))

	drained := r.DrainAll()
	require.Equal(t, []string{"a", "b"}, drained)
	require.Equal(t, 0, r.Len())

	_, ok := r.Pop()
	require.False(t, ok)
}

func TestRingWrapAround(t *testing.T) {
	r := ringbuffer.New[int](2)
	require.NoError(t, r.Push(1))
	require.NoError(t, r.Push(2))
	_, _ = r.Pop()
	require.NoError(t, r.Push(3))

	v, ok := r.Peek()
	require.True(t, ok)
	require.Equal(t, 2, v)
}
