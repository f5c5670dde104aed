package stream

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/usbdevice"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAssignsIncreasingSequence(t *testing.T) {
	s := openTestStore(t)

	events := []StreamEvent{
		FromObserverEvent(usbdevice.Event{Action: usbdevice.ActionAttach, Info: usbdevice.Info{Signature: "a"}}),
		FromObserverEvent(usbdevice.Event{Action: usbdevice.ActionAttach, Info: usbdevice.Info{Signature: "b"}}),
	}
	require.NoError(t, s.Append(events))
	require.Equal(t, uint64(1), events[0].Sequence)
	require.Equal(t, uint64(2), events[1].Sequence)

	latest, err := s.LatestSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest)
}

func TestStoreReadFromReplaysInOrder(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		ev := FromObserverEvent(usbdevice.Event{Action: usbdevice.ActionAttach, Info: usbdevice.Info{Signature: "dev"}})
		require.NoError(t, s.Append([]StreamEvent{ev}))
	}

	all, err := s.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		require.Equal(t, uint64(i+1), ev.Sequence)
	}

	partial, err := s.ReadFrom(3)
	require.NoError(t, err)
	require.Len(t, partial, 2)
	require.Equal(t, uint64(4), partial[0].Sequence)
}

func TestStoreReadFromEmptyStream(t *testing.T) {
	s := openTestStore(t)
	all, err := s.ReadFrom(0)
	require.NoError(t, err)
	require.Empty(t, all)

	latest, err := s.LatestSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(0), latest)
}
