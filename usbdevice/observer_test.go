package usbdevice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gontrandl/autoweave-core/internal/clock"
)

type fakeExtractor struct {
	calls int
	info  Info
	err   error
}

func (f *fakeExtractor) Extract(sysPath string, busNumber, deviceAddress int) (Info, error) {
	f.calls++
	info := f.info
	info.BusNumber = busNumber
	info.DeviceAddress = deviceAddress
	info.PortPath = sysPath
	return info, f.err
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observer event")
		return Event{}
	}
}

func TestObserverEnumeratesOnStart(t *testing.T) {
	backend := NewFakeBackend(RawEvent{Action: ActionAttach, BusNumber: 1, DeviceAddress: 4, SysPath: "/sys/bus/usb/devices/1-4"})
	extractor := &fakeExtractor{info: Info{VendorID: 0x1234, ProductID: 0x5678}}
	obs := NewObserver(backend, extractor, 0, WithClock(clock.NewFake(time.Unix(0, 0))))

	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	ev := waitForEvent(t, obs.Events())
	require.Equal(t, ActionAttach, ev.Action)
	require.Equal(t, uint16(0x1234), ev.Info.VendorID)
	require.NotEmpty(t, ev.Info.Signature)
}

func TestObserverEmitsLiveAttachAndDetach(t *testing.T) {
	backend := NewFakeBackend()
	extractor := &fakeExtractor{info: Info{VendorID: 0x1111, ProductID: 0x2222}}
	fc := clock.NewFake(time.Unix(0, 0))
	obs := NewObserver(backend, extractor, 0, WithClock(fc))

	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	backend.Emit(RawEvent{Action: ActionAttach, BusNumber: 2, DeviceAddress: 7, SysPath: "/sys/a"})
	attach := waitForEvent(t, obs.Events())
	require.Equal(t, ActionAttach, attach.Action)
	require.Equal(t, 1, extractor.calls)

	backend.Emit(RawEvent{Action: ActionDetach, BusNumber: 2, DeviceAddress: 7, SysPath: "/sys/a"})
	detach := waitForEvent(t, obs.Events())
	require.Equal(t, ActionDetach, detach.Action)
	require.Equal(t, attach.Info.Signature, detach.Info.Signature)
	// The detach should be served from the cache, not a fresh extraction.
	require.Equal(t, 1, extractor.calls)
}

func TestObserverDetachPastTTLReextracts(t *testing.T) {
	backend := NewFakeBackend()
	extractor := &fakeExtractor{info: Info{VendorID: 0x1111, ProductID: 0x2222}}
	fc := clock.NewFake(time.Unix(0, 0))
	obs := NewObserver(backend, extractor, 0, WithClock(fc), WithCacheTTL(time.Second))

	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	backend.Emit(RawEvent{Action: ActionAttach, BusNumber: 3, DeviceAddress: 9, SysPath: "/sys/b"})
	waitForEvent(t, obs.Events())
	require.Equal(t, 1, extractor.calls)

	fc.Advance(2 * time.Second)

	backend.Emit(RawEvent{Action: ActionDetach, BusNumber: 3, DeviceAddress: 9, SysPath: "/sys/b"})
	waitForEvent(t, obs.Events())
	require.Equal(t, 2, extractor.calls)
}

func TestObserverSurfacesExtractionErrorsAsAlarms(t *testing.T) {
	backend := NewFakeBackend()
	extractor := &fakeExtractor{
		info: Info{VendorID: 0x1, ProductID: 0x2},
		err:  &ObserverError{Kind: KindDescriptorReadFailed},
	}
	obs := NewObserver(backend, extractor, 0, WithClock(clock.NewFake(time.Unix(0, 0))))

	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	backend.Emit(RawEvent{Action: ActionAttach, BusNumber: 1, DeviceAddress: 1, SysPath: "/sys/c"})

	// The event still arrives (best-effort info), per spec.md §4.1.
	ev := waitForEvent(t, obs.Events())
	require.Equal(t, ActionAttach, ev.Action)

	select {
	case err := <-obs.Alarms():
		var oerr *ObserverError
		require.ErrorAs(t, err, &oerr)
		require.Equal(t, KindDescriptorReadFailed, oerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an alarm for the failed extraction")
	}
}

func TestObserverStopIsIdempotentAndQuiet(t *testing.T) {
	backend := NewFakeBackend()
	extractor := &fakeExtractor{info: Info{VendorID: 0x1, ProductID: 0x2}}
	obs := NewObserver(backend, extractor, 0)

	require.NoError(t, obs.Start(context.Background()))
	require.NoError(t, obs.Stop())
	require.NoError(t, obs.Stop())

	select {
	case _, ok := <-obs.Events():
		require.False(t, ok, "events channel should not be closed, but no more events should arrive")
	case <-time.After(50 * time.Millisecond):
	}
}
