package usbdevice

import "context"

// FakeBackend lets tests inject raw attach/detach events without a real
// kernel USB subsystem. Events pushed with Emit before Start is called are
// buffered; after Start, they are forwarded as they arrive.
type FakeBackend struct {
	events    chan RawEvent
	errs      chan error
	enumerate []RawEvent
	stopped   chan struct{}
}

// NewFakeBackend creates a FakeBackend whose Enumerate() returns the given
// devices as synthetic attach events.
func NewFakeBackend(enumerate ...RawEvent) *FakeBackend {
	return &FakeBackend{
		events:    make(chan RawEvent, 64),
		errs:      make(chan error, 8),
		enumerate: enumerate,
		stopped:   make(chan struct{}),
	}
}

func (f *FakeBackend) Start(ctx context.Context) (<-chan RawEvent, <-chan error, error) {
	return f.events, f.errs, nil
}

func (f *FakeBackend) Enumerate() ([]RawEvent, error) {
	return f.enumerate, nil
}

func (f *FakeBackend) Stop() error {
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
	return nil
}

// Emit pushes a raw event as if the kernel had just reported it.
func (f *FakeBackend) Emit(ev RawEvent) {
	f.events <- ev
}

// Fail pushes a backend error, as ObserverError-worthy conditions would.
func (f *FakeBackend) Fail(err error) {
	f.errs <- err
}
