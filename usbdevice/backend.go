package usbdevice

import "context"

// RawEvent is what a Backend reports before descriptor extraction has run.
// SysPath points at the sysfs device directory (e.g.
// "/sys/bus/usb/devices/1-4") so a worker can read string descriptors off
// the notification thread.
type RawEvent struct {
	Action        Action
	BusNumber     int
	DeviceAddress int
	SysPath       string
}

// Backend is the kernel USB notification source the Observer subscribes
// to. Production code uses the netlink-backed implementation in
// backend_linux.go; tests use FakeBackend.
type Backend interface {
	// Start begins delivering events on the returned channel and begins
	// surfacing backend failures on the error channel. Start must not
	// block waiting for the first event.
	Start(ctx context.Context) (<-chan RawEvent, <-chan error, error)

	// Enumerate lists currently attached devices as synthetic attach
	// RawEvents, for the "emit one synthetic attach per device currently
	// enumerated" requirement in spec.md §4.1.
	Enumerate() ([]RawEvent, error)

	// Stop unsubscribes. No further events are emitted after it returns,
	// per spec.md §4.1's stop() contract.
	Stop() error
}

// Extractor reads the string/numeric descriptors for a device at sysPath.
// It is the operation the Observer offloads to a worker task and
// memoizes, per spec.md §4.1.
type Extractor interface {
	Extract(sysPath string, busNumber, deviceAddress int) (Info, error)
}
