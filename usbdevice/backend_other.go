//go:build !linux

package usbdevice

import (
	"context"

	"github.com/efficientgo/core/errors"
)

// unavailableBackend reports BackendUnavailable on every operation. The
// netlink/sysfs backend in backend_linux.go is Linux-only; other
// platforms are expected to inject a FakeBackend or a custom Backend.
type unavailableBackend struct{}

// NewNetlinkBackend on non-Linux platforms returns a Backend whose Start
// always fails with KindBackendUnavailable, keeping the Observer's
// construction path platform-independent.
func NewNetlinkBackend(subsystem string) Backend {
	return unavailableBackend{}
}

func (unavailableBackend) Start(ctx context.Context) (<-chan RawEvent, <-chan error, error) {
	return nil, nil, &ObserverError{Kind: KindBackendUnavailable, Err: errors.New("netlink USB backend is only available on linux")}
}

func (unavailableBackend) Enumerate() ([]RawEvent, error) {
	return nil, &ObserverError{Kind: KindBackendUnavailable, Err: errors.New("netlink USB backend is only available on linux")}
}

func (unavailableBackend) Stop() error { return nil }

// SysfsExtractor is unavailable outside Linux; callers should use a fake
// Extractor in tests.
type SysfsExtractor struct{}

func (SysfsExtractor) Extract(sysPath string, busNumber, deviceAddress int) (Info, error) {
	return Info{}, &ObserverError{Kind: KindBackendUnavailable, Err: errors.New("sysfs descriptor extraction is only available on linux")}
}
