//go:build linux

package usbdevice

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// netlinkBackend listens on an AF_NETLINK/NETLINK_KOBJECT_UEVENT socket for
// kernel uevents, the same channel udevd itself is fed from. This avoids
// both cgo linkage against libudev and shelling out to udevadm monitor.
type netlinkBackend struct {
	subsystem string // only forward events for this subsystem, e.g. "usb"

	mu     sync.Mutex
	fd     int
	closed bool
}

// NewNetlinkBackend creates a Backend that listens for kobject-uevent
// messages restricted to the given subsystem ("usb").
func NewNetlinkBackend(subsystem string) Backend {
	return &netlinkBackend{subsystem: subsystem, fd: -1}
}

func (b *netlinkBackend) Start(ctx context.Context) (<-chan RawEvent, <-chan error, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, nil, &ObserverError{Kind: KindBackendUnavailable, Err: errors.Wrap(err, "opening netlink socket")}
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, nil, &ObserverError{Kind: KindPermission, Err: err}
		}
		return nil, nil, &ObserverError{Kind: KindBackendUnavailable, Err: errors.Wrap(err, "binding netlink socket")}
	}

	b.mu.Lock()
	b.fd = fd
	b.mu.Unlock()

	events := make(chan RawEvent, 256)
	errs := make(chan error, 16)

	go b.readLoop(ctx, fd, events, errs)

	return events, errs, nil
}

func (b *netlinkBackend) readLoop(ctx context.Context, fd int, events chan<- RawEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			select {
			case errs <- &ObserverError{Kind: KindBackendUnavailable, Err: err}:
			default:
			}
			continue
		}
		if ev, ok := b.parseUevent(buf[:n]); ok {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseUevent decodes a NUL-separated kobject-uevent payload, e.g.
// "add@/devices/.../1-4\x00ACTION=add\x00SUBSYSTEM=usb\x00DEVPATH=...".
func (b *netlinkBackend) parseUevent(raw []byte) (RawEvent, bool) {
	parts := bytes.Split(raw, []byte{0})
	props := make(map[string]string, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(string(p), "=", 2)
		if len(kv) == 2 {
			props[kv[0]] = kv[1]
		}
	}

	if props["SUBSYSTEM"] != b.subsystem {
		return RawEvent{}, false
	}
	if props["DEVTYPE"] != "usb_device" {
		return RawEvent{}, false
	}

	var action Action
	switch props["ACTION"] {
	case "add":
		action = ActionAttach
	case "remove":
		action = ActionDetach
	default:
		return RawEvent{}, false
	}

	devPath := props["DEVPATH"]
	sysPath := "/sys" + devPath
	busnum, devnum := parseBusDevNums(devPath)

	return RawEvent{
		Action:        action,
		BusNumber:     busnum,
		DeviceAddress: devnum,
		SysPath:       sysPath,
	}, true
}

// parseBusDevNums extracts "<bus>-<addr>" style trailing path segments,
// e.g. ".../usb1/1-4" -> (1, 4). Unparseable segments yield zero, which
// Signature still renders deterministically (callers can still distinguish
// devices via SysPath for descriptor reads).
func parseBusDevNums(devPath string) (bus, addr int) {
	segment := devPath
	if idx := strings.LastIndexByte(devPath, '/'); idx >= 0 {
		segment = devPath[idx+1:]
	}
	dash := strings.IndexByte(segment, '-')
	if dash <= 0 {
		return 0, 0
	}
	busStr := segment[:dash]
	addrStr := segment[dash+1:]
	if i, err := strconv.Atoi(busStr); err == nil {
		bus = i
	}
	if dot := strings.IndexByte(addrStr, '.'); dot >= 0 {
		addrStr = addrStr[:dot]
	}
	if i, err := strconv.Atoi(addrStr); err == nil {
		addr = i
	}
	return bus, addr
}

func (b *netlinkBackend) Enumerate() ([]RawEvent, error) {
	entries, err := readDirNames(usbDevicesRoot)
	if err != nil {
		return nil, &ObserverError{Kind: KindBackendUnavailable, Err: err}
	}
	out := make([]RawEvent, 0, len(entries))
	for _, name := range entries {
		// Bus-root entries ("usb1") and interface entries ("1-4:1.0")
		// are not device nodes; only "<bus>-<addr>"-shaped names are.
		if !looksLikeDeviceName(name) {
			continue
		}
		bus, addr := parseBusDevNums(name)
		out = append(out, RawEvent{
			Action:        ActionAttach,
			BusNumber:     bus,
			DeviceAddress: addr,
			SysPath:       fmt.Sprintf("%s/%s", usbDevicesRoot, name),
		})
	}
	return out, nil
}

func looksLikeDeviceName(name string) bool {
	dash := strings.IndexByte(name, '-')
	if dash <= 0 || strings.ContainsRune(name, ':') {
		return false
	}
	_, err := strconv.Atoi(name[:dash])
	return err == nil
}

func (b *netlinkBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.fd < 0 {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}
