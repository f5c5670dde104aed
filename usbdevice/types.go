// Package usbdevice implements the Device Observer (spec.md §4.1): it
// turns kernel USB attach/detach notifications into USBDeviceInfo
// snapshots with a stable signature, memoizing descriptor extraction.
package usbdevice

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Action is attach or detach, shared by the Observer, Debouncer, and
// Publisher so an action never needs re-interpreting downstream.
type Action string

const (
	ActionAttach Action = "attach"
	ActionDetach Action = "detach"
)

// Info is USBDeviceInfo from spec.md §3.
type Info struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string

	BusNumber     int
	DeviceAddress int
	PortPath      string

	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8

	// Signature is hash(vendor_id ∥ product_id ∥ bus ∥ address), 16 hex
	// chars, stable for the lifetime of one physical connection.
	Signature string

	// TimestampMS is the observation time in milliseconds since the Unix
	// epoch, read from the Observer's clock.Clock.
	TimestampMS int64
}

// VendorIDHex and ProductIDHex render the ids the way StreamEvent and
// capability.USBGrant expect: "0x" + lowercase hex.
func (i Info) VendorIDHex() string  { return fmt.Sprintf("0x%04x", i.VendorID) }
func (i Info) ProductIDHex() string { return fmt.Sprintf("0x%04x", i.ProductID) }

// Signature computes the stable 16-hex-char device signature from the
// fields that identify one physical connection. It intentionally excludes
// manufacturer/product/serial strings, which may be unavailable on a
// best-effort descriptor read (spec.md §4.1 "Failure handling").
func Signature(vendorID, productID uint16, busNumber, deviceAddress int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%04x:%04x:%d:%d", vendorID, productID, busNumber, deviceAddress))
	return hex.EncodeToString(sum[:])[:16]
}

// ObserverErrorKind enumerates the ObserverError kinds from spec.md §4.1.
type ObserverErrorKind string

const (
	KindBackendUnavailable ObserverErrorKind = "BackendUnavailable"
	KindDescriptorReadFailed ObserverErrorKind = "DescriptorReadFailed"
	KindPermission         ObserverErrorKind = "Permission"
)

// ObserverError is the ObserverError kind from spec.md §7: a USB backend
// failure, surfaced as a component alarm without terminating the host.
type ObserverError struct {
	Kind ObserverErrorKind
	Err  error
}

func (e *ObserverError) Error() string {
	return errors.Wrapf(e.Err, "usb observer: %s", e.Kind).Error()
}

func (e *ObserverError) Unwrap() error { return e.Err }
