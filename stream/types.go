// Package stream implements the durable Event Stream: a bbolt-backed
// append-only log of USB hotplug notifications, published to with
// at-least-once semantics and batched, backoff-retried writes.
package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/gontrandl/autoweave-core/usbdevice"
)

// StreamName is the bbolt bucket the durable log is kept in.
const StreamName = "aw:hotplug"

// StreamEvent is the durable, wire-stable record appended to the Event
// Stream for each USB attach/detach notification (spec.md §5).
type StreamEvent struct {
	MessageID      string `json:"message_id"`
	Sequence       uint64 `json:"sequence"`
	Source         string `json:"source"`
	Action         string `json:"action"`
	VendorID       string `json:"vendor_id"`
	ProductID      string `json:"product_id"`
	DeviceSignature string `json:"device_signature"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	Product        string `json:"product,omitempty"`
	SerialNumber   string `json:"serial_number,omitempty"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

// FromObserverEvent translates a usbdevice.Event into the durable record
// shape, minting a fresh message ID.
func FromObserverEvent(ev usbdevice.Event) StreamEvent {
	return StreamEvent{
		MessageID:       uuid.NewString(),
		Source:          "usbdevice.Observer",
		Action:          string(ev.Action),
		VendorID:        ev.Info.VendorIDHex(),
		ProductID:       ev.Info.ProductIDHex(),
		DeviceSignature: ev.Info.Signature,
		Manufacturer:    ev.Info.Manufacturer,
		Product:         ev.Info.Product,
		SerialNumber:    ev.Info.SerialNumber,
		TimestampMS:     ev.Info.TimestampMS,
	}
}

// Time returns the event's timestamp as a time.Time.
func (e StreamEvent) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}
