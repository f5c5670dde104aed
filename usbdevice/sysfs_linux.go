//go:build linux

package usbdevice

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

const usbDevicesRoot = "/sys/bus/usb/devices"

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// SysfsExtractor reads USB descriptor attributes directly out of sysfs
// as plain files, avoiding a cgo/libudev link dependency.
type SysfsExtractor struct{}

func (SysfsExtractor) Extract(sysPath string, busNumber, deviceAddress int) (Info, error) {
	readStr := func(attr string) string {
		b, err := os.ReadFile(filepath.Join(sysPath, attr))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
	readHex16 := func(attr string) (uint16, error) {
		v, err := strconv.ParseUint(readStr(attr), 16, 16)
		return uint16(v), err
	}
	readHex8 := func(attr string) (uint8, error) {
		v, err := strconv.ParseUint(readStr(attr), 16, 8)
		return uint8(v), err
	}

	vendor, vendErr := readHex16("idVendor")
	product, prodErr := readHex16("idProduct")
	deviceClass, _ := readHex8("bDeviceClass")
	deviceSubclass, _ := readHex8("bDeviceSubClass")
	deviceProtocol, _ := readHex8("bDeviceProtocol")

	info := Info{
		VendorID:       vendor,
		ProductID:      product,
		Manufacturer:   readStr("manufacturer"),
		Product:        readStr("product"),
		SerialNumber:   readStr("serial"),
		BusNumber:      busNumber,
		DeviceAddress:  deviceAddress,
		PortPath:       sysPath,
		DeviceClass:    deviceClass,
		DeviceSubclass: deviceSubclass,
		DeviceProtocol: deviceProtocol,
		Signature:      Signature(vendor, product, busNumber, deviceAddress),
	}

	if vendErr != nil || prodErr != nil {
		// Best-effort per spec.md §4.1: still emit with a deterministic
		// signature so detach accounting stays correct, but tell the
		// caller the read was incomplete.
		return info, &ObserverError{
			Kind: KindDescriptorReadFailed,
			Err:  errors.Newf("incomplete descriptor at %s", sysPath),
		}
	}
	return info, nil
}
