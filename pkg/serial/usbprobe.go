package serial

import (
	"fmt"

	"github.com/karalabe/usb"
)

// Bridge is a USB to UART chip found on common ESP32 boards.
type Bridge struct {
	Name      string
	VendorID  uint16
	ProductID uint16
}

var KnownBridges = []Bridge{
	{Name: "Silicon Labs CP210x", VendorID: 0x10C4, ProductID: 0xEA60},
	{Name: "WCH CH340", VendorID: 0x1A86, ProductID: 0x7523},
	{Name: "WCH CH9102", VendorID: 0x1A86, ProductID: 0x55D4},
	{Name: "FTDI FT232R", VendorID: 0x0403, ProductID: 0x6001},
	{Name: "Espressif USB JTAG/serial", VendorID: 0x303A, ProductID: 0x1001},
}

// ProbedDevice is an attached USB device matching a known bridge.
type ProbedDevice struct {
	Bridge       Bridge
	Path         string
	Serial       string
	Manufacturer string
	Product      string
}

// ProbeUSB looks for attached USB serial bridges. It helps pick the port when
// several serial devices are present.
func ProbeUSB() ([]ProbedDevice, error) {
	if !usb.Supported() {
		return nil, fmt.Errorf("usb enumeration not supported on this platform")
	}

	var found []ProbedDevice
	for _, b := range KnownBridges {
		infos, err := usb.Enumerate(b.VendorID, b.ProductID)
		if err != nil {
			return nil, fmt.Errorf("usb enumerate %04X:%04X: %w", b.VendorID, b.ProductID, err)
		}
		for _, info := range infos {
			found = append(found, ProbedDevice{
				Bridge:       b,
				Path:         info.Path,
				Serial:       info.Serial,
				Manufacturer: info.Manufacturer,
				Product:      info.Product,
			})
		}
	}
	return found, nil
}
