// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"fmt"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
)

// DefaultListVendor is Samsung's vendor ID.
const DefaultListVendor USBID = 0x04e8

type Device struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`

	VendorName  string `json:"vendor_name"`
	ProductName string `json:"product_name"`
}

func (d Device) String() string {
	return fmt.Sprintf("[%04x:%04x] %s, %s", uint16(d.Vendor), uint16(d.Product), d.VendorName, d.ProductName)
}

func describe(desc *gousb.DeviceDesc, vendors map[gousb.ID]*usbid.Vendor) Device {
	dev := Device{
		Vendor:      desc.Vendor,
		Product:     desc.Product,
		VendorName:  "Unknown vendor",
		ProductName: "Unknown product",
	}
	v, ok := vendors[desc.Vendor]
	if !ok {
		return dev
	}
	dev.VendorName = v.Name
	if p, ok := v.Product[desc.Product]; ok {
		dev.ProductName = p.Name
	}
	return dev
}

// ListDevices returns every device on the bus with the given vendor ID.
// Devices are only enumerated, never opened.
func ListDevices(ctx *gousb.Context, vendor USBID) ([]Device, error) {
	var devices []Device
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == vendor {
			devices = append(devices, describe(desc, usbid.Vendors))
		}
		return false
	})
	if err != nil {
		return nil, classify(context.Background(), "list", err)
	}
	return devices, nil
}
