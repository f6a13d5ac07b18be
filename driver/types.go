// SPDX-License-Identifier: Apache-2.0

// Package driver provides the two physical transports the bootloader
// protocols run on: USB bulk endpoints and a raw serial line.
package driver

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// BulkClass is the interface class (CDC data) carrying the download-mode
	// bulk endpoints.
	BulkClass = gousb.ClassData

	// DefaultTimeout applies to every download-mode bulk transfer.
	DefaultTimeout = 1 * time.Second

	DefaultBaudRate = 115200
)

// USBID is a vendor or product ID.
type USBID = gousb.ID

// EndpointPair locates the claimed interface and its two bulk endpoints.
type EndpointPair struct {
	Config    int
	Interface int
	Alternate int
	In        gousb.EndpointAddress
	Out       gousb.EndpointAddress
}

func (p EndpointPair) String() string {
	return fmt.Sprintf("config %d interface %d alt %d (in %s, out %s)",
		p.Config, p.Interface, p.Alternate, p.In, p.Out)
}

func endpointNumber(addr gousb.EndpointAddress) int {
	return int(addr & 0x0f)
}
