// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	baseerrors "errors"
	"slices"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
	"github.com/sbootil/sbootil/proto"
)

type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// USBTransport owns one device and, while claimed, its bulk interface.
type USBTransport struct {
	pair   EndpointPair
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     bulkIn
	out    bulkOut
	logger log.Logger
}

// FindEndpointPair scans the configurations of desc for a CDC data interface
// with exactly two endpoints, one in each direction. The first match wins.
func FindEndpointPair(desc *gousb.DeviceDesc) (EndpointPair, error) {
	cfgNums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		cfgNums = append(cfgNums, n)
	}
	slices.Sort(cfgNums)

	for _, cn := range cfgNums {
		for _, id := range desc.Configs[cn].Interfaces {
			for _, is := range id.AltSettings {
				if is.Class != BulkClass || len(is.Endpoints) != 2 {
					continue
				}
				var in, out *gousb.EndpointDesc
				for _, ed := range is.Endpoints {
					if ed.Direction == gousb.EndpointDirectionIn {
						in = &ed
					} else {
						out = &ed
					}
				}
				if in == nil || out == nil {
					continue
				}
				return EndpointPair{
					Config:    cn,
					Interface: id.Number,
					Alternate: is.Alternate,
					In:        in.Address,
					Out:       out.Address,
				}, nil
			}
		}
	}
	return EndpointPair{}, proto.NewConfigurationError(
		"no interface with class %s and one bulk IN and OUT endpoint on %s:%s",
		BulkClass, desc.Vendor, desc.Product)
}

// OpenUSB opens the first device matching vendor and product and locates its
// bulk interface. The interface is not claimed yet.
func OpenUSB(ctx *gousb.Context, vendor, product USBID, logger log.Logger) (*USBTransport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dev, err := ctx.OpenDeviceWithVIDPID(vendor, product)
	if err != nil {
		return nil, classify(context.Background(), "open", err)
	}
	if dev == nil {
		return nil, proto.NewConfigurationError("device %s:%s not found", vendor, product)
	}

	pair, err := FindEndpointPair(dev.Desc)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		_ = level.Debug(logger).Log("msg", "kernel driver auto detach unavailable", "err", err)
	}
	_ = level.Debug(logger).Log("msg", "found bulk interface", "device", dev.Desc.Vendor.String()+":"+dev.Desc.Product.String(), "endpoints", pair)

	return &USBTransport{pair: pair, dev: dev, logger: logger}, nil
}

// Pair returns the endpoint layout found when the device was opened.
func (t *USBTransport) Pair() EndpointPair {
	return t.pair
}

// Claim claims the interface and selects its alternate setting.
func (t *USBTransport) Claim() error {
	if t.intf != nil {
		return nil
	}
	cfg, err := t.dev.Config(t.pair.Config)
	if err != nil {
		return classify(context.Background(), "claim", err)
	}
	intf, err := cfg.Interface(t.pair.Interface, t.pair.Alternate)
	if err != nil {
		_ = cfg.Close()
		return classify(context.Background(), "claim", err)
	}
	in, err := intf.InEndpoint(endpointNumber(t.pair.In))
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return errors.Wrapf(err, "failed to open IN endpoint %s", t.pair.In)
	}
	out, err := intf.OutEndpoint(endpointNumber(t.pair.Out))
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return errors.Wrapf(err, "failed to open OUT endpoint %s", t.pair.Out)
	}
	t.cfg, t.intf, t.in, t.out = cfg, intf, in, out
	_ = level.Debug(t.logger).Log("msg", "claimed interface", "interface", t.pair.Interface, "alt", t.pair.Alternate)
	return nil
}

// Release gives the interface back. Calling it on an unclaimed transport is
// a no-op.
func (t *USBTransport) Release() error {
	t.in, t.out = nil, nil
	if t.intf == nil {
		return nil
	}
	t.intf.Close()
	t.intf = nil
	err := t.cfg.Close()
	t.cfg = nil
	if err != nil {
		return errors.Wrap(err, "failed to release interface")
	}
	_ = level.Debug(t.logger).Log("msg", "released interface", "interface", t.pair.Interface)
	return nil
}

// Close releases the interface if needed and closes the device.
func (t *USBTransport) Close() error {
	relErr := t.Release()
	var devErr error
	if t.dev != nil {
		devErr = t.dev.Close()
		t.dev = nil
	}
	return baseerrors.Join(relErr, devErr)
}

// Write performs one bulk OUT transfer and returns the bytes transferred.
func (t *USBTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if t.out == nil {
		return 0, notClaimed("write")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := t.out.WriteContext(ctx, p)
	if err != nil {
		return n, classify(ctx, "write", err)
	}
	return n, nil
}

// WritePacket zero-pads p to size bytes and writes it as one transfer.
func (t *USBTransport) WritePacket(p []byte, size int, timeout time.Duration) (int, error) {
	if len(p) > size {
		return 0, errors.Wrapf(proto.ErrPayloadTooLarge, "%d bytes into a %d byte packet", len(p), size)
	}
	packet := make([]byte, size)
	copy(packet, p)
	return t.Write(packet, timeout)
}

// Read performs one bulk IN transfer into a size byte buffer. The device
// may send less; the returned slice holds what was received.
func (t *USBTransport) Read(size int, timeout time.Duration) ([]byte, error) {
	if t.in == nil {
		return nil, notClaimed("read")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, size)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return buf[:n], classify(ctx, "read", err)
	}
	return buf[:n], nil
}

func notClaimed(op string) error {
	return &proto.TransportError{Op: "usb " + op, Kind: proto.ErrInterfaceUnavailable, Err: errors.New("interface not claimed")}
}

// classify maps libusb failures onto the transport error kinds.
func classify(ctx context.Context, op string, err error) error {
	kind := proto.ErrDeviceDisconnected
	switch {
	case baseerrors.Is(err, gousb.ErrorTimeout),
		baseerrors.Is(err, gousb.TransferTimedOut),
		baseerrors.Is(err, context.DeadlineExceeded),
		baseerrors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = proto.ErrTransferTimeout
	case baseerrors.Is(err, gousb.ErrorBusy), baseerrors.Is(err, gousb.ErrorAccess):
		kind = proto.ErrInterfaceUnavailable
	case baseerrors.Is(err, gousb.ErrorNoDevice), baseerrors.Is(err, gousb.TransferNoDevice):
		kind = proto.ErrDeviceDisconnected
	}
	return &proto.TransportError{Op: "usb " + op, Kind: kind, Err: err}
}
