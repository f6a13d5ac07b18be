package driver

import (
	"bytes"
	"context"
	baseerrors "errors"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/sbootil/sbootil/proto"
)

func bulkSetting(number, alt int, class gousb.Class, addrs ...gousb.EndpointAddress) gousb.InterfaceSetting {
	eps := make(map[gousb.EndpointAddress]gousb.EndpointDesc, len(addrs))
	for _, a := range addrs {
		dir := gousb.EndpointDirectionOut
		if a&0x80 != 0 {
			dir = gousb.EndpointDirectionIn
		}
		eps[a] = gousb.EndpointDesc{
			Address:      a,
			Number:       int(a & 0x0f),
			Direction:    dir,
			TransferType: gousb.TransferTypeBulk,
		}
	}
	return gousb.InterfaceSetting{Number: number, Alternate: alt, Class: class, Endpoints: eps}
}

func TestFindEndpointPair(t *testing.T) {
	for _, tc := range []struct {
		name string
		desc *gousb.DeviceDesc
		pair EndpointPair
		err  bool
	}{
		{
			name: "cdc data interface",
			desc: &gousb.DeviceDesc{
				Vendor: 0x04e8, Product: 0x685d,
				Configs: map[int]gousb.ConfigDesc{
					1: {Number: 1, Interfaces: []gousb.InterfaceDesc{
						{Number: 0, AltSettings: []gousb.InterfaceSetting{bulkSetting(0, 0, gousb.ClassComm, 0x83)}},
						{Number: 1, AltSettings: []gousb.InterfaceSetting{bulkSetting(1, 0, gousb.ClassData, 0x81, 0x02)}},
					}},
				},
			},
			pair: EndpointPair{Config: 1, Interface: 1, Alternate: 0, In: 0x81, Out: 0x02},
		},
		{
			name: "first match wins",
			desc: &gousb.DeviceDesc{
				Configs: map[int]gousb.ConfigDesc{
					1: {Number: 1, Interfaces: []gousb.InterfaceDesc{
						{Number: 2, AltSettings: []gousb.InterfaceSetting{
							bulkSetting(2, 0, gousb.ClassData),
							bulkSetting(2, 1, gousb.ClassData, 0x84, 0x05),
						}},
						{Number: 3, AltSettings: []gousb.InterfaceSetting{bulkSetting(3, 0, gousb.ClassData, 0x86, 0x07)}},
					}},
				},
			},
			pair: EndpointPair{Config: 1, Interface: 2, Alternate: 1, In: 0x84, Out: 0x05},
		},
		{
			name: "two endpoints in the same direction",
			desc: &gousb.DeviceDesc{
				Configs: map[int]gousb.ConfigDesc{
					1: {Number: 1, Interfaces: []gousb.InterfaceDesc{
						{Number: 0, AltSettings: []gousb.InterfaceSetting{bulkSetting(0, 0, gousb.ClassData, 0x81, 0x82)}},
					}},
				},
			},
			err: true,
		},
		{
			name: "wrong class",
			desc: &gousb.DeviceDesc{
				Configs: map[int]gousb.ConfigDesc{
					1: {Number: 1, Interfaces: []gousb.InterfaceDesc{
						{Number: 0, AltSettings: []gousb.InterfaceSetting{bulkSetting(0, 0, gousb.ClassVendorSpec, 0x81, 0x01)}},
					}},
				},
			},
			err: true,
		},
		{
			name: "three endpoints",
			desc: &gousb.DeviceDesc{
				Configs: map[int]gousb.ConfigDesc{
					1: {Number: 1, Interfaces: []gousb.InterfaceDesc{
						{Number: 0, AltSettings: []gousb.InterfaceSetting{bulkSetting(0, 0, gousb.ClassData, 0x81, 0x01, 0x82)}},
					}},
				},
			},
			err: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pair, err := FindEndpointPair(tc.desc)
			if (err != nil) != tc.err {
				t.Fatalf("unexpected error state: %v", err)
			}
			if err != nil {
				var cfgErr *proto.ConfigurationError
				if !baseerrors.As(err, &cfgErr) {
					t.Errorf("got %T; want *proto.ConfigurationError", err)
				}
				return
			}
			if pair != tc.pair {
				t.Errorf("got %v; want %v", pair, tc.pair)
			}
		})
	}
}

type fakeEndpoint struct {
	written [][]byte
	reply   []byte
	err     error
	block   bool
}

func (f *fakeEndpoint) WriteContext(_ context.Context, buf []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.written = append(f.written, bytes.Clone(buf))
	return len(buf), nil
}

func (f *fakeEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	if f.block {
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	if f.err != nil {
		return 0, f.err
	}
	return copy(buf, f.reply), nil
}

func claimedTransport(ep *fakeEndpoint) *USBTransport {
	return &USBTransport{in: ep, out: ep}
}

func TestWritePacket(t *testing.T) {
	ep := &fakeEndpoint{}
	tr := claimedTransport(ep)

	n, err := tr.WritePacket([]byte{0x64, 0, 0, 0, 0, 0, 0, 0}, 1024, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1024 {
		t.Errorf("wrote %d bytes; want 1024", n)
	}
	want := make([]byte, 1024)
	want[0] = 0x64
	if !bytes.Equal(ep.written[0], want) {
		t.Errorf("packet not zero padded: %x", ep.written[0][:16])
	}

	_, err = tr.WritePacket(make([]byte, 1025), 1024, time.Second)
	if !baseerrors.Is(err, proto.ErrPayloadTooLarge) {
		t.Errorf("got %v; want ErrPayloadTooLarge", err)
	}
	if len(ep.written) != 1 {
		t.Errorf("oversize payload reached the endpoint")
	}
}

func TestReadPartial(t *testing.T) {
	tr := claimedTransport(&fakeEndpoint{reply: []byte("LOKE")})
	got, err := tr.Read(1024, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "LOKE" {
		t.Errorf("got %q; want %q", got, "LOKE")
	}
}

func TestTransferErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		ep   *fakeEndpoint
		kind error
	}{
		{name: "timeout status", ep: &fakeEndpoint{err: gousb.TransferTimedOut}, kind: proto.ErrTransferTimeout},
		{name: "deadline", ep: &fakeEndpoint{block: true}, kind: proto.ErrTransferTimeout},
		{name: "unplugged", ep: &fakeEndpoint{err: gousb.ErrorNoDevice}, kind: proto.ErrDeviceDisconnected},
		{name: "busy", ep: &fakeEndpoint{err: gousb.ErrorBusy}, kind: proto.ErrInterfaceUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := claimedTransport(tc.ep)
			_, err := tr.Read(16, 10*time.Millisecond)
			if !baseerrors.Is(err, tc.kind) {
				t.Errorf("got %v; want kind %v", err, tc.kind)
			}
			if proto.ExitCode(err) != proto.ExitTransport {
				t.Errorf("exit code %d; want %d", proto.ExitCode(err), proto.ExitTransport)
			}
		})
	}
}

func TestUnclaimedTransport(t *testing.T) {
	tr := &USBTransport{}
	if _, err := tr.Write([]byte("ODIN"), time.Second); !baseerrors.Is(err, proto.ErrInterfaceUnavailable) {
		t.Errorf("write: got %v; want ErrInterfaceUnavailable", err)
	}
	if _, err := tr.Read(4, time.Second); !baseerrors.Is(err, proto.ErrInterfaceUnavailable) {
		t.Errorf("read: got %v; want ErrInterfaceUnavailable", err)
	}
	if err := tr.Release(); err != nil {
		t.Errorf("release of unclaimed transport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("close of unopened transport: %v", err)
	}
}
