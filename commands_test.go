package main

import (
	"bytes"
	baseerrors "errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sbootil/sbootil/download"
	"github.com/sbootil/sbootil/proto"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// fakeUSB is a download-mode device that counts claims and releases.
type fakeUSB struct {
	claimErr  error
	responses [][]byte

	claimed  bool
	claims   int
	releases int
	written  [][]byte
}

func (d *fakeUSB) Claim() error {
	if d.claimErr != nil {
		return d.claimErr
	}
	d.claimed = true
	d.claims++
	return nil
}

func (d *fakeUSB) Release() error {
	d.claimed = false
	d.releases++
	return nil
}

func (d *fakeUSB) Write(p []byte, _ time.Duration) (int, error) {
	if !d.claimed {
		return 0, &proto.TransportError{Op: "usb write", Kind: proto.ErrInterfaceUnavailable}
	}
	d.written = append(d.written, bytes.Clone(p))
	return len(p), nil
}

func (d *fakeUSB) WritePacket(p []byte, size int, timeout time.Duration) (int, error) {
	packet := make([]byte, size)
	copy(packet, p)
	return d.Write(packet, timeout)
}

func (d *fakeUSB) Read(size int, _ time.Duration) ([]byte, error) {
	if !d.claimed {
		return nil, &proto.TransportError{Op: "usb read", Kind: proto.ErrInterfaceUnavailable}
	}
	if len(d.responses) == 0 {
		return nil, &proto.TransportError{Op: "usb read", Kind: proto.ErrTransferTimeout}
	}
	resp := d.responses[0]
	d.responses = d.responses[1:]
	return resp[:min(size, len(resp))], nil
}

func downloadAck(id byte) []byte {
	resp := make([]byte, download.PacketSize)
	resp[0] = id
	return resp
}

func TestRebootReleasesClaim(t *testing.T) {
	for _, tc := range []struct {
		name      string
		responses [][]byte
		exitCode  int
	}{
		{
			name:      "success",
			responses: [][]byte{[]byte("LOKE"), downloadAck(0x64), downloadAck(0x67)},
			exitCode:  proto.ExitOK,
		},
		{
			name:      "wrong hello",
			responses: [][]byte{[]byte("NOPE")},
			exitCode:  proto.ExitMismatch,
		},
		{
			name:      "open ack timeout",
			responses: [][]byte{[]byte("LOKE")},
			exitCode:  proto.ExitTransport,
		},
		{
			name:      "close ack timeout",
			responses: [][]byte{[]byte("LOKE"), downloadAck(0x64)},
			exitCode:  proto.ExitTransport,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := &fakeUSB{responses: tc.responses}
			err := rebootDevice(dev, time.Second, log.NewNopLogger(), prometheus.NewRegistry())
			if got := proto.ExitCode(err); got != tc.exitCode {
				t.Errorf("exit code %d for %v; want %d", got, err, tc.exitCode)
			}
			if dev.claims != 1 || dev.releases != 1 {
				t.Errorf("claimed %d and released %d times; want once each", dev.claims, dev.releases)
			}
			if dev.claimed {
				t.Error("interface still claimed")
			}
		})
	}
}

func TestRebootClaimFailure(t *testing.T) {
	busy := &proto.TransportError{Op: "usb claim", Kind: proto.ErrInterfaceUnavailable}
	dev := &fakeUSB{claimErr: busy}

	err := rebootDevice(dev, time.Second, log.NewNopLogger(), nil)
	if !baseerrors.Is(err, proto.ErrInterfaceUnavailable) {
		t.Errorf("got %v; want an unavailable interface", err)
	}
	if dev.releases != 0 {
		t.Errorf("released %d times without a claim", dev.releases)
	}
	if len(dev.written) != 0 {
		t.Errorf("wrote %d messages without a claim", len(dev.written))
	}
}

func TestLoggerSetupConcurrentRead(t *testing.T) {
	var stderr bytes.Buffer
	a := &app{
		v:      viper.New(),
		fs:     afero.NewMemMapFs(),
		stderr: &stderr,
		logger: log.NewNopLogger(),
	}
	root := newRootCommand(a)
	if err := root.PersistentFlags().Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if a.currentLogger() == nil {
				t.Error("nil logger")
				return
			}
		}
	}()
	if err := a.setup(root); err != nil {
		t.Fatal(err)
	}
	<-done

	_ = level.Debug(a.currentLogger()).Log("msg", "ready")
	if !bytes.Contains(stderr.Bytes(), []byte("msg=ready")) {
		t.Errorf("logger from setup not in use: %q", stderr.String())
	}
}
