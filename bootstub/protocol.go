// SPDX-License-Identifier: GPL-2.0-only

// Package bootstub talks to the serial bootstub firmware: a text handshake
// followed by either a memory dump or an upload that boots the uploaded
// binary and hands the line over to its console.
package bootstub

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sbootil/sbootil/proto"
)

// handshakeReadLimit bounds the hello read. Boot log output may precede the
// actual response.
const handshakeReadLimit = 16 * 1024

var (
	helloRequest  = []byte("WHOISDIS")
	helloResponse = []byte("BOOTSTUB")
	dumpRequest   = []byte("UPLDMEM")
	bootRequest   = []byte("BOOTFILE")
	startMarker   = []byte("STRTUPLD")
	endMarker     = []byte("ENDUPLD")
)

// Transport is a configured serial line.
type Transport interface {
	Write(p []byte) error
	Read(n int) ([]byte, error)
	ReadByte() (byte, error)
	ReadAvailable(limit int) ([]byte, error)
}

// Encoding selects the dump wire format, which depends on the firmware
// revision.
type Encoding int

const (
	// EncodingRaw sends one payload byte per wire byte.
	EncodingRaw Encoding = iota
	// EncodingPacked sends seven payload bits per wire byte, see bitpack.
	EncodingPacked
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingPacked:
		return "packed"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "raw":
		return EncodingRaw, nil
	case "packed", "7bit":
		return EncodingPacked, nil
	default:
		return 0, proto.NewConfigurationError("unknown dump encoding %q; possible values are: raw, packed", s)
	}
}

type State int

const (
	StateConnected State = iota
	StateHandshakeOK
	StateDumpInProgress
	StateDumpComplete
	StateUploadInProgress
	StateUploadComplete
	StateConsole
)

var stateStr = [...]string{
	StateConnected:        "connected",
	StateHandshakeOK:      "handshake ok",
	StateDumpInProgress:   "dump in progress",
	StateDumpComplete:     "dump complete",
	StateUploadInProgress: "upload in progress",
	StateUploadComplete:   "upload complete",
	StateConsole:          "console passthrough",
}

func (s State) String() string {
	if int(s) < len(stateStr) {
		return stateStr[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// Encoding is the dump wire format of the connected firmware.
	Encoding Encoding

	// CommandDelay separates consecutive request messages.
	CommandDelay time.Duration

	// Progress, if set, receives a copy of every uploaded byte.
	Progress io.Writer
}

func DefaultConfig() Config {
	return Config{
		Encoding:     EncodingRaw,
		CommandDelay: proto.CommandDelay,
	}
}

// Protocol drives one bootstub command over a serial transport.
type Protocol struct {
	t      Transport
	cfg    Config
	state  State
	logger log.Logger
	sleep  func(time.Duration)

	// metrics
	dumpBytesTotal          prometheus.Counter
	checksumMismatchesTotal prometheus.Counter
	uploadBytesTotal        prometheus.Counter
	echoVerificationsTotal  prometheus.Counter
	consoleBytesTotal       prometheus.Counter
}

func New(t Transport, cfg Config, logger log.Logger, reg prometheus.Registerer) *Protocol {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Protocol{
		t:      t,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
		dumpBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbootil_bootstub_dump_bytes_total",
			Help: "The number of memory bytes received from the bootstub.",
		}),
		checksumMismatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbootil_bootstub_checksum_mismatches_total",
			Help: "The number of dumps whose checksum did not match.",
		}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbootil_bootstub_upload_bytes_total",
			Help: "The number of binary bytes sent to the bootstub.",
		}),
		echoVerificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbootil_bootstub_echo_verifications_total",
			Help: "The number of echoed upload bytes checked.",
		}),
		consoleBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbootil_bootstub_console_bytes_total",
			Help: "The number of console bytes passed through after boot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			p.dumpBytesTotal,
			p.checksumMismatchesTotal,
			p.uploadBytesTotal,
			p.echoVerificationsTotal,
			p.consoleBytesTotal,
		)
	}
	return p
}

func (p *Protocol) State() State {
	return p.state
}

func (p *Protocol) expectState(op string, want State) error {
	if p.state != want {
		return errors.Newf("%s: protocol is in state %q, want %q", op, p.state, want)
	}
	return nil
}

// Handshake sends WHOISDIS and expects the line to end with BOOTSTUB.
// Whatever the device printed before that is discarded.
func (p *Protocol) Handshake() error {
	if err := p.expectState("hello", StateConnected); err != nil {
		return err
	}
	if err := p.t.Write(helloRequest); err != nil {
		return errors.Wrap(err, "failed to send hello")
	}
	resp, err := p.t.ReadAvailable(handshakeReadLimit)
	if err != nil {
		return errors.Wrap(err, "failed to read hello response")
	}
	if err := proto.ExpectSuffix("hello", resp, helloResponse); err != nil {
		return err
	}
	p.state = StateHandshakeOK
	_ = level.Debug(p.logger).Log("msg", "bootstub hello acknowledged", "discarded", len(resp)-len(helloResponse))
	return nil
}

// send writes each message followed by the command delay.
func (p *Protocol) send(op string, msgs ...[]byte) error {
	for _, msg := range msgs {
		if err := p.t.Write(msg); err != nil {
			return errors.Wrapf(err, "failed to send %s request", op)
		}
		p.sleep(p.cfg.CommandDelay)
	}
	return nil
}

func (p *Protocol) expectMarker(op string, marker []byte) error {
	got, err := p.t.Read(len(marker))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", op)
	}
	return proto.Expect(op, got, marker)
}
