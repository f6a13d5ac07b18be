// SPDX-License-Identifier: GPL-2.0-only

// Package download speaks the hello/session protocol of the USB download
// mode firmware.
package download

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sbootil/sbootil/proto"
)

// PacketSize is the fixed size of every session command and response.
const PacketSize = 1024

const (
	cmdSessionOpen  uint32 = 0x64
	cmdSessionClose uint32 = 0x67

	// command id + parameter
	minResponseSize = 8
)

var (
	helloRequest  = []byte("ODIN")
	helloResponse = []byte("LOKE")
)

// Transport is a claimed pair of bulk endpoints.
type Transport interface {
	Write(p []byte, timeout time.Duration) (int, error)
	WritePacket(p []byte, size int, timeout time.Duration) (int, error)
	Read(size int, timeout time.Duration) ([]byte, error)
}

type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateSessionOpen
	StateSessionClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHelloSent:
		return "hello sent"
	case StateSessionOpen:
		return "session open"
	case StateSessionClosed:
		return "session closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Protocol drives one download-mode exchange. It is not reusable across
// commands.
type Protocol struct {
	t       Transport
	timeout time.Duration
	state   State
	logger  log.Logger

	// metrics
	commandsTotal *prometheus.CounterVec
}

// New returns a protocol in the idle state. A zero timeout selects the
// one second default.
func New(t Transport, timeout time.Duration, logger log.Logger, reg prometheus.Registerer) *Protocol {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	p := &Protocol{
		t:       t,
		timeout: timeout,
		logger:  logger,
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbootil_download_commands_total",
			Help: "The number of download mode commands acknowledged by the device.",
		}, []string{"command"}),
	}
	if reg != nil {
		reg.MustRegister(p.commandsTotal)
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

// Handshake sends ODIN and checks that the response ends with LOKE.
func (p *Protocol) Handshake() error {
	if err := p.expectState("hello", StateIdle); err != nil {
		return err
	}
	if _, err := p.t.Write(helloRequest, p.timeout); err != nil {
		return errors.Wrap(err, "failed to send hello")
	}
	resp, err := p.t.Read(PacketSize, p.timeout)
	if err != nil {
		return errors.Wrap(err, "failed to read hello response")
	}
	if err := proto.ExpectSuffix("hello", resp, helloResponse); err != nil {
		return err
	}
	p.state = StateHelloSent
	p.commandsTotal.WithLabelValues("hello").Inc()
	_ = level.Debug(p.logger).Log("msg", "download mode hello acknowledged")
	return nil
}

// OpenSession starts a session.
func (p *Protocol) OpenSession() error {
	if err := p.expectState("open session", StateHelloSent); err != nil {
		return err
	}
	if err := p.command("open", cmdSessionOpen, 0); err != nil {
		return err
	}
	p.state = StateSessionOpen
	return nil
}

// CloseSession ends the session. With reboot set the device restarts once
// it has acknowledged the command; there is no separate reboot message.
func (p *Protocol) CloseSession(reboot bool) error {
	if err := p.expectState("close session", StateSessionOpen); err != nil {
		return err
	}
	var param uint32
	if reboot {
		param = 1
	}
	if err := p.command("close", cmdSessionClose, param); err != nil {
		return err
	}
	p.state = StateSessionClosed
	return nil
}

// Reboot runs hello, open session and close session with the reboot flag.
func (p *Protocol) Reboot() error {
	if err := p.Handshake(); err != nil {
		return err
	}
	if err := p.OpenSession(); err != nil {
		return err
	}
	return p.CloseSession(true)
}

func (p *Protocol) command(name string, id uint32, param uint32) error {
	var cmd [8]byte
	binary.LittleEndian.PutUint32(cmd[0:], id)
	binary.LittleEndian.PutUint32(cmd[4:], param)
	if _, err := p.t.WritePacket(cmd[:], PacketSize, p.timeout); err != nil {
		return errors.Wrapf(err, "failed to send %s command", name)
	}
	resp, err := p.t.Read(PacketSize, p.timeout)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", name)
	}
	if len(resp) < minResponseSize {
		return &proto.MismatchError{Op: name + " response", Expected: cmd[:], Actual: resp}
	}
	p.commandsTotal.WithLabelValues(name).Inc()
	_ = level.Debug(p.logger).Log("msg", "command acknowledged", "command", name,
		"response_id", fmt.Sprintf("%#x", binary.LittleEndian.Uint32(resp[0:])),
		"response_value", binary.LittleEndian.Uint32(resp[4:]))
	return nil
}
