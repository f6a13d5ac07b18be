// SPDX-License-Identifier: Apache-2.0

package driver

import (
	baseerrors "errors"
	"io"
	"os"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sbootil/sbootil/proto"
	"go.bug.st/serial"
)

// SerialTransport is a blocking byte stream to the bootstub. Reads and
// writes have no timeout; a read only returns early when the line closes.
type SerialTransport struct {
	rw     io.ReadWriter
	closer io.Closer
}

// NewSerialTransport wraps an already configured line.
func NewSerialTransport(rw io.ReadWriter) *SerialTransport {
	t := &SerialTransport{rw: rw}
	if c, ok := rw.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// OpenSerial opens path in raw 8N1 mode at baud and discards anything
// buffered in either direction.
func OpenSerial(path string, baud int, logger log.Logger) (*SerialTransport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	if err := baseerrors.Join(port.ResetInputBuffer(), port.ResetOutputBuffer()); err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "failed to flush serial port %s", path)
	}
	_ = level.Debug(logger).Log("msg", "opened serial port", "path", path, "baud", baud)
	return NewSerialTransport(port), nil
}

// Write sends all of p.
func (t *SerialTransport) Write(p []byte) error {
	for len(p) > 0 {
		n, err := t.rw.Write(p)
		if err != nil {
			return serialError("serial write", err)
		}
		p = p[n:]
	}
	return nil
}

// Read blocks until exactly n bytes arrived.
func (t *SerialTransport) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.rw, buf); err != nil {
		return nil, serialError("serial read", err)
	}
	return buf, nil
}

// ReadByte blocks for a single byte.
func (t *SerialTransport) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(t.rw, b[:]); err != nil {
		return 0, serialError("serial read", err)
	}
	return b[0], nil
}

// ReadAvailable blocks until at least one byte arrived and returns whatever
// the line delivered in that read, at most limit bytes.
func (t *SerialTransport) ReadAvailable(limit int) ([]byte, error) {
	buf := make([]byte, limit)
	for {
		n, err := t.rw.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, serialError("serial read", err)
		}
	}
}

// Close closes the underlying line, unblocking a pending read.
func (t *SerialTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func serialError(op string, err error) error {
	kind := proto.ErrDeviceDisconnected
	var portErr *serial.PortError
	switch {
	case baseerrors.Is(err, io.EOF), baseerrors.Is(err, io.ErrUnexpectedEOF), baseerrors.Is(err, os.ErrClosed):
		kind = proto.ErrConnectionClosed
	case baseerrors.As(err, &portErr) && portErr.Code() == serial.PortClosed:
		kind = proto.ErrConnectionClosed
	}
	return &proto.TransportError{Op: op, Kind: kind, Err: err}
}
