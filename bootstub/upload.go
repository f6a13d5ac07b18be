// SPDX-License-Identifier: GPL-2.0-only

package bootstub

import (
	"context"
	"io"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/sbootil/sbootil/proto"
)

// echoInterval is the number of uploaded bytes per echoed byte.
const echoInterval = 256

// Upload sends image to the device. The device echoes one byte whenever the
// count of bytes still to send is a multiple of echoInterval, starting with
// the first byte; every echo is compared with the byte just sent.
func (p *Protocol) Upload(image []byte) error {
	if err := p.expectState("upload", StateHandshakeOK); err != nil {
		return err
	}
	if len(image) == 0 {
		return proto.NewConfigurationError("refusing to upload an empty image")
	}
	p.state = StateUploadInProgress

	if err := p.send("upload", bootRequest, []byte(proto.FormatHex(uint64(len(image))))); err != nil {
		return err
	}
	if err := p.expectMarker("upload start", startMarker); err != nil {
		return err
	}

	_ = level.Debug(p.logger).Log("msg", "sending binary", "length", len(image))

	remaining := uint64(len(image))
	for i, b := range image {
		if err := p.t.Write([]byte{b}); err != nil {
			return errors.Wrapf(err, "failed to send byte at offset %d", i)
		}
		if remaining%echoInterval == 0 {
			echo, err := p.t.ReadByte()
			if err != nil {
				return errors.Wrapf(err, "failed to read echo at offset %d", i)
			}
			p.echoVerificationsTotal.Inc()
			if echo != b {
				return &proto.EchoMismatchError{Offset: uint64(i), Sent: b, Received: echo}
			}
		}
		remaining--
		p.uploadBytesTotal.Inc()
		if p.cfg.Progress != nil {
			_, _ = p.cfg.Progress.Write([]byte{b})
		}
	}

	if err := p.expectMarker("upload end", endMarker); err != nil {
		return err
	}
	p.state = StateUploadComplete
	return nil
}

// Console copies device output to w byte by byte until ctx is cancelled or
// the line fails. Cancellation alone does not unblock a pending read; the
// caller closes the transport for that.
func (p *Protocol) Console(ctx context.Context, w io.Writer) error {
	if err := p.expectState("console", StateUploadComplete); err != nil {
		return err
	}
	p.state = StateConsole
	_ = level.Info(p.logger).Log("msg", "binary booted, passing console through")

	for {
		if ctx.Err() != nil {
			return nil
		}
		b, err := p.t.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "console")
		}
		p.consoleBytesTotal.Inc()
		if _, err := w.Write([]byte{b}); err != nil {
			return errors.Wrap(err, "failed to write console output")
		}
	}
}

// Boot uploads image and then passes the console through to console.
func (p *Protocol) Boot(ctx context.Context, image []byte, console io.Writer) error {
	if err := p.Upload(image); err != nil {
		return err
	}
	return p.Console(ctx, console)
}
