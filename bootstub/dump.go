// SPDX-License-Identifier: GPL-2.0-only

package bootstub

import (
	"bufio"
	"fmt"
	"io"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/sbootil/sbootil/bitpack"
	"github.com/sbootil/sbootil/proto"
)

// DumpResult describes a finished dump.
type DumpResult struct {
	// Bytes is the number of payload bytes written to the output.
	Bytes uint64
	// Checksum is the XOR over payload and trailing checksum byte. It is zero
	// for an intact transfer.
	Checksum byte
}

// Err returns a *proto.ChecksumMismatchError when the checksum did not fold
// to zero. The dump itself is still complete.
func (r DumpResult) Err() error {
	if r.Checksum == 0 {
		return nil
	}
	return &proto.ChecksumMismatchError{Accumulated: r.Checksum}
}

// payloadSource yields decoded dump bytes one at a time.
type payloadSource interface {
	next() (byte, error)
}

type rawSource struct {
	t Transport
}

func (s *rawSource) next() (byte, error) {
	return s.t.ReadByte()
}

type packedSource struct {
	t Transport
	u bitpack.Unpacker
}

func (s *packedSource) next() (byte, error) {
	for {
		raw, err := s.t.ReadByte()
		if err != nil {
			return 0, err
		}
		if b, ok := s.u.Feed(raw); ok {
			return b, nil
		}
	}
}

func (p *Protocol) source() payloadSource {
	if p.cfg.Encoding == EncodingPacked {
		return &packedSource{t: p.t}
	}
	return &rawSource{t: p.t}
}

// Dump reads memory range r from the device into w. The device sends the
// payload followed by one checksum byte; a checksum mismatch is logged and
// reported through DumpResult.Err but does not fail the dump.
func (p *Protocol) Dump(r proto.MemoryRange, w io.Writer) (res DumpResult, err error) {
	if err := p.expectState("dump", StateHandshakeOK); err != nil {
		return res, err
	}
	p.state = StateDumpInProgress

	if err := p.send("dump", dumpRequest, []byte(r.Start.Text), []byte(r.End.Text)); err != nil {
		return res, err
	}
	if err := p.expectMarker("dump start", startMarker); err != nil {
		return res, err
	}

	_ = level.Debug(p.logger).Log("msg", "receiving memory", "start", r.Start.Text, "end", r.End.Text, "length", r.Len(), "encoding", p.cfg.Encoding)

	// Flushed on every return so that a dump cut short keeps what arrived.
	out := bufio.NewWriter(w)
	defer func() {
		if ferr := out.Flush(); ferr != nil && err == nil {
			err = errors.Wrap(ferr, "failed to write dump output")
		}
	}()
	src := p.source()
	remaining := r.Len()
	for {
		b, err := src.next()
		if err != nil {
			return res, errors.Wrapf(err, "failed to read dump at offset %d", res.Bytes)
		}
		res.Checksum ^= b
		if remaining == 0 {
			break
		}
		if err := out.WriteByte(b); err != nil {
			return res, errors.Wrap(err, "failed to write dump output")
		}
		res.Bytes++
		remaining--
		p.dumpBytesTotal.Inc()
	}
	if err := out.Flush(); err != nil {
		return res, errors.Wrap(err, "failed to write dump output")
	}

	if res.Checksum != 0 {
		p.checksumMismatchesTotal.Inc()
		_ = level.Warn(p.logger).Log("msg", "checksum does not match", "expected", "0x00", "actual", fmt.Sprintf("0x%02x", res.Checksum))
	}

	if err := p.expectMarker("dump end", endMarker); err != nil {
		return res, err
	}
	p.state = StateDumpComplete
	return res, nil
}

