// SPDX-License-Identifier: GPL-2.0-only

// Package memfile reads boot images and writes memory dumps, either as raw
// bytes or as Intel HEX when the file name ends in .hex or .ihex.
package memfile

import (
	"bytes"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/marcinbor85/gohex"
	"github.com/spf13/afero"
)

const (
	hexLineLength = 16
	hexPadding    = 0xff
)

// IsHex reports whether path names an Intel HEX file.
func IsHex(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return true
	}
	return false
}

// NewSink creates path for a dump of memory starting at start. Raw sinks
// write through, so a failed dump leaves everything received so far on
// disk. Intel HEX sinks buffer the dump and write the file on Close.
func NewSink(fs afero.Fs, path string, start uint64) (io.WriteCloser, error) {
	if IsHex(path) && start > math.MaxUint32 {
		return nil, errors.Newf("start address %#x does not fit an Intel HEX file", start)
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	if !IsHex(path) {
		return f, nil
	}
	return &hexSink{f: f, start: start}, nil
}

type hexSink struct {
	f     afero.File
	start uint64
	buf   bytes.Buffer
}

func (s *hexSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *hexSink) Close() error {
	err := s.flush()
	if cerr := s.f.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "failed to close %s", s.f.Name())
	}
	return err
}

func (s *hexSink) flush() error {
	if s.start+uint64(s.buf.Len()) > math.MaxUint32+1 {
		return errors.Newf("dump of %d bytes at %#x exceeds the 32-bit Intel HEX address space", s.buf.Len(), s.start)
	}
	mem := gohex.NewMemory()
	if s.buf.Len() > 0 {
		if err := mem.AddBinary(uint32(s.start), s.buf.Bytes()); err != nil {
			return errors.Wrap(err, "failed to add dump to hex image")
		}
	}
	if err := mem.DumpIntelHex(s.f, hexLineLength); err != nil {
		return errors.Wrapf(err, "failed to write %s", s.f.Name())
	}
	return nil
}

// Load reads a boot image. An Intel HEX file is flattened from its lowest
// address, with gaps between segments filled with 0xff.
func Load(fs afero.Fs, path string) ([]byte, error) {
	if !IsHex(path) {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		return data, nil
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.Newf("%s contains no data", path)
	}
	low, high := uint64(math.MaxUint64), uint64(0)
	for _, seg := range segments {
		low = min(low, uint64(seg.Address))
		high = max(high, uint64(seg.Address)+uint64(len(seg.Data)))
	}
	if high > math.MaxUint32+1 || high-low > math.MaxUint32 {
		return nil, errors.Newf("%s spans [%#x, %#x), beyond the 32-bit address space", path, low, high)
	}
	return mem.ToBinary(uint32(low), uint32(high-low), hexPadding), nil
}
