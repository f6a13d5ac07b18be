// SPDX-License-Identifier: GPL-2.0-only

package proto

import (
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

// Address is a memory address as supplied by the operator. The bootstub
// parses the textual form itself, so Text is sent on the wire unchanged.
type Address struct {
	Value uint64
	Text  string
}

// ParseAddress accepts hexadecimal with a 0x prefix or plain decimal.
func ParseAddress(text string) (Address, error) {
	var (
		value uint64
		err   error
	)
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		value, err = strconv.ParseUint(text[2:], 16, 64)
	} else {
		value, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid address %q", text)
	}
	return Address{Value: value, Text: text}, nil
}

// FormatHex renders n the way the bootstub expects lengths: 0x<hex>.
func FormatHex(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

// MemoryRange is the half-open range [Start, End).
type MemoryRange struct {
	Start Address
	End   Address
}

// NewMemoryRange validates that end is not below start.
func NewMemoryRange(start, end Address) (MemoryRange, error) {
	if end.Value < start.Value {
		return MemoryRange{}, NewConfigurationError("end address %s is below start address %s", end.Text, start.Text)
	}
	return MemoryRange{Start: start, End: end}, nil
}

// ParseMemoryRange parses both bounds and validates the range.
func ParseMemoryRange(start, end string) (MemoryRange, error) {
	s, err := ParseAddress(start)
	if err != nil {
		return MemoryRange{}, &ConfigurationError{Reason: err.Error()}
	}
	e, err := ParseAddress(end)
	if err != nil {
		return MemoryRange{}, &ConfigurationError{Reason: err.Error()}
	}
	return NewMemoryRange(s, e)
}

// Len is the number of payload bytes in the range.
func (r MemoryRange) Len() uint64 {
	return r.End.Value - r.Start.Value
}
