// SPDX-License-Identifier: GPL-2.0-only

// Package bitpack implements the 7-bit packing used by newer bootstub
// firmware for memory dumps. Every wire byte carries seven payload bits in
// its low bits, most significant bits first; the high bit is ignored.
//
// Decoding is a streaming transform without resynchronization: one dropped
// or corrupted wire byte shifts every byte decoded after it.
package bitpack

const (
	payloadBits = 7
	payloadMask = 1<<payloadBits - 1
)

// Unpacker holds the bit window between Feed calls. The zero value is ready
// to use.
type Unpacker struct {
	window uint32
	count  uint
}

// Feed shifts the low seven bits of raw into the window. Once at least eight
// bits are buffered it returns the oldest eight of them and true.
func (u *Unpacker) Feed(raw byte) (byte, bool) {
	u.window = u.window<<payloadBits | uint32(raw&payloadMask)
	u.count += payloadBits
	if u.count < 8 {
		return 0, false
	}
	u.count -= 8
	out := byte(u.window >> u.count)
	u.window &= 1<<u.count - 1
	return out, true
}

// Pending returns the number of buffered bits not yet decoded.
func (u *Unpacker) Pending() uint {
	return u.count
}

// PackedLen is the number of wire bytes needed to carry n payload bytes.
func PackedLen(n int) int {
	return (n*8 + payloadBits - 1) / payloadBits
}

// Pack produces what an Unpacker decodes back into data. The last wire byte
// is padded with zero bits.
func Pack(data []byte) []byte {
	out := make([]byte, 0, PackedLen(len(data)))
	var (
		window uint32
		count  uint
	)
	for _, b := range data {
		window = window<<8 | uint32(b)
		count += 8
		for count >= payloadBits {
			count -= payloadBits
			out = append(out, byte(window>>count)&payloadMask)
		}
		window &= 1<<count - 1
	}
	if count > 0 {
		out = append(out, byte(window<<(payloadBits-count))&payloadMask)
	}
	return out
}
