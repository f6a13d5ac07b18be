// SPDX-License-Identifier: GPL-2.0-only

package proto

import (
	"bytes"
	"time"
)

// CommandDelay is the pause the host leaves between consecutive request
// messages. The device acknowledges nothing in between; it only needs time
// to process the previous message.
const CommandDelay = 100 * time.Millisecond

// Expect compares a received marker with the expected literal.
func Expect(op string, actual, expected []byte) error {
	if !bytes.Equal(actual, expected) {
		return &MismatchError{Op: op, Expected: expected, Actual: bytes.Clone(actual)}
	}
	return nil
}

// ExpectSuffix checks that actual ends with the expected literal. Anything in
// front of it (boot log noise) is ignored.
func ExpectSuffix(op string, actual, expected []byte) error {
	if len(actual) < len(expected) {
		return &MismatchError{Op: op, Expected: expected, Actual: bytes.Clone(actual)}
	}
	return Expect(op, actual[len(actual)-len(expected):], expected)
}
