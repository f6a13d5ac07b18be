// SPDX-License-Identifier: GPL-2.0-only

// Package proto holds what the download-mode and bootstub protocols share:
// the error taxonomy, marker comparison and address parsing.
package proto

import (
	baseerrors "errors"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Transport error kinds. Match them with errors.Is.
var (
	ErrTransferTimeout      = errors.New("transfer timed out")
	ErrDeviceDisconnected   = errors.New("device disconnected")
	ErrInterfaceUnavailable = errors.New("interface unavailable")
	ErrConnectionClosed     = errors.New("connection closed")

	ErrPayloadTooLarge = errors.New("payload exceeds packet size")
)

// TransportError is a failed read or write on a USB or serial transport.
// It is always fatal.
type TransportError struct {
	Op   string
	Kind error
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports the kind of the failure, so that
// errors.Is(err, ErrTransferTimeout) holds for a wrapped timeout.
func (e *TransportError) Is(target error) bool {
	return target == e.Kind
}

// MismatchError means the device sent something other than the expected
// handshake, acknowledgment or end marker.
type MismatchError struct {
	Op       string
	Expected []byte
	Actual   []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: unexpected response: expected %q, got %q", e.Op, e.Expected, e.Actual)
}

// EchoMismatchError means the device echoed back a different byte than the
// one just uploaded; host and device are out of sync.
type EchoMismatchError struct {
	Offset   uint64
	Sent     byte
	Received byte
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("device did not echo back the correct byte at offset %d: sent 0x%02x, received 0x%02x",
		e.Offset, e.Sent, e.Received)
}

// ChecksumMismatchError describes a dump whose XOR checksum did not fold to
// zero. It is a warning; the dump is kept.
type ChecksumMismatchError struct {
	Accumulated byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum does not match: %#02x", e.Accumulated)
}

// ConfigurationError is raised before any transfer begins, e.g. when no
// suitable USB interface exists or the command arguments are unusable.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Process exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitTransport     = 2
	ExitMismatch      = 3
	ExitEchoMismatch  = 4
	ExitConfiguration = 5
)

// ExitCode maps err to the exit status of the process.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		transportErr *TransportError
		mismatchErr  *MismatchError
		echoErr      *EchoMismatchError
		configErr    *ConfigurationError
	)
	switch {
	case baseerrors.As(err, &echoErr):
		return ExitEchoMismatch
	case baseerrors.As(err, &mismatchErr):
		return ExitMismatch
	case baseerrors.As(err, &configErr):
		return ExitConfiguration
	case baseerrors.As(err, &transportErr), baseerrors.Is(err, ErrPayloadTooLarge):
		return ExitTransport
	default:
		return ExitFailure
	}
}
