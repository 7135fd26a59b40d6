// Package halerr defines the typed error kinds surfaced by libifdse's
// core (spec §7). It holds no PC/SC response codes: package ifd chooses
// the response code at each call site.
//
// The wrapping-error-with-Unwrap shape follows the pattern used by
// github.com/daedaluz/goserial's error.go.
package halerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the core can surface.
type Kind int

const (
	// NotConfigured: null/invalid configuration string or unknown driver tag.
	NotConfigured Kind = iota
	// BusOpenFailed: unable to open a byte I/O handle.
	BusOpenFailed
	// Timeout: retry budget exhausted, or second-attempt retransmit failed.
	Timeout
	// ShortTransfer: I2C returned fewer bytes than requested with no error.
	ShortTransfer
	// ProtocolError: CRC mismatch, bad NAD, unexpected PCB, LEN>254, malformed
	// ATR, HB_LEN>15, chaining ack mismatch.
	ProtocolError
	// BufferTooSmall: caller-provided buffer cannot hold the response.
	BufferTooSmall
	// NotSupported: IFD operation not offered.
	NotSupported
)

func (k Kind) String() string {
	switch k {
	case NotConfigured:
		return "not configured"
	case BusOpenFailed:
		return "bus open failed"
	case Timeout:
		return "timeout"
	case ShortTransfer:
		return "short transfer"
	case ProtocolError:
		return "protocol error"
	case BufferTooSmall:
		return "buffer too small"
	case NotSupported:
		return "not supported"
	default:
		return "unknown error"
	}
}

// Error is a typed, wrappable error carrying one of the Kind values
// above plus an optional human-readable message and underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause, with an
// optional formatted message. If cause is nil, Wrap returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
