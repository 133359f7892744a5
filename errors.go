package rcon

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the server rejects the password sent during the
	// authorization handshake. The client is closed before this error is returned.
	ErrUnauthorized = errors.New("rcon: authentication failed")

	// ErrClosed is returned by operations on a client that has been closed, either explicitly or
	// after a failed exchange.
	ErrClosed = errors.New("rcon: client closed")

	// ErrNotReady is returned when a command is issued before the client has authorized.
	ErrNotReady = errors.New("rcon: client not authorized")

	// ErrInvalidBody is returned for packet bodies that are not UTF-8 text or that contain a null
	// byte, which the protocol reserves as the body terminator.
	ErrInvalidBody = errors.New("rcon: body must be UTF-8 text without null bytes")

	// ErrBodyTooLarge is returned when a request body exceeds [ClientConfig.MaxRequestBody].
	ErrBodyTooLarge = errors.New("rcon: body too large")

	// ErrMalformedFrame matches every [FramingError] via [errors.Is].
	ErrMalformedFrame = errors.New("rcon: malformed frame")
)

// FramingError describes a packet whose header or body does not agree with the bytes actually
// available on the stream.
type FramingError struct {
	// Reason is a short description of the defect.
	Reason string

	// Length is the size declared by the offending packet header, when one was read.
	Length int32

	// Err is the underlying cause, typically [io.ErrUnexpectedEOF].
	Err error
}

func (e *FramingError) Error() string {
	msg := "rcon: malformed frame: " + e.Reason
	if e.Length != 0 {
		msg += fmt.Sprintf(" (declared size %d)", e.Length)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() error { return e.Err }

func (e *FramingError) Is(target error) bool { return target == ErrMalformedFrame }

// ConnError reports a transport failure: the connection could not be established, or a read or
// write on it failed. Op is one of "dial", "write" or "read".
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return "rcon: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a deadline expiring.
func (e *ConnError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) {
		return t.Timeout()
	}
	return false
}
