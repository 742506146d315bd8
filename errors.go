package pollnet

import (
	"errors"
	"fmt"
)

// Errors returned by connection and codec operations.
var (
	// ErrWouldBlock reports that a non-blocking socket has nothing to offer right now.
	// It never escapes a Conn: the work is retried on the next readiness event.
	ErrWouldBlock = errors.New("operation would block")
	// ErrPeerClosed is returned when a read observes the peer's end of stream.
	ErrPeerClosed = errors.New("peer closed")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrMetadataTooLarge is returned when an encoded metadata block does not fit the 2-byte prefix.
	ErrMetadataTooLarge = errors.New("metadata too large")
	// ErrMissingHeaderField matches every *MissingHeaderFieldError.
	ErrMissingHeaderField = errors.New("missing required header field")
	// ErrShortFrame is returned by DecodeFrame when the input ends inside a frame.
	ErrShortFrame = errors.New("short frame")
	// ErrIdleTimeout closes connections that saw no I/O within the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrUnsupportedPlatform is returned where no readiness poller is available.
	ErrUnsupportedPlatform = errors.New("readiness polling is not supported on this platform")
)

// Errors returned by dispatcher and connection setup.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrReplyNotAllowed is returned by Reply outside of message delivery on a server connection.
	ErrReplyNotAllowed = errors.New("reply not allowed")
	// ErrNoRequest is returned when dialing without a request to send.
	ErrNoRequest = errors.New("no request to send")
	// ErrAlreadyListening is returned when a dispatcher is given a second listener.
	ErrAlreadyListening = errors.New("dispatcher already has a listener")
)

// DecodeError reports a metadata block or payload that could not be decoded.
type DecodeError struct {
	Part string // "metadata" or "payload"
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MissingHeaderFieldError names the first required metadata key that was absent.
type MissingHeaderFieldError struct {
	Field string
}

func (e *MissingHeaderFieldError) Error() string {
	return fmt.Sprintf("missing required header %q", e.Field)
}

// Is makes errors.Is(err, ErrMissingHeaderField) hold for any missing field.
func (e *MissingHeaderFieldError) Is(target error) bool {
	return target == ErrMissingHeaderField
}

// IOError wraps a socket failure that is not a would-block condition.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }
