// Package pollnet multiplexes many TCP connections on a single goroutine with
// readiness-based I/O and carries a length-prefixed, self-describing frame
// over each of them: a 2-byte big-endian metadata length, a JSON metadata
// block, and a payload whose size the metadata declares.
package pollnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Default configuration values.
const (
	// defaultReadChunkSize is the number of bytes requested per read readiness event.
	defaultReadChunkSize = 4096
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// Phase is a connection's position in the inbound frame sequence.
// Phases only move forward; Closed is terminal.
type Phase int32

// Connection phases.
const (
	AwaitingLength Phase = iota
	AwaitingMetadata
	AwaitingPayload
	Complete
	Closed
)

var phaseNames = [...]string{"awaiting-length", "awaiting-metadata", "awaiting-payload", "complete", "closed"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// registry is the part of the dispatcher a connection reports back to.
type registry interface {
	modify(c *Conn, events Event) error
	unregister(c *Conn) error
}

// Conn drives one non-blocking socket through a single request/response
// exchange. It is not safe for concurrent use: its dispatcher calls it from
// one goroutine only.
type Conn struct {
	sock    Socket
	addr    net.Addr
	reg     registry
	opts    *options
	logger  Logger
	metrics *connMetrics

	buf   *Buffer
	chunk []byte

	phase    Phase
	metaLen  uint16
	metadata *Metadata
	message  *Message

	pending  *Request // outbound content, nil until there is something to send
	queued   bool     // pending has been framed into the outbound buffer
	interest Event

	lastActive time.Time
	closeErr   error
}

func newConn(sock Socket, reg registry, opts *options, m *connMetrics, req *Request) *Conn {
	return &Conn{
		sock:       sock,
		addr:       sock.RemoteAddr(),
		reg:        reg,
		opts:       opts,
		logger:     opts.logger,
		metrics:    m,
		buf:        NewBuffer(inboundLimit(opts)),
		chunk:      make([]byte, opts.readChunkSize),
		pending:    req,
		lastActive: time.Now(),
	}
}

// inboundLimit bounds the pending inbound bytes: one whole frame with the
// largest metadata block and payload allowed, plus one read chunk of the next.
func inboundLimit(opts *options) int {
	return HeaderLengthSize + MaxMetadataLength + opts.maxReadLength + opts.readChunkSize
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.addr
}

// Phase returns the current protocol phase.
func (c *Conn) Phase() Phase {
	return c.phase
}

// Message returns the decoded inbound message, nil before Complete.
func (c *Conn) Message() *Message {
	return c.message
}

// Err returns the error that closed the connection, nil for a clean close.
func (c *Conn) Err() error {
	return c.closeErr
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.phase == Closed
}

// Reply queues a response to the message being delivered. It is only valid
// from the message callback of a connection that has nothing else to send;
// the connection closes once the response is fully written.
func (c *Conn) Reply(req *Request) error {
	if c.phase == Closed {
		return ErrConnectionClosed
	}
	if c.phase != Complete || c.pending != nil || req == nil {
		return ErrReplyNotAllowed
	}
	c.pending = req
	return nil
}

// HandleEvent services one readiness notification: reads first, then
// writes. A returned error means the connection must be closed.
func (c *Conn) HandleEvent(events Event) error {
	if c.phase == Closed {
		return ErrConnectionClosed
	}
	if events&EventRead != 0 {
		if err := c.handleRead(); err != nil {
			return err
		}
	}
	// the read may have completed the exchange and closed the connection
	if events&EventWrite != 0 && c.phase != Closed {
		if err := c.handleWrite(); err != nil {
			return err
		}
	}
	return nil
}

// handleRead performs one non-blocking read and advances the phases as far
// as the buffered bytes allow.
func (c *Conn) handleRead() error {
	n, err := c.sock.Read(c.chunk)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return c.advance()
	case errors.Is(err, io.EOF), err == nil && n == 0:
		return ErrPeerClosed
	case err != nil:
		return &IOError{Op: "read", Err: err}
	}

	c.lastActive = time.Now()
	c.metrics.bytesRead.Add(float64(n))
	if err := c.buf.Append(c.chunk[:n]); err != nil {
		return err
	}
	return c.advance()
}

// advance attempts every remaining phase in order so that a single read
// holding a whole frame completes it in one event.
func (c *Conn) advance() error {
	if c.phase == AwaitingLength && c.buf.Len() >= HeaderLengthSize {
		b, err := c.buf.Consume(HeaderLengthSize)
		if err != nil {
			return err
		}
		c.metaLen = binary.BigEndian.Uint16(b)
		c.phase = AwaitingMetadata
	}

	if c.phase == AwaitingMetadata && c.buf.Len() >= int(c.metaLen) {
		b, err := c.buf.Consume(int(c.metaLen))
		if err != nil {
			return err
		}
		fields, err := DecodeMetadata(b, EncodingUTF8)
		if err != nil {
			return err
		}
		meta, err := ParseMetadata(fields)
		if err != nil {
			return err
		}
		if meta.ContentLength > c.opts.maxReadLength {
			return fmt.Errorf("%w: content-length %d exceeds %d", ErrMessageTooLarge, meta.ContentLength, c.opts.maxReadLength)
		}
		c.metadata = &meta
		c.phase = AwaitingPayload
	}

	if c.phase == AwaitingPayload && c.buf.Len() >= c.metadata.ContentLength {
		payload, err := c.buf.Consume(c.metadata.ContentLength)
		if err != nil {
			return err
		}
		msg, err := decodeMessage(*c.metadata, payload)
		if err != nil {
			return err
		}
		c.message = msg
		c.phase = Complete
		c.metrics.framesDecoded.Inc()
		return c.complete()
	}

	return nil
}

// complete hands the message to the application, then either switches to
// sending a reply or closes the one-shot exchange.
func (c *Conn) complete() error {
	c.logger.Debug("message received", "addr", c.addr,
		"content_type", c.message.Metadata.ContentType,
		"content_length", c.message.Metadata.ContentLength)

	if err := c.opts.onMessage(c, c.message); err != nil {
		return err
	}
	if c.phase == Closed {
		return nil
	}

	if c.pending != nil && !c.queued {
		return c.setInterest(EventWrite)
	}
	c.Close()
	return nil
}

// handleWrite frames the pending request once, then pushes as much of the
// outbound buffer as the socket accepts.
func (c *Conn) handleWrite() error {
	if !c.queued && c.pending != nil {
		frame, err := c.pending.Frame()
		if err != nil {
			return err
		}
		c.buf.Enqueue(frame)
		c.queued = true
		c.metrics.framesEncoded.Inc()
	}

	if c.buf.OutboundLen() > 0 {
		n, err := c.sock.Write(c.buf.Outbound())
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return &IOError{Op: "write", Err: err}
		}
		if n > 0 {
			c.buf.Drain(n)
			c.lastActive = time.Now()
			c.metrics.bytesWritten.Add(float64(n))
		}
		c.logger.Debug("sent", "addr", c.addr, "bytes", n, "remaining", c.buf.OutboundLen())
	}

	if c.queued && c.buf.OutboundLen() == 0 {
		if c.phase == Complete {
			c.Close()
			return nil
		}
		return c.setInterest(EventRead)
	}
	return nil
}

func (c *Conn) setInterest(events Event) error {
	if c.interest == events {
		return nil
	}
	if err := c.reg.modify(c, events); err != nil {
		return err
	}
	c.interest = events
	return nil
}

// Close unregisters the connection, closes the socket and releases its
// buffers. Failures along the way are logged, never returned.
// Safe to call multiple times.
func (c *Conn) Close() {
	c.shutdown(nil)
}

func (c *Conn) shutdown(cause error) {
	if c.phase == Closed {
		return
	}
	c.phase = Closed
	c.closeErr = cause

	if err := c.reg.unregister(c); err != nil {
		c.logger.Warn("unregister failed", "addr", c.addr, "error", err)
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Warn("socket close failed", "addr", c.addr, "error", err)
	}
	c.buf.Reset()
	c.chunk = nil
	c.metrics.closed.WithLabelValues(closeReason(cause)).Inc()

	if cause != nil && !errors.Is(cause, ErrPeerClosed) {
		c.logger.Info("connection closed with error", "addr", c.addr, "error", cause)
	} else {
		c.logger.Info("connection closed", "addr", c.addr)
	}
}
