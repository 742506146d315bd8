package pollnet

import "github.com/pkg/errors"

// ErrShortBuffer is returned by Consume when fewer bytes are buffered than requested.
var ErrShortBuffer = errors.New("short buffer")

// Buffer accumulates inbound bytes and queues outbound bytes for one connection.
// It never waits: callers check Len before consuming.
type Buffer struct {
	in  []byte
	out []byte
	max int // cap on pending inbound bytes, 0 for none
}

// NewBuffer returns a buffer holding at most max pending inbound bytes.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Append adds p to the inbound tail.
func (b *Buffer) Append(p []byte) error {
	if b.max > 0 && len(b.in)+len(p) > b.max {
		return errors.Wrapf(ErrMessageTooLarge, "%d pending bytes exceed %d", len(b.in)+len(p), b.max)
	}
	b.in = append(b.in, p...)
	return nil
}

// Len returns the number of unconsumed inbound bytes.
func (b *Buffer) Len() int {
	return len(b.in)
}

// Consume removes and returns the first n inbound bytes.
func (b *Buffer) Consume(n int) ([]byte, error) {
	if n < 0 || n > len(b.in) {
		return nil, errors.Wrapf(ErrShortBuffer, "consume %d of %d", n, len(b.in))
	}
	p := make([]byte, n)
	copy(p, b.in)

	// compact instead of reslicing so the backing array does not grow without bound
	rest := copy(b.in, b.in[n:])
	b.in = b.in[:rest]
	return p, nil
}

// Enqueue adds p to the outbound tail.
func (b *Buffer) Enqueue(p []byte) {
	b.out = append(b.out, p...)
}

// Outbound returns the bytes not yet accepted by the socket.
// The slice is only valid until the next Drain or Enqueue.
func (b *Buffer) Outbound() []byte {
	return b.out
}

// OutboundLen returns the number of bytes waiting to be sent.
func (b *Buffer) OutboundLen() int {
	return len(b.out)
}

// Drain removes n sent bytes from the outbound head.
func (b *Buffer) Drain(n int) {
	if n >= len(b.out) {
		b.out = b.out[:0]
		return
	}
	rest := copy(b.out, b.out[n:])
	b.out = b.out[:rest]
}

// Reset releases both queues.
func (b *Buffer) Reset() {
	b.in = nil
	b.out = nil
}
