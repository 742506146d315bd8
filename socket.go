package pollnet

import (
	"net"

	"github.com/Zereker/pollnet/internal/sockets"
)

// Socket is a connected non-blocking stream socket.
//
// Read returns ErrWouldBlock when no data is available and io.EOF once the
// peer has closed its end. Write returns ErrWouldBlock when the send buffer
// is full; a short count without error is a normal partial send.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	RemoteAddr() net.Addr
	Close() error
}

// Listener is a non-blocking listening socket.
// Accept returns ErrWouldBlock when no connection is pending.
type Listener interface {
	Fd() int
	Accept() (Socket, error)
	Addr() net.Addr
	Close() error
}

// SocketOptions configures listening and dialed sockets.
type SocketOptions = sockets.SocketOptions

// Nagle settings for SocketOptions.TCPNoDelay.
const (
	TCPNoDelay = sockets.TCPNoDelay
	TCPDelay   = sockets.TCPDelay
)
