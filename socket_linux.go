//go:build linux

package pollnet

import (
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Zereker/pollnet/internal/sockets"
)

// fdSocket is a connected socket driven by raw non-blocking syscalls.
type fdSocket struct {
	fd   int
	addr net.Addr
}

func (s *fdSocket) Fd() int { return s.fd }

func (s *fdSocket) RemoteAddr() net.Addr { return s.addr }

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (s *fdSocket) Write(p []byte) (int, error) {
	n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fdSocket) Close() error {
	return unix.Close(s.fd)
}

// fdListener is a non-blocking listening socket.
type fdListener struct {
	fd   int
	addr net.Addr
	opts sockets.SocketOptions
}

// Listen opens a non-blocking listening socket on addr. SO_REUSEADDR is
// always set.
func Listen(addr *net.TCPAddr, opts SocketOptions) (Listener, error) {
	opts.ReuseAddr = true
	fd, bound, err := sockets.TCPSocket(addr.Network(), addr.String(), true, sockets.SetOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &fdListener{fd: fd, addr: bound, opts: opts}, nil
}

func (l *fdListener) Fd() int { return l.fd }

func (l *fdListener) Addr() net.Addr { return l.addr }

func (l *fdListener) Accept() (Socket, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return nil, ErrWouldBlock
		}
		return nil, err
	}

	if l.opts.TCPNoDelay == sockets.TCPNoDelay {
		_ = sockets.SetNoDelay(fd, 1)
	}
	return &fdSocket{fd: fd, addr: sockets.SockaddrToTCPAddr(sa)}, nil
}

func (l *fdListener) Close() error {
	return unix.Close(l.fd)
}

// Dial starts a non-blocking connect to addr. The connection completes, or
// fails, asynchronously; the first read or write reports a failure.
func Dial(addr *net.TCPAddr, opts SocketOptions) (Socket, error) {
	fd, peer, err := sockets.TCPSocket(addr.Network(), addr.String(), false, sockets.SetOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &fdSocket{fd: fd, addr: peer}, nil
}
