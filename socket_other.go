//go:build !linux

package pollnet

import "net"

// Listen opens a non-blocking listening socket.
func Listen(addr *net.TCPAddr, opts SocketOptions) (Listener, error) {
	return nil, ErrUnsupportedPlatform
}

// Dial starts a non-blocking connect.
func Dial(addr *net.TCPAddr, opts SocketOptions) (Socket, error) {
	return nil, ErrUnsupportedPlatform
}
