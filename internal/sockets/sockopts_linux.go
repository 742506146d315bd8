// Copyright (c) 2022 Rocky Yang
// Copyright (c) 2020 Andy Pan
// Copyright (c) 2017 Max Riveiro
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package sockets

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetOptions converts SocketOptions into the setters applied before bind or connect.
func SetOptions(options SocketOptions) []Option {
	var sockOpts []Option
	if options.ReusePort {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetReuseport, Opt: 1})
	}
	if options.ReuseAddr {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetReuseAddr, Opt: 1})
	}
	if options.TCPNoDelay == TCPNoDelay {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetNoDelay, Opt: 1})
	}
	if options.TCPKeepAlive > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetKeepAlivePeriod, Opt: int(options.TCPKeepAlive.Seconds())})
	}
	if options.SocketRecvBuffer > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetRecvBuffer, Opt: options.SocketRecvBuffer})
	}
	if options.SocketSendBuffer > 0 {
		sockOpts = append(sockOpts, Option{SetSockOpt: SetSendBuffer, Opt: options.SocketSendBuffer})
	}
	return sockOpts
}

// SetNoDelay controls whether the operating system should delay
// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
func SetNoDelay(fd, noDelay int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay))
}

// SetRecvBuffer sets the size of the operating system's
// receive buffer associated with the connection.
func SetRecvBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size))
}

// SetSendBuffer sets the size of the operating system's
// transmit buffer associated with the connection.
func SetSendBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size))
}

// SetReuseport enables SO_REUSEPORT option on socket.
func SetReuseport(fd, reusePort int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, reusePort))
}

// SetReuseAddr enables SO_REUSEADDR option on socket.
func SetReuseAddr(fd, reuseAddr int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, reuseAddr))
}

// SetKeepAlivePeriod enables SO_KEEPALIVE with the given probe period in seconds.
func SetKeepAlivePeriod(fd, secs int) error {
	if secs <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs))
}
