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
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const listenerBacklog = unix.SOMAXCONN

// TCPSocket creates a non-blocking TCP socket. A passive socket is bound and
// listening; an active one has a connect in progress. The returned address is
// the bound local address for passive sockets and the peer address otherwise.
func TCPSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	return tcpSocket(proto, addr, passive, sockOpts...)
}

func tcpSocket(proto, addr string, passive bool, sockOpts ...Option) (fd int, netAddr net.Addr, err error) {
	sa, family, tcpAddr, err := getTCPSockAddr(proto, addr)
	if err != nil {
		return -1, nil, err
	}
	netAddr = tcpAddr

	if fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP); err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	for _, sockOpt := range sockOpts {
		if err = sockOpt.SetSockOpt(fd, sockOpt.Opt); err != nil {
			return
		}
	}

	if passive {
		if err = os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
			return
		}
		if err = os.NewSyscallError("listen", unix.Listen(fd, listenerBacklog)); err != nil {
			return
		}
		// port 0 binds resolve to a concrete port only after bind
		var bound unix.Sockaddr
		if bound, err = unix.Getsockname(fd); err != nil {
			err = os.NewSyscallError("getsockname", err)
			return
		}
		netAddr = SockaddrToTCPAddr(bound)
		return
	}

	if err = unix.Connect(fd, sa); err == unix.EINPROGRESS {
		err = nil
	}
	err = os.NewSyscallError("connect", err)
	return
}

func getTCPSockAddr(proto, addr string) (sa unix.Sockaddr, family int, tcpAddr *net.TCPAddr, err error) {
	if tcpAddr, err = net.ResolveTCPAddr(proto, addr); err != nil {
		return
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil || proto == "tcp4" {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		return sa4, unix.AF_INET, tcpAddr, nil
	}

	sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa6.Addr[:], tcpAddr.IP.To16())
	if tcpAddr.Zone != "" {
		var iface *net.Interface
		if iface, err = net.InterfaceByName(tcpAddr.Zone); err != nil {
			return
		}
		sa6.ZoneId = uint32(iface.Index)
	}
	return sa6, unix.AF_INET6, tcpAddr, nil
}

// SockaddrToTCPAddr converts a unix.Sockaddr to a net.TCPAddr.
// It returns nil for non-IP socket addresses.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		var zone string
		if sa.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = iface.Name
			}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port, Zone: zone}
	}
	return nil
}
