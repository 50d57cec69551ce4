// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package server provides the TCP server frame: a listening-socket bind
// helper, SIGINT/SIGTERM terminators, and a TCPServer that accepts
// connections onto dispatcher tasks.
package server

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// AddressFamily restricts which resolved address families Bind listens on.
type AddressFamily int

const (
	// FamilyAny binds every address family resolve returns (IPv4 and IPv6).
	FamilyAny AddressFamily = iota
	// FamilyV4 binds only IPv4 addresses.
	FamilyV4
	// FamilyV6 binds only IPv6 addresses.
	FamilyV6
)

// BindOptions configures Bind.
type BindOptions struct {
	// Backlog is the listen backlog passed to the kernel. Zero selects 128.
	Backlog int
	// ReusePort sets SO_REUSEPORT on each listening socket, letting
	// multiple processes share one port.
	ReusePort bool
	// Family restricts which resolved address families are bound.
	Family AddressFamily
}

// Bind resolves host:port (an empty host means all addresses) and creates
// one non-blocking, listening socket per resolved address, deduplicated by
// socket address. Each socket has SO_REUSEADDR set (mirroring
// original_source/squall/core/network.py's bind_sockets, which skips
// SO_REUSEADDR on Windows — this module only targets Unix so it is always
// set) and, if ReusePort is requested, SO_REUSEPORT.
func Bind(port int, host string, opts BindOptions) ([]*os.File, error) {
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 128
	}

	network := "tcp"
	switch opts.Family {
	case FamilyV4:
		network = "tcp4"
	case FamilyV6:
		network = "tcp6"
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	resolved, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("server: resolve %s: %w", addr, err)
	}

	type boundAddr struct {
		family int
		ip     string
		port   int
	}
	seen := make(map[boundAddr]bool)

	var addrs []*net.TCPAddr
	switch {
	case host != "":
		addrs = []*net.TCPAddr{resolved}
	case opts.Family == FamilyV6:
		addrs = []*net.TCPAddr{{IP: net.IPv6zero, Port: resolved.Port}}
	case opts.Family == FamilyV4:
		addrs = []*net.TCPAddr{{IP: net.IPv4zero, Port: resolved.Port}}
	default:
		// FamilyAny with no host: listen on both wildcard addresses,
		// mirroring bind_sockets's getaddrinfo(..., AI_PASSIVE) fan-out.
		addrs = []*net.TCPAddr{
			{IP: net.IPv4zero, Port: resolved.Port},
			{IP: net.IPv6zero, Port: resolved.Port},
		}
	}

	var files []*os.File
	for _, a := range addrs {
		family := unix.AF_INET
		sockaddr := toSockaddrInet4(a)
		if a.IP.To4() == nil {
			family = unix.AF_INET6
			sockaddr = toSockaddrInet6(a)
		}

		key := boundAddr{family: family, ip: a.IP.String(), port: a.Port}
		if seen[key] {
			continue
		}
		seen[key] = true

		fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("server: socket: %w", err)
		}

		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			closeAll(files)
			return nil, fmt.Errorf("server: SO_REUSEADDR: %w", err)
		}
		if opts.ReusePort {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				_ = unix.Close(fd)
				closeAll(files)
				return nil, fmt.Errorf("server: SO_REUSEPORT: %w", err)
			}
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			closeAll(files)
			return nil, fmt.Errorf("server: set nonblocking: %w", err)
		}
		if err := unix.Bind(fd, sockaddr); err != nil {
			_ = unix.Close(fd)
			closeAll(files)
			return nil, fmt.Errorf("server: bind %s: %w", a, err)
		}
		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			closeAll(files)
			return nil, fmt.Errorf("server: listen %s: %w", a, err)
		}

		files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("listener:%s", a)))
	}

	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func toSockaddrInet4(a *net.TCPAddr) unix.Sockaddr {
	sa := &unix.SockaddrInet4{Port: a.Port}
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func toSockaddrInet6(a *net.TCPAddr) unix.Sockaddr {
	sa := &unix.SockaddrInet6{Port: a.Port}
	if ip6 := a.IP.To16(); ip6 != nil {
		copy(sa.Addr[:], ip6)
	}
	return sa
}
