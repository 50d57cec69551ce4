// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package server

import (
	"errors"
	"net"
	"os"
	"sync"

	async "github.com/joeycumines/go-async"
	"github.com/joeycumines/go-async/autobuffer"
	"github.com/joeycumines/go-async/dispatcher"
	"github.com/joeycumines/go-async/stream"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"
)

// maxAcceptsPerEvent bounds how many connections a single readiness
// notification drains before yielding back to the reactor, matching
// original_source/squall/core/network.py's `range(128)` accept loop.
const maxAcceptsPerEvent = 128

// Handler is submitted as a dispatcher task for each accepted connection.
// Its return value and error become the task's Result.
type Handler func(t *dispatcher.Task, s *stream.Stream, peer net.Addr) (any, error)

// TCPServer accepts TCP connections onto dispatcher tasks, one Stream per
// connection, optionally throttled by a rate limiter keyed on the remote
// address.
type TCPServer struct {
	disp       *dispatcher.Dispatcher
	handler    Handler
	blockSize  int
	bufferSize int
	limiter    *catrate.Limiter

	mu          sync.Mutex
	listeners   map[listenKey][]*os.File
	acceptorFDs map[listenKey][]int
	connections map[*dispatcher.Task]*stream.Stream
}

type listenKey struct {
	port int
	host string
}

// Option configures a TCPServer.
type Option func(*TCPServer)

// WithBlockSize overrides the per-connection auto-buffer block size
// (default: autobuffer's minimum, 1024 bytes).
func WithBlockSize(n int) Option {
	return func(s *TCPServer) { s.blockSize = n }
}

// WithBufferSize overrides the per-connection auto-buffer maximum size
// (default: 64KiB).
func WithBufferSize(n int) Option {
	return func(s *TCPServer) { s.bufferSize = n }
}

// WithRateLimiter attaches a *catrate.Limiter keyed on the remote IP
// address; connections exceeding the limit are closed immediately, without
// ever being submitted to handler. A nil limiter (the default) disables
// throttling.
func WithRateLimiter(limiter *catrate.Limiter) Option {
	return func(s *TCPServer) { s.limiter = limiter }
}

// New constructs a TCPServer that runs on d and submits handler for each
// accepted connection.
func New(d *dispatcher.Dispatcher, handler Handler, opts ...Option) *TCPServer {
	s := &TCPServer{
		disp:        d,
		handler:     handler,
		bufferSize:  64 * 1024,
		listeners:   make(map[listenKey][]*os.File),
		acceptorFDs: make(map[listenKey][]int),
		connections: make(map[*dispatcher.Task]*stream.Stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind resolves and listens on port/host (see the package-level Bind
// helper for semantics) and immediately registers each listening socket
// as a reactor acceptor. Must be called after the server's dispatcher has
// started running (e.g. from a goroutine other than the one blocked in
// Dispatcher.Start).
func (s *TCPServer) Bind(port int, host string, opts BindOptions) error {
	files, err := Bind(port, host, opts)
	if err != nil {
		return err
	}

	key := listenKey{port: port, host: host}
	s.mu.Lock()
	s.listeners[key] = append(s.listeners[key], files...)
	s.mu.Unlock()

	for _, f := range files {
		fd := int(f.Fd())
		if err := s.registerAcceptor(fd); err != nil {
			return err
		}
		s.mu.Lock()
		s.acceptorFDs[key] = append(s.acceptorFDs[key], fd)
		s.mu.Unlock()
	}
	return nil
}

// Unbind cancels the acceptors and closes the listening sockets previously
// bound to port/host.
func (s *TCPServer) Unbind(port int, host string) {
	key := listenKey{port: port, host: host}

	s.mu.Lock()
	files := s.listeners[key]
	delete(s.listeners, key)
	fds := s.acceptorFDs[key]
	delete(s.acceptorFDs, key)
	s.mu.Unlock()

	for _, fd := range fds {
		_ = s.disp.Reactor().CancelIO(async.IoHandle(fd))
	}
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *TCPServer) registerAcceptor(fd int) error {
	_, err := s.disp.Reactor().SetupIO(func(ev async.IOMask) {
		s.onAcceptable(fd, ev)
	}, fd, async.EventRead)
	return err
}

func (s *TCPServer) onAcceptable(listenFD int, ev async.IOMask) {
	if ev&async.EventRead == 0 {
		return
	}
	for i := 0; i < maxAcceptsPerEvent; i++ {
		connFD, sa, err := unix.Accept(listenFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			async.LogAcceptError(s.disp.Reactor().Logger(), err, false)
			return
		}
		s.accept(connFD, sa)
	}
}

func (s *TCPServer) accept(connFD int, sa unix.Sockaddr) {
	peer := sockaddrToAddr(sa)

	if s.limiter != nil {
		// Key on the IP alone: each connection has its own ephemeral port.
		if _, ok := s.limiter.Allow(peer.(*net.TCPAddr).IP.String()); !ok {
			async.LogAcceptThrottled(s.disp.Reactor().Logger(), peer.String())
			_ = unix.Close(connFD)
			return
		}
	}

	if err := unix.SetNonblock(connFD, true); err != nil {
		_ = unix.Close(connFD)
		return
	}

	blockSize := s.blockSize
	st := stream.New(autobuffer.NewSocket(s.disp.Reactor(), connFD, blockSize, s.bufferSize))

	var task *dispatcher.Task
	task = s.disp.Submit(func(t *dispatcher.Task) (any, error) {
		return s.handler(t, st, peer)
	})

	if task.Done() {
		st.Close()
		return
	}

	s.mu.Lock()
	s.connections[task] = st
	s.mu.Unlock()

	task.OnDone(func(*dispatcher.Task) {
		s.mu.Lock()
		conn, ok := s.connections[task]
		delete(s.connections, task)
		s.mu.Unlock()
		if ok && conn.Active() {
			conn.Close()
		}
	})
}

// Stop cancels every acceptor, closes every listening socket, cancels
// every in-flight handler task (which, via its done-callback, closes its
// stream), and stops the dispatcher.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	keys := make([]listenKey, 0, len(s.listeners))
	for k := range s.listeners {
		keys = append(keys, k)
	}
	tasks := make([]*dispatcher.Task, 0, len(s.connections))
	for t := range s.connections {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.Unbind(k.port, k.host)
	}
	for _, t := range tasks {
		t.Cancel()
	}
	s.disp.Stop()
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
