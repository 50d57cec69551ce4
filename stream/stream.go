// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package stream provides a blocking, coroutine-friendly read/write API
// over an autobuffer.AutoBuffer, suspending the calling dispatcher.Task
// instead of taking a callback.
package stream

import (
	"errors"
	"time"

	async "github.com/joeycumines/go-async"
	"github.com/joeycumines/go-async/autobuffer"
	"github.com/joeycumines/go-async/dispatcher"
)

// errEarlyResolved is an internal sentinel used to unwind Task.Await
// without suspending when a read resolved synchronously; it is never
// returned to callers of ReadUntil/ReadExactly.
var errEarlyResolved = errors.New("stream: resolved without suspending")

// Stream wraps an autobuffer.AutoBuffer with blocking methods driven by a
// single dispatcher.Task at a time. It is not safe for concurrent use from
// more than one task.
type Stream struct {
	buf *autobuffer.AutoBuffer
}

// New wraps buf for use from task bodies.
func New(buf *autobuffer.AutoBuffer) *Stream {
	return &Stream{buf: buf}
}

// Active reports whether the underlying descriptor is still open.
func (s *Stream) Active() bool { return s.buf.Active() }

// BlockSize returns the per-syscall read/write chunk size.
func (s *Stream) BlockSize() int { return s.buf.BlockSize() }

// BufferSize returns the maximum bytes either direction will buffer.
func (s *Stream) BufferSize() int { return s.buf.BufferSize() }

// Read returns up to maxBytes already sitting in the incoming buffer,
// without waiting for more to arrive. It never blocks.
func (s *Stream) Read(maxBytes int) []byte {
	return s.buf.Read(maxBytes)
}

// ReadUntil suspends t until delimiter is found in the incoming stream
// (returning all bytes up to and including it), maxBytes is reached
// without finding it (*async.DelimiterNotFoundError), timeout elapses
// (*async.TimeoutError), or an I/O error occurs.
//
// An empty delimiter is rejected with an error. maxBytes <= 0 selects the
// stream's full BufferSize. timeout < 0 returns *async.TimeoutError
// immediately without suspending; timeout == 0 waits indefinitely.
func (s *Stream) ReadUntil(t *dispatcher.Task, delimiter []byte, maxBytes int, timeout time.Duration) ([]byte, error) {
	if len(delimiter) == 0 {
		return nil, errors.New("stream: empty delimiter")
	}
	if timeout < 0 {
		return nil, &async.TimeoutError{}
	}
	if maxBytes <= 0 || maxBytes > s.buf.BufferSize() {
		maxBytes = s.buf.BufferSize()
	}
	return awaitRead(t, s.buf, timeout, func(cb autobuffer.ReadCallback) (bool, []byte, error) {
		return s.buf.SetupReadUntil(cb, delimiter, maxBytes)
	})
}

// ReadExactly suspends t until numBytes bytes are available, timeout
// elapses (*async.TimeoutError), or an I/O error occurs.
//
// timeout < 0 returns *async.TimeoutError immediately without suspending;
// timeout == 0 waits indefinitely.
func (s *Stream) ReadExactly(t *dispatcher.Task, numBytes int, timeout time.Duration) ([]byte, error) {
	if timeout < 0 {
		return nil, &async.TimeoutError{}
	}
	if numBytes > s.buf.BufferSize() {
		numBytes = s.buf.BufferSize()
	}
	return awaitRead(t, s.buf, timeout, func(cb autobuffer.ReadCallback) (bool, []byte, error) {
		return s.buf.SetupReadExactly(cb, numBytes)
	})
}

// Write queues data in the outgoing buffer, returning the number of bytes
// actually accepted. It never blocks; pair with Flush to wait for the
// buffer to drain.
func (s *Stream) Write(data []byte) int {
	return s.buf.Write(data)
}

// Flush suspends t until the outgoing buffer fully drains, timeout
// elapses (*async.TimeoutError), or an I/O error occurs.
//
// timeout < 0 returns *async.TimeoutError immediately without suspending;
// timeout == 0 waits indefinitely.
func (s *Stream) Flush(t *dispatcher.Task, timeout time.Duration) error {
	if timeout < 0 {
		return &async.TimeoutError{}
	}

	reactor := t.Dispatcher().Reactor()
	haveTimeout := timeout > 0
	var timeoutHandle async.TimerHandle
	var earlyErr error
	resolvedEarly := false

	_, err := t.Await(func(resume func(any, error)) (func(), error) {
		early, serr := s.buf.SetupFlush(func(ferr error) { resume(nil, ferr) })
		if early {
			resolvedEarly = true
			earlyErr = serr
			return nil, errEarlyResolved
		}
		if haveTimeout {
			timeoutHandle = reactor.SetupTimer(func() {
				resume(nil, &async.TimeoutError{})
			}, timeout)
		}
		return func() {
			s.buf.Cancel(async.EventWrite)
			if haveTimeout {
				reactor.CancelTimer(timeoutHandle)
			}
		}, nil
	})
	if resolvedEarly {
		return earlyErr
	}
	return err
}

// Close closes the underlying auto-buffer, unregistering it from the
// reactor and closing its descriptor. Calling it again has no further
// effect.
func (s *Stream) Close() {
	s.buf.Close()
}

// awaitRead suspends t using setup, which must call one of the
// AutoBuffer Setup* methods with the supplied callback and return its
// (early, data, err) triple.
func awaitRead(t *dispatcher.Task, buf *autobuffer.AutoBuffer, timeout time.Duration, setup func(autobuffer.ReadCallback) (bool, []byte, error)) ([]byte, error) {
	reactor := t.Dispatcher().Reactor()
	haveTimeout := timeout > 0
	var timeoutHandle async.TimerHandle
	var earlyData []byte
	var earlyErr error
	resolvedEarly := false

	value, err := t.Await(func(resume func(any, error)) (func(), error) {
		early, data, serr := setup(func(d []byte, derr error) {
			resume(d, derr)
		})
		if early {
			resolvedEarly = true
			earlyData, earlyErr = data, serr
			return nil, errEarlyResolved
		}
		if haveTimeout {
			timeoutHandle = reactor.SetupTimer(func() {
				resume(nil, &async.TimeoutError{})
			}, timeout)
		}
		return func() {
			buf.Cancel(async.EventRead)
			if haveTimeout {
				reactor.CancelTimer(timeoutHandle)
			}
		}, nil
	})
	if resolvedEarly {
		return earlyData, earlyErr
	}
	if err != nil {
		return nil, err
	}
	data, _ := value.([]byte)
	return data, nil
}
