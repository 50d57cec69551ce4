package autobuffer

import (
	"errors"
	"syscall"

	async "github.com/joeycumines/go-async"
	"golang.org/x/sys/unix"
)

const (
	minBlockSize  = 1024
	minBufferSize = 4 * 1024
)

// adjustSizes rounds blockSize up to the nearest 1024-byte boundary (at
// least minBlockSize) and bufferSize down to a whole multiple of the
// resulting block size, raising it to the smallest such multiple that is at
// least minBufferSize.
func adjustSizes(blockSize, bufferSize int) (int, int) {
	if blockSize <= minBlockSize {
		blockSize = minBlockSize
	} else if rem := blockSize % 1024; rem != 0 {
		blockSize += 1024 - rem
	}
	if bufferSize <= minBufferSize {
		bufferSize = minBufferSize
	}
	bufferSize = (bufferSize / blockSize) * blockSize
	for bufferSize < minBufferSize {
		bufferSize += blockSize
	}
	return blockSize, bufferSize
}

// ReadCallback is invoked once with the bytes satisfying a read request,
// or a non-nil error (*async.EndOfFileError, *async.ConnectionResetError,
// *async.DelimiterNotFoundError, or *async.IoError).
type ReadCallback func(data []byte, err error)

// FlushCallback is invoked once a flush request is satisfied, or with a
// non-nil error.
type FlushCallback func(err error)

// AutoBuffer layers non-blocking, callback-driven read/write buffering
// over a single file descriptor registered with a reactor. It never
// blocks: every Setup* method either resolves synchronously (the data or
// drain condition was already available) or arms a callback invoked from
// the reactor goroutine the next time the descriptor becomes ready.
//
// An AutoBuffer is not safe for concurrent use; callers are expected to
// drive it from a single dispatcher task (directly or through the stream
// package), matching the reactor's single-goroutine execution model.
type AutoBuffer struct {
	fd      int
	reactor *async.Reactor

	blockSize  int
	bufferSize int

	in  *inBuffer
	out *outBuffer

	readCallback  ReadCallback
	flushCallback FlushCallback

	handle  async.IoHandle
	watched bool
	mode    async.IOMask
}

// New constructs an AutoBuffer over fd, using read and write to perform
// the underlying non-blocking I/O a block at a time.
func New(reactor *async.Reactor, fd int, blockSize, bufferSize int, read blockReader, write blockWriter) *AutoBuffer {
	blockSize, bufferSize = adjustSizes(blockSize, bufferSize)
	b := &AutoBuffer{
		fd:         fd,
		reactor:    reactor,
		blockSize:  blockSize,
		bufferSize: bufferSize,
		in:         newInBuffer(read, blockSize, bufferSize),
		out:        newOutBuffer(write, blockSize, bufferSize),
	}
	b.setMode(async.EventRead)
	return b
}

// NewSocket constructs an AutoBuffer for a socket file descriptor: a
// zero-length read is treated as the peer closing the connection
// (*async.ConnectionResetError), matching stream-socket EOF semantics.
func NewSocket(reactor *async.Reactor, fd int, blockSize, bufferSize int) *AutoBuffer {
	return New(reactor, fd, blockSize, bufferSize, socketReader(fd), fdWriter(fd))
}

// NewFile constructs an AutoBuffer for a regular file or pipe descriptor:
// a zero-length read is end of file (*async.EndOfFileError).
func NewFile(reactor *async.Reactor, fd int, blockSize, bufferSize int) *AutoBuffer {
	return New(reactor, fd, blockSize, bufferSize, fdReader(fd), fdWriter(fd))
}

func socketReader(fd int) blockReader {
	return func(size int) ([]byte, error) {
		buf := make([]byte, size)
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil, nil
			}
			return nil, &async.IoError{Errno: errnoOf(err), Cause: err}
		}
		if n == 0 {
			return nil, &async.ConnectionResetError{}
		}
		return buf[:n], nil
	}
}

func fdReader(fd int) blockReader {
	return func(size int) ([]byte, error) {
		buf := make([]byte, size)
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil, nil
			}
			return nil, &async.IoError{Errno: errnoOf(err), Cause: err}
		}
		return buf[:n], nil
	}
}

func fdWriter(fd int) blockWriter {
	return func(block []byte) (int, error) {
		n, err := unix.Write(fd, block)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, nil
			}
			return n, &async.IoError{Errno: errnoOf(err), Cause: err}
		}
		return n, nil
	}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

// Active reports whether the buffer still owns a live descriptor.
func (b *AutoBuffer) Active() bool { return b.fd >= 0 }

// BlockSize returns the per-syscall read/write chunk size.
func (b *AutoBuffer) BlockSize() int { return b.blockSize }

// BufferSize returns the maximum bytes either direction will buffer.
func (b *AutoBuffer) BufferSize() int { return b.bufferSize }

// IncomingSize returns the number of bytes currently buffered for read.
func (b *AutoBuffer) IncomingSize() int { return b.in.size() }

// OutcomingSize returns the number of bytes currently queued for write.
func (b *AutoBuffer) OutcomingSize() int { return b.out.size() }

// setMode registers (or updates) the reactor's I/O watch for this
// descriptor's current read/write interest.
func (b *AutoBuffer) setMode(mask async.IOMask) {
	if !b.Active() {
		return
	}
	if !b.watched {
		h, err := b.reactor.SetupIO(b.onEvent, b.fd, mask)
		if err != nil {
			return
		}
		b.handle = h
		b.watched = true
		b.mode = mask
		return
	}
	if mask != b.mode {
		if err := b.reactor.UpdateIO(b.handle, mask); err == nil {
			b.mode = mask
		}
	}
}

// SetupReadUntil arms a read for the next occurrence of delimiter, capped
// at maxBytes (0 selects BufferSize). If the delimiter already ends within
// the first maxBytes buffered bytes, or maxBytes bytes are buffered without
// it (*async.DelimiterNotFoundError), it resolves immediately: early is true
// and callback is NOT invoked. A read error that arrived while no read was
// pending is not retained, so it is not reported here.
func (b *AutoBuffer) SetupReadUntil(callback ReadCallback, delimiter []byte, maxBytes int) (early bool, data []byte, err error) {
	if !b.Active() {
		return true, nil, &async.EndOfFileError{}
	}
	if maxBytes <= 0 {
		maxBytes = b.bufferSize
	}
	b.readCallback = callback
	result := b.in.setup(maxBytes, delimiter)
	switch {
	case result > 0:
		b.Cancel(async.EventRead)
		return true, b.in.read(result), nil
	case result < 0:
		b.Cancel(async.EventRead)
		return true, nil, &async.DelimiterNotFoundError{Delimiter: delimiter, MaxBytes: maxBytes}
	}
	b.setMode(b.mode | async.EventRead)
	return false, nil, nil
}

// SetupReadExactly arms a read for exactly number bytes. If already
// buffered, it resolves immediately: early is true and callback is NOT
// invoked.
func (b *AutoBuffer) SetupReadExactly(callback ReadCallback, number int) (early bool, data []byte, err error) {
	if !b.Active() {
		return true, nil, &async.EndOfFileError{}
	}
	b.readCallback = callback
	result := b.in.setup(number, nil)
	if result > 0 {
		b.Cancel(async.EventRead)
		return true, b.in.read(result), nil
	}
	b.setMode(b.mode | async.EventRead)
	return false, nil, nil
}

// Read drains up to number bytes already sitting in the incoming buffer
// (all of it, if number <= 0), without arming a new request. If draining
// dropped the incoming buffer below BufferSize, READ interest (possibly
// paused by a prior high-water mark) is re-armed.
func (b *AutoBuffer) Read(number int) []byte {
	if !b.Active() {
		return nil
	}
	data := b.in.read(number)
	if b.IncomingSize() < b.bufferSize {
		b.setMode(b.mode | async.EventRead)
	}
	return data
}

// SetupFlush arms a callback for when the outgoing buffer fully drains.
// If it is already empty, it resolves immediately: early is true and
// callback is NOT invoked.
func (b *AutoBuffer) SetupFlush(callback FlushCallback) (early bool, err error) {
	if !b.Active() {
		return true, &async.EndOfFileError{}
	}
	b.flushCallback = callback
	if b.out.setup(0) == 1 {
		b.Cancel(async.EventWrite)
		return true, nil
	}
	return false, nil
}

// Write queues data for transmission, returning the number of bytes
// actually accepted (less than len(data) once BufferSize is reached).
func (b *AutoBuffer) Write(data []byte) int {
	if !b.Active() {
		return 0
	}
	b.setMode(b.mode | async.EventWrite)
	return b.out.write(data)
}

// Cancel clears any outstanding read and/or write callback named by mask
// (async.EventRead and/or async.EventWrite), without discarding buffered
// data.
func (b *AutoBuffer) Cancel(mask async.IOMask) {
	if mask&async.EventRead != 0 {
		b.readCallback = nil
		b.in.cancel()
	}
	if mask&async.EventWrite != 0 {
		b.flushCallback = nil
		b.out.cancel()
	}
}

// Close deactivates the buffer, unregisters it from the reactor, discards
// both buffers, and closes fd. Calling it again has no further effect.
func (b *AutoBuffer) Close() {
	if b.watched {
		_ = b.reactor.CancelIO(b.handle)
		b.watched = false
	}
	if b.fd >= 0 {
		_ = unix.Close(b.fd)
	}
	b.fd = -1
	b.in.cleanup()
	b.out.cleanup()
}

// onEvent runs on the reactor goroutine whenever the watched descriptor
// reports readiness; it drains/fills the buffers and fires any callback
// whose request is now satisfied.
func (b *AutoBuffer) onEvent(ev async.IOMask) {
	var eof bool
	// A hangup (e.g. the write end of a pipe closed) can arrive without
	// EventRead; reading is what turns it into end of file.
	readable := ev&(async.EventRead|async.EventHangup) != 0
	writable := ev&async.EventWrite != 0
	isErr := ev&async.EventError != 0

	if isErr {
		b.handleRead(0, false, &async.IoError{})
		b.handleFlush(0, &async.IoError{})
		return
	}

	if readable || ev == 0 {
		result, pause, err := b.in.call(readable, &eof)
		b.handleReadEvent(result, pause, err, eof, readable)
	}
	if writable || ev == 0 {
		result, pause, err := b.out.call(writable)
		b.handleFlushEvent(result, pause, err, writable)
	}
}

func (b *AutoBuffer) handleReadEvent(result int, pause bool, err error, eof bool, wasReadable bool) {
	if b.readCallback == nil {
		b.adjustReadMode(pause, wasReadable)
		return
	}
	switch {
	case err != nil:
		b.fireRead(nil, err)
		pause = !b.Active() || b.IncomingSize() >= b.bufferSize
	case eof:
		b.fireRead(nil, &async.EndOfFileError{})
		pause = !b.Active() || b.IncomingSize() >= b.bufferSize
	case result > 0:
		b.fireRead(b.in.read(result), nil)
		pause = !b.Active() || b.IncomingSize() >= b.bufferSize
	case result < 0:
		b.fireRead(nil, &async.DelimiterNotFoundError{Delimiter: b.in.delimiter, MaxBytes: b.in.threshold})
		pause = !b.Active() || b.IncomingSize() >= b.bufferSize
	}
	b.adjustReadMode(pause, wasReadable)
}

func (b *AutoBuffer) fireRead(data []byte, err error) {
	cb := b.readCallback
	b.Cancel(async.EventRead)
	cb(data, err)
}

func (b *AutoBuffer) adjustReadMode(pause, wasReadable bool) {
	if !b.Active() {
		return
	}
	switch {
	case pause:
		if wasReadable {
			b.setMode(b.mode &^ async.EventRead)
		}
	default:
		if !wasReadable {
			b.setMode(b.mode | async.EventRead)
		}
	}
}

func (b *AutoBuffer) handleFlushEvent(result int, pause bool, err error, wasWritable bool) {
	if b.flushCallback == nil {
		b.adjustFlushMode(pause, wasWritable)
		return
	}
	switch {
	case err != nil:
		b.fireFlush(err)
		pause = !b.Active() || b.OutcomingSize() == 0
	case result == 1:
		b.fireFlush(nil)
		pause = !b.Active() || b.OutcomingSize() == 0
	}
	b.adjustFlushMode(pause, wasWritable)
}

func (b *AutoBuffer) fireFlush(err error) {
	cb := b.flushCallback
	b.Cancel(async.EventWrite)
	cb(err)
}

func (b *AutoBuffer) adjustFlushMode(pause, wasWritable bool) {
	if !b.Active() {
		return
	}
	switch {
	case pause:
		if wasWritable {
			b.setMode(b.mode &^ async.EventWrite)
		}
	default:
		if !wasWritable {
			b.setMode(b.mode | async.EventWrite)
		}
	}
}

func (b *AutoBuffer) handleRead(result int, pause bool, err error) {
	b.handleReadEvent(result, pause, err, false, true)
}

func (b *AutoBuffer) handleFlush(result int, err error) {
	b.handleFlushEvent(result, false, err, true)
}
