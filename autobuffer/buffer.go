// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package autobuffer implements the byte-buffering layer between a raw,
// non-blocking file descriptor and the higher-level stream API: it holds
// bytes read from (or pending write to) a descriptor, drains or fills them
// a block at a time as the reactor reports readiness, and resolves a
// pending read/flush as soon as enough data has accumulated — without ever
// blocking the reactor goroutine.
package autobuffer

import (
	"bytes"
)

// byteBuffer is the shared bookkeeping for in and out buffers: a maximum
// capacity, a block size used to cap individual syscalls, and a pending
// threshold that marks an outstanding request as satisfied.
type byteBuffer struct {
	blockSize int
	maxSize   int
	threshold int // negative: no request outstanding
	buf       []byte
}

func (b *byteBuffer) size() int { return len(b.buf) }

// cancel clears any outstanding request without touching buffered data.
func (b *byteBuffer) cancel() { b.threshold = -1 }

// cleanup discards buffered data and cancels any outstanding request.
func (b *byteBuffer) cleanup() {
	b.cancel()
	b.buf = nil
}

// blockReader pulls up to size bytes from the underlying descriptor. A
// zero-length, nil-error result means end of file.
type blockReader func(size int) ([]byte, error)

// blockWriter pushes block to the underlying descriptor and reports how
// many leading bytes were actually written.
type blockWriter func(block []byte) (int, error)

// inBuffer accumulates bytes read from a descriptor and resolves a
// read-until/read-exactly request as soon as it is satisfiable.
type inBuffer struct {
	byteBuffer
	receiver  blockReader
	delimiter []byte
}

func newInBuffer(receiver blockReader, blockSize, maxSize int) *inBuffer {
	return &inBuffer{
		byteBuffer: byteBuffer{blockSize: blockSize, maxSize: maxSize, threshold: -1},
		receiver:   receiver,
	}
}

// call drains readable data (when readable is true) and reports whether
// the outstanding request is now satisfiable.
//
// Returns:
//   - result: positive count of bytes ready to read (the delimiter match
//     length, or the exact byte count requested); 0 if not yet satisfiable;
//     -1 if a delimiter was requested but the threshold was reached first
//     without finding it.
//   - pause: true once the buffer is full and reading should stop.
//   - err: a read error, or io.EOF-shaped via a nil-slice, nil-error zero
//     read from receiver (the caller maps that to end-of-file).
func (b *inBuffer) call(readable bool, eof *bool) (result int, pause bool, err error) {
	if readable {
		number := b.maxSize - b.size()
		if number > b.blockSize {
			number = b.blockSize
		}
		if number > 0 {
			data, rerr := b.receiver(number)
			if rerr != nil {
				err = rerr
			} else if len(data) == 0 {
				*eof = true
			} else {
				b.buf = append(b.buf, data...)
			}
		}
	}
	if err == nil && b.threshold >= 0 {
		if len(b.delimiter) > 0 {
			// Only a delimiter ending within the first threshold bytes counts.
			window := b.buf
			if len(window) > b.threshold {
				window = window[:b.threshold]
			}
			if pos := bytes.Index(window, b.delimiter); pos >= 0 {
				result = pos + len(b.delimiter)
			} else if b.threshold <= b.size() {
				result = -1
			}
		} else if b.threshold <= b.size() {
			result = b.threshold
		}
	}
	pause = b.size() >= b.maxSize
	return
}

// setup arms a read request: threshold bytes with no delimiter, or any
// number of bytes up to threshold terminated by delimiter. It returns
// immediately if the request is already satisfiable.
func (b *inBuffer) setup(threshold int, delimiter []byte) int {
	b.delimiter = delimiter
	switch {
	case threshold <= 0 || threshold > b.maxSize:
		b.threshold = b.maxSize
	default:
		b.threshold = threshold
	}
	var eof bool
	result, _, _ := b.call(false, &eof)
	return result
}

// read removes up to number bytes from the front of the buffer (all of
// them, if number <= 0 or exceeds what's buffered).
func (b *inBuffer) read(number int) []byte {
	if number <= 0 || number > b.size() {
		number = b.size()
	}
	if number == 0 {
		return nil
	}
	out := b.buf[:number:number]
	b.buf = b.buf[number:]
	return out
}

// outBuffer accumulates bytes pending write and resolves a flush request
// once drained to (or below) its threshold.
type outBuffer struct {
	byteBuffer
	transmit blockWriter
}

func newOutBuffer(transmit blockWriter, blockSize, maxSize int) *outBuffer {
	return &outBuffer{
		byteBuffer: byteBuffer{blockSize: blockSize, maxSize: maxSize, threshold: -1},
		transmit:   transmit,
	}
}

// call pushes buffered data to the descriptor (when writable is true) and
// reports whether the outstanding flush request is now satisfied.
func (b *outBuffer) call(writable bool) (result int, pause bool, err error) {
	if writable {
		number := b.blockSize
		if b.size() < number {
			number = b.size()
		}
		if number > 0 {
			sent, werr := b.transmit(b.buf[:number])
			if sent > 0 {
				b.buf = b.buf[sent:]
			}
			err = werr
		}
	}
	if err == nil && b.threshold >= 0 {
		if b.size() <= b.threshold {
			result = 1
		}
	}
	pause = b.size() == 0
	return
}

// setup arms a flush request: resolved once the buffer drains to
// threshold bytes or fewer (0 means fully drained).
func (b *outBuffer) setup(threshold int) int {
	if threshold < 0 {
		threshold = 0
	}
	if max := b.maxSize - b.blockSize; threshold > max {
		threshold = max
	}
	b.threshold = threshold
	result, _, _ := b.call(false)
	return result
}

// write appends as much of data as fits under maxSize, reporting the
// number of bytes actually queued.
func (b *outBuffer) write(data []byte) int {
	number := len(data)
	if free := b.maxSize - b.size(); number > free {
		number = free
	}
	if number <= 0 {
		return 0
	}
	b.buf = append(b.buf, data[:number]...)
	return number
}
