package autobuffer

import (
	"context"
	"testing"
	"time"

	async "github.com/joeycumines/go-async"
	"golang.org/x/sys/unix"
)

func startReactor(t *testing.T) (*async.Reactor, func()) {
	t.Helper()
	r, err := async.NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Start(ctx)
		close(done)
	}()
	return r, func() {
		cancel()
		<-done
	}
}

func nonblockingPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	return fds[0], fds[1]
}

func TestAutoBuffer_SetupReadExactly_Early(t *testing.T) {
	reactor, stop := startReactor(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	if _, err := unix.Write(wfd, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the write land in the pipe

	ab := NewFile(reactor, rfd, 0, 0)

	done := make(chan struct{})
	var early bool
	var data []byte
	var err error
	if submitErr := reactor.Submit(func() {
		early, data, err = ab.SetupReadExactly(nil, 5)
		close(done)
	}); submitErr != nil {
		t.Fatalf("Submit: %v", submitErr)
	}
	<-done

	// Early resolution depends on whether the reactor already drained the
	// pipe via its read watch before SetupReadExactly ran; either path must
	// eventually surface the same 5 bytes.
	if early {
		if string(data) != "hello" || err != nil {
			t.Fatalf("data=%q err=%v, want %q nil", data, err, "hello")
		}
		return
	}

	result := make(chan struct{ data []byte; err error }, 1)
	if submitErr := reactor.Submit(func() {
		early, d, e := ab.SetupReadExactly(func(d []byte, e error) {
			result <- struct {
				data []byte
				err  error
			}{d, e}
		}, 5)
		if early {
			result <- struct {
				data []byte
				err  error
			}{d, e}
		}
	}); submitErr != nil {
		t.Fatalf("Submit: %v", submitErr)
	}

	select {
	case r := <-result:
		if string(r.data) != "hello" || r.err != nil {
			t.Fatalf("data=%q err=%v, want %q nil", r.data, r.err, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
}

func TestAutoBuffer_SetupReadUntil_Delimiter(t *testing.T) {
	reactor, stop := startReactor(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	ab := NewFile(reactor, rfd, 0, 0)
	result := make(chan struct{ data []byte; err error }, 1)

	if err := reactor.Submit(func() {
		ab.SetupReadUntil(func(d []byte, e error) {
			result <- struct {
				data []byte
				err  error
			}{d, e}
		}, []byte("\r\n"), 0)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := unix.Write(wfd, []byte("line one\r\nrest")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-result:
		if string(r.data) != "line one\r\n" || r.err != nil {
			t.Fatalf("data=%q err=%v, want %q nil", r.data, r.err, "line one\r\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read-until callback never fired")
	}
}

func TestAutoBuffer_Write_And_Flush(t *testing.T) {
	reactor, stop := startReactor(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	ab := NewFile(reactor, wfd, 0, 0)
	flushed := make(chan error, 1)

	if err := reactor.Submit(func() {
		ab.Write([]byte("payload"))
		if early, err := ab.SetupFlush(func(e error) { flushed <- e }); early {
			flushed <- err
		}
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("flush err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush callback never fired")
	}

	buf := make([]byte, 64)
	n, err := unix.Read(rfd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("got %q, want %q", buf[:n], "payload")
	}
}

func TestAutoBuffer_EndOfFile(t *testing.T) {
	reactor, stop := startReactor(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)

	ab := NewFile(reactor, rfd, 0, 0)
	result := make(chan error, 1)

	if err := reactor.Submit(func() {
		ab.SetupReadExactly(func(d []byte, e error) { result <- e }, 1)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := unix.Close(wfd); err != nil {
		t.Fatalf("close write end: %v", err)
	}

	select {
	case err := <-result:
		if _, ok := err.(*async.EndOfFileError); !ok {
			t.Fatalf("err = %v, want *async.EndOfFileError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("eof callback never fired")
	}
}

func TestAutoBuffer_Close_Deactivates(t *testing.T) {
	reactor, stop := startReactor(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	ab := NewFile(reactor, rfd, 0, 0)
	done := make(chan struct{})
	if err := reactor.Submit(func() {
		ab.Close()
		close(done)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done

	if ab.Active() {
		t.Fatal("buffer still active after Close")
	}
	if _, _, err := ab.SetupReadExactly(nil, 1); err == nil {
		t.Fatal("expected an error reading from a closed buffer")
	}
}
