package stream

import (
	"context"
	"testing"
	"time"

	async "github.com/joeycumines/go-async"
	"github.com/joeycumines/go-async/autobuffer"
	"github.com/joeycumines/go-async/dispatcher"
	"golang.org/x/sys/unix"
)

func startDispatcher(t *testing.T) (*dispatcher.Dispatcher, func()) {
	t.Helper()
	d, err := dispatcher.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Start(ctx)
		close(done)
	}()
	return d, func() {
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

func waitDone(t *testing.T, task *dispatcher.Task) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !task.Done() {
		t.Fatal("task never completed")
	}
}

func TestStream_ReadExactly_WaitsForData(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	s := New(autobuffer.NewFile(d.Reactor(), rfd, 0, 0))

	task := d.Submit(func(t *dispatcher.Task) (any, error) {
		return s.ReadExactly(t, 5, 0)
	})

	time.Sleep(10 * time.Millisecond) // task should now be suspended awaiting data
	if _, err := unix.Write(wfd, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitDone(t, task)
	result, err := task.Result()
	if err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if got := string(result.([]byte)); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestStream_ReadUntil_Delimiter(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	s := New(autobuffer.NewFile(d.Reactor(), rfd, 0, 0))

	task := d.Submit(func(t *dispatcher.Task) (any, error) {
		return s.ReadUntil(t, []byte("\n"), 0, 0)
	})

	time.Sleep(10 * time.Millisecond)
	if _, err := unix.Write(wfd, []byte("first line\nsecond")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitDone(t, task)
	result, err := task.Result()
	if err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if got := string(result.([]byte)); got != "first line\n" {
		t.Fatalf("got %q, want %q", got, "first line\n")
	}
}

func TestStream_ReadExactly_Timeout(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	s := New(autobuffer.NewFile(d.Reactor(), rfd, 0, 0))

	task := d.Submit(func(t *dispatcher.Task) (any, error) {
		return s.ReadExactly(t, 5, 20*time.Millisecond)
	})

	waitDone(t, task)
	if _, err := task.Result(); err == nil {
		t.Fatal("expected a timeout error")
	} else if _, ok := err.(*async.TimeoutError); !ok {
		t.Fatalf("err = %v, want *async.TimeoutError", err)
	}
}

func TestStream_WriteAndFlush(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	s := New(autobuffer.NewFile(d.Reactor(), wfd, 0, 0))

	task := d.Submit(func(t *dispatcher.Task) (any, error) {
		s.Write([]byte("payload"))
		return nil, s.Flush(t, 0)
	})

	waitDone(t, task)
	if _, err := task.Result(); err != nil {
		t.Fatalf("Result err = %v", err)
	}

	buf := make([]byte, 64)
	n, err := unix.Read(rfd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

func TestStream_Close(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	s := New(autobuffer.NewFile(d.Reactor(), rfd, 0, 0))

	task := d.Submit(func(t *dispatcher.Task) (any, error) {
		s.Close()
		return s.Active(), nil
	})

	waitDone(t, task)
	result, err := task.Result()
	if err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if result.(bool) {
		t.Fatal("stream still active after Close")
	}
}
