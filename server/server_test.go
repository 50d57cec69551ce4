package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/go-async/dispatcher"
	"github.com/joeycumines/go-async/stream"
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

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestTCPServer_EchoesOneLine(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	port := freePort(t)

	srv := New(d, func(t *dispatcher.Task, s *stream.Stream, peer net.Addr) (any, error) {
		line, err := s.ReadUntil(t, []byte("\n"), 0, 0)
		if err != nil {
			return nil, err
		}
		s.Write(line)
		return nil, s.Flush(t, 0)
	})
	defer srv.Stop()

	if err := srv.Bind(port, "127.0.0.1", BindOptions{}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello world\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "hello world\n" {
		t.Fatalf("got %q, want %q", got, "hello world\n")
	}
}

func TestTCPServer_UnbindStopsAccepting(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	port := freePort(t)

	srv := New(d, func(t *dispatcher.Task, s *stream.Stream, peer net.Addr) (any, error) {
		return nil, nil
	})
	defer srv.Stop()

	if err := srv.Bind(port, "127.0.0.1", BindOptions{}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	srv.Unbind(port, "127.0.0.1")

	time.Sleep(20 * time.Millisecond)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail after Unbind")
	}
}

