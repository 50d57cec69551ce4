package dispatcher

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	async "github.com/joeycumines/go-async"
)

func startDispatcher(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestTask_RunsToCompletion(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	task := d.Submit(func(t *Task) (any, error) {
		return 42, nil
	})

	deadline := time.Now().Add(time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !task.Done() {
		t.Fatal("task never completed")
	}
	result, err := task.Result()
	if err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if result != 42 {
		t.Fatalf("Result = %v, want 42", result)
	}
}

func TestTask_SleepSuspendsAndResumes(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	start := time.Now()
	task := d.Submit(func(t *Task) (any, error) {
		if err := t.Sleep(30 * time.Millisecond); err != nil {
			return nil, err
		}
		return time.Since(start), nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed, err := task.Result()
	if err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if d, ok := elapsed.(time.Duration); !ok || d < 25*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= ~30ms", elapsed)
	}
}

func TestTask_PropagatesError(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	wantErr := &async.TimeoutError{}
	task := d.Submit(func(t *Task) (any, error) {
		return nil, wantErr
	})

	deadline := time.Now().Add(time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_, gotErr := task.Result()
	if gotErr != wantErr {
		t.Fatalf("Result err = %v, want %v", gotErr, wantErr)
	}
}

func TestTask_CancelStopsSleepingTask(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	var woke atomic.Bool
	task := d.Submit(func(t *Task) (any, error) {
		if err := t.Sleep(time.Hour); err != nil {
			return nil, err
		}
		woke.Store(true)
		return nil, nil
	})

	time.Sleep(20 * time.Millisecond) // let the task reach its sleep point

	cancelled := make(chan bool, 1)
	if err := d.Reactor().Submit(func() { cancelled <- task.Cancel() }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case ok := <-cancelled:
		if !ok {
			t.Fatal("Cancel returned false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never completed")
	}
	if !task.Cancelled() {
		t.Fatal("task not marked cancelled")
	}
	if woke.Load() {
		t.Fatal("cancelled task resumed normally")
	}
}

func TestTask_Complete_WaitsForAll(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	var a, b *Task
	outer := d.Submit(func(t *Task) (any, error) {
		a = d.Submit(func(t *Task) (any, error) {
			return nil, t.Sleep(10 * time.Millisecond)
		})
		b = d.Submit(func(t *Task) (any, error) {
			return nil, t.Sleep(30 * time.Millisecond)
		})
		return nil, t.Complete(0, a, b)
	})

	deadline := time.Now().Add(2 * time.Second)
	for !outer.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !outer.Done() {
		t.Fatal("outer task never completed")
	}
	if _, err := outer.Result(); err != nil {
		t.Fatalf("Result err = %v", err)
	}
	if !a.Done() || !b.Done() {
		t.Fatal("not all tasks finished before Complete returned")
	}
}

func TestTask_Complete_TimeoutCancelsOutstanding(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	var slow *Task
	outer := d.Submit(func(t *Task) (any, error) {
		slow = d.Submit(func(t *Task) (any, error) {
			return nil, t.Sleep(time.Hour)
		})
		return nil, t.Complete(20*time.Millisecond, slow)
	})

	deadline := time.Now().Add(2 * time.Second)
	for !outer.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := outer.Result(); err == nil {
		t.Fatal("expected a timeout error")
	} else if _, ok := err.(*async.TimeoutError); !ok {
		t.Fatalf("err = %v, want *async.TimeoutError", err)
	}

	for !slow.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !slow.Cancelled() {
		t.Fatal("outstanding task was not cancelled on timeout")
	}
}

func TestTask_Ready_NegativeTimeoutIsImmediate(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	task := d.Submit(func(t *Task) (any, error) {
		return t.Ready(int(r.Fd()), async.EventRead, -1)
	})

	deadline := time.Now().Add(time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := task.Result(); err == nil {
		t.Fatal("expected a timeout error")
	} else if _, ok := err.(*async.TimeoutError); !ok {
		t.Fatalf("err = %v, want *async.TimeoutError", err)
	}
}

func TestTask_Signal(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startDispatcher(t, d)
	defer stop()

	task := d.Submit(func(t *Task) (any, error) {
		return nil, t.Signal(int(syscall.SIGUSR2))
	})

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("raise SIGUSR2: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !task.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := task.Result(); err != nil {
		t.Fatalf("Result err = %v", err)
	}
}
