// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatcher

import (
	"context"
	"time"

	async "github.com/joeycumines/go-async"
	"github.com/joeycumines/logiface"
)

// Dispatcher schedules and switches Tasks on top of a reactor. All of its
// methods that touch task state — Submit, Current, and the await helpers
// reached through a Task — must be called from the dispatcher's own
// goroutine: from within a task body, from a reactor callback, or from a
// function passed to Submit.
type Dispatcher struct {
	reactor *async.Reactor
	stack   []*Task
}

// New creates a Dispatcher backed by a fresh reactor.
func New(opts ...async.ReactorOption) (*Dispatcher, error) {
	r, err := async.NewReactor(opts...)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{reactor: r}, nil
}

// Reactor returns the underlying reactor.
func (d *Dispatcher) Reactor() *async.Reactor { return d.reactor }

// WithLogger attaches a structured logger to the dispatcher's reactor,
// forwarding to async.WithLogger. Provided so callers need not import the
// async package solely to configure logging.
func WithLogger(logger *logiface.Logger[*async.LogEvent]) async.ReactorOption {
	return async.WithLogger(logger)
}

// Start runs the dispatcher's reactor until ctx is cancelled or Stop is
// called. It blocks until termination.
func (d *Dispatcher) Start(ctx context.Context) error { return d.reactor.Start(ctx) }

// Stop requests the dispatcher's reactor to terminate.
func (d *Dispatcher) Stop() { d.reactor.Stop() }

// Submit creates a Task wrapping fn and runs it until its first suspension
// point or completion, then returns it.
//
// Safe to call either from an external goroutine (the common way to kick
// off a root task) or from the reactor goroutine (from within a running
// task's body, to fan out child tasks before awaiting them with Complete;
// or from a raw reactor callback such as an I/O watch registered directly
// against Reactor(), as the TCP server frame's accept loop does). In either
// of those cases the new task is launched immediately on the calling
// goroutine rather than round-tripped through the reactor's external queue,
// which would otherwise deadlock: that queue only drains on the reactor's
// own turn, and the calling goroutine *is* the reactor's turn in progress.
func (d *Dispatcher) Submit(fn TaskFunc) *Task {
	if d.Current() != nil || d.reactor.IsReactorThread() {
		t := newTask(d, fn)
		t.Switch(nil, nil)
		return t
	}

	var t *Task
	done := make(chan struct{})
	launch := func() {
		t = newTask(d, fn)
		t.Switch(nil, nil)
		close(done)
	}
	if err := d.reactor.Submit(launch); err != nil {
		// Reactor already terminated: run synchronously so callers always
		// get a usable (if immediately-cancelled-looking) Task back.
		launch()
	}
	<-done
	return t
}

// Current returns the Task currently being switched into, or nil if called
// outside of any task's execution.
func (d *Dispatcher) Current() *Task {
	if len(d.stack) == 0 {
		return nil
	}
	return d.stack[len(d.stack)-1]
}

func (d *Dispatcher) pushCurrent(t *Task) { d.stack = append(d.stack, t) }

func (d *Dispatcher) popCurrent() { d.stack = d.stack[:len(d.stack)-1] }

func currentOrPanic(d *Dispatcher, op string) *Task {
	t := d.Current()
	if t == nil {
		panic("dispatcher: " + op + " called outside of a running task")
	}
	return t
}

// Sleep suspends the current task for delay (or until the next reactor
// turn, if delay <= 0).
func (d *Dispatcher) Sleep(delay time.Duration) error {
	return currentOrPanic(d, "Sleep").Sleep(delay)
}

// Ready suspends the current task until fd matches mask, or timeout
// elapses. A zero timeout waits indefinitely; a negative timeout returns
// async.TimeoutError immediately without suspending.
func (d *Dispatcher) Ready(fd int, mask async.IOMask, timeout time.Duration) (async.IOMask, error) {
	return currentOrPanic(d, "Ready").Ready(fd, mask, timeout)
}

// Signal suspends the current task until signum is delivered to the
// process.
func (d *Dispatcher) Signal(signum int) error {
	return currentOrPanic(d, "Signal").Signal(signum)
}

// Complete suspends the current task until every task in tasks has
// finished (by completion or cancellation), or timeout elapses. A zero
// timeout waits indefinitely; a negative timeout returns async.TimeoutError
// immediately without suspending.
func (d *Dispatcher) Complete(timeout time.Duration, tasks ...*Task) error {
	return currentOrPanic(d, "Complete").Complete(timeout, tasks...)
}
