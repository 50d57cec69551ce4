// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package dispatcher implements cooperative coroutine switching on top of a
// reactor: a Task runs user code on its own goroutine, but only one Task (or
// the dispatcher itself) is ever logically "in control" at a time, because
// switching between them is a synchronous, unbuffered rendezvous. Calling
// code never observes concurrent execution of two tasks, or of a task and
// the dispatcher's own callback handling.
package dispatcher

import (
	"sync"

	async "github.com/joeycumines/go-async"
)

// TaskFunc is the body of a task. It receives the Task it is running inside
// so it can call Sleep, Ready, Signal, and Complete to suspend itself.
type TaskFunc func(t *Task) (any, error)

type resumeMsg struct {
	value any
	err   error
}

// Task is a cooperatively-scheduled unit of execution. It behaves like a
// generator-based coroutine: user code supplied as a TaskFunc runs until it
// awaits something, at which point control returns to whatever switched the
// task into the foreground.
//
// A Task must only be switched (directly, or via Sleep/Ready/Signal/Complete,
// or via Cancel) from the dispatcher's own goroutine: either from within
// another task's body, from a reactor callback, or from a function passed to
// Dispatcher.Submit. This matches the single-threaded contract the
// underlying reactor already enforces for its own callbacks.
type Task struct {
	disp     *Dispatcher
	fn       TaskFunc
	resumeCh chan resumeMsg
	yieldCh  chan struct{}

	mu            sync.Mutex
	running       bool
	cancelled     bool
	result        any
	err           error
	doneCallbacks []func(*Task)
}

func newTask(disp *Dispatcher, fn TaskFunc) *Task {
	t := &Task{
		disp:     disp,
		fn:       fn,
		resumeCh: make(chan resumeMsg),
		yieldCh:  make(chan struct{}),
		running:  true,
	}
	go t.body()
	return t
}

// body is the task's dedicated goroutine. It blocks for the initial switch,
// runs fn to completion (or until fn itself panics), and reports the
// outcome through result/err/cancelled before releasing whatever switched it
// in for the final time.
func (t *Task) body() {
	<-t.resumeCh

	result, err := t.runFn()

	t.mu.Lock()
	t.running = false
	switch {
	case err == async.ErrCancelled:
		t.cancelled = true
	default:
		t.result, t.err = result, err
	}
	t.mu.Unlock()

	if err != nil && err != async.ErrCancelled {
		t.disp.reactor.Logger().Err(err).Str("category", "task").Log("uncaught task error")
	}

	t.invokeDoneCallbacks()
	close(t.yieldCh)
}

func (t *Task) runFn() (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
			} else {
				err = &async.UncaughtError{Cause: &panicValue{rec}}
			}
		}
	}()
	return t.fn(t)
}

type panicValue struct{ v any }

func (p *panicValue) Error() string {
	if s, ok := p.v.(string); ok {
		return s
	}
	return "panic in task"
}

func (t *Task) invokeDoneCallbacks() {
	t.mu.Lock()
	callbacks := t.doneCallbacks
	t.doneCallbacks = nil
	t.mu.Unlock()
	for _, cb := range callbacks {
		cb(t)
	}
}

// Switch resumes t with value, or injects err as if it were thrown into t's
// body at its current suspension point. It blocks until t either suspends
// again or finishes.
//
// Must only be called from the dispatcher's own goroutine.
func (t *Task) Switch(value any, err error) {
	t.disp.pushCurrent(t)
	defer t.disp.popCurrent()

	t.resumeCh <- resumeMsg{value: value, err: err}
	<-t.yieldCh
}

// await runs setup, which either returns a non-nil earlyErr (registration
// failure or synchronous resolution: await returns it at once, without
// suspending) or arms an event whose handler invokes resume from the
// dispatcher's goroutine. On the first resumption (by that event, or by a
// value or error switched in from elsewhere, such as Cancel), cancel (if
// returned) runs once to tear down whatever setup armed.
func (t *Task) await(setup func(resume func(value any, err error)) (cancel func(), earlyErr error)) (any, error) {
	cancel, earlyErr := setup(func(value any, err error) {
		t.Switch(value, err)
	})
	if earlyErr != nil {
		return nil, earlyErr
	}

	t.yieldCh <- struct{}{}
	msg := <-t.resumeCh

	if cancel != nil {
		cancel()
	}
	return msg.value, msg.err
}

// Await is the exported form of await, for packages building their own
// suspension points (e.g. stream) on top of a Task without having to
// reimplement the rendezvous. setup follows the same contract as await's.
func (t *Task) Await(setup func(resume func(value any, err error)) (cancel func(), earlyErr error)) (any, error) {
	return t.await(setup)
}

// Dispatcher returns the Dispatcher t runs on.
func (t *Task) Dispatcher() *Dispatcher { return t.disp }

// Running reports whether t's body is currently executing or suspended
// awaiting an event (i.e. has neither finished nor been cancelled).
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Cancelled reports whether t was cancelled before it completed.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done reports whether t has finished, successfully or otherwise, including
// by cancellation.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.running
}

// Result returns t's return value. It panics if called before t is done;
// check Done first. Returns async.ErrCancelled if t was cancelled.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		panic("dispatcher: Result called on a task that has not finished")
	}
	if t.cancelled {
		return nil, async.ErrCancelled
	}
	return t.result, t.err
}

// OnDone registers cb to run once t finishes. If t is already done, cb runs
// immediately (on the calling goroutine).
func (t *Task) OnDone(cb func(*Task)) {
	t.mu.Lock()
	if t.running {
		t.doneCallbacks = append(t.doneCallbacks, cb)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	cb(t)
}

// Cancel requests that t stop at its next suspension point, by throwing
// async.ErrCancelled into it. Returns whether t ended up cancelled (it may
// instead have already finished with a result).
//
// Must only be called from the dispatcher's own goroutine.
func (t *Task) Cancel() bool {
	if !t.Done() {
		t.Switch(nil, async.ErrCancelled)
	}
	return t.Cancelled()
}
