// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatcher

import (
	"sync"
	"time"

	async "github.com/joeycumines/go-async"
)

// Sleep suspends t until delay elapses, or until the next reactor turn if
// delay <= 0.
func (t *Task) Sleep(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	_, err := t.await(func(resume func(any, error)) (func(), error) {
		h := t.disp.reactor.SetupTimer(func() { resume(nil, nil) }, delay)
		return func() { t.disp.reactor.CancelTimer(h) }, nil
	})
	return err
}

// Ready suspends t until fd matches mask, or timeout elapses.
//
//   - timeout < 0: returns async.TimeoutError immediately, without
//     suspending.
//   - timeout == 0: waits indefinitely for fd to become ready.
//   - timeout > 0: races the I/O watch against a timer; whichever fires
//     first wins and cancels the other.
func (t *Task) Ready(fd int, mask async.IOMask, timeout time.Duration) (async.IOMask, error) {
	if timeout < 0 {
		return 0, &async.TimeoutError{}
	}
	haveTimeout := timeout > 0
	var timeoutHandle async.TimerHandle

	value, err := t.await(func(resume func(any, error)) (func(), error) {
		if haveTimeout {
			timeoutHandle = t.disp.reactor.SetupTimer(func() {
				resume(nil, &async.TimeoutError{})
			}, timeout)
		}

		ioHandle, setupErr := t.disp.reactor.SetupIO(func(ev async.IOMask) {
			resume(ev, nil)
		}, fd, mask)
		if setupErr != nil {
			if haveTimeout {
				t.disp.reactor.CancelTimer(timeoutHandle)
			}
			return nil, setupErr
		}

		return func() {
			_ = t.disp.reactor.CancelIO(ioHandle)
			if haveTimeout {
				t.disp.reactor.CancelTimer(timeoutHandle)
			}
		}, nil
	})
	if err != nil {
		return 0, err
	}
	ev, _ := value.(async.IOMask)
	return ev, nil
}

// Signal suspends t until signum is delivered to the process.
func (t *Task) Signal(signum int) error {
	_, err := t.await(func(resume func(any, error)) (func(), error) {
		h := t.disp.reactor.SetupSignal(func() { resume(nil, nil) }, signum)
		return func() { t.disp.reactor.CancelSignal(h) }, nil
	})
	return err
}

// Complete suspends t until every task in tasks has finished (by
// completion or cancellation), or timeout elapses.
//
//   - timeout < 0: returns async.TimeoutError immediately, without
//     suspending.
//   - timeout == 0: waits indefinitely.
//   - timeout > 0: if not all of tasks finish before it elapses, every
//     still-running task in tasks is cancelled and async.TimeoutError is
//     returned.
//
// Unlike a plain OnDone registration, Complete fires as soon as the LAST of
// tasks finishes — not on every individual completion.
func (t *Task) Complete(timeout time.Duration, tasks ...*Task) error {
	if len(tasks) == 0 {
		panic("dispatcher: Complete requires at least one task")
	}
	if timeout < 0 {
		return &async.TimeoutError{}
	}

	// If every task has already finished, resolve without ever entering
	// await: a done-callback registered below on an already-done task fires
	// synchronously, before this task has yielded, and resuming it from
	// there would deadlock (nothing is yet receiving on its resume
	// channel). Safe to check up front and skip straight to success,
	// because nothing else can run between this check and the OnDone loop
	// below — the dispatcher is single-threaded cooperative, so no task's
	// state can change out from under us without this goroutine yielding.
	allDone := true
	for _, other := range tasks {
		if !other.Done() {
			allDone = false
			break
		}
	}
	if allDone {
		return nil
	}

	haveTimeout := timeout > 0
	var timeoutHandle async.TimerHandle

	_, err := t.await(func(resume func(any, error)) (func(), error) {
		if haveTimeout {
			timeoutHandle = t.disp.reactor.SetupTimer(func() {
				resume(nil, &async.TimeoutError{})
			}, timeout)
		}

		var mu sync.Mutex
		fired := false
		check := func(*Task) {
			mu.Lock()
			defer mu.Unlock()
			if fired {
				return
			}
			for _, other := range tasks {
				if !other.Done() {
					return
				}
			}
			fired = true
			resume(nil, nil)
		}
		for _, other := range tasks {
			other.OnDone(check)
		}

		return func() {
			if haveTimeout {
				t.disp.reactor.CancelTimer(timeoutHandle)
			}
			for _, other := range tasks {
				other.Cancel()
			}
		}, nil
	})
	return err
}
