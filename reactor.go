package async

import (
	"container/heap"
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
)

// Standard errors returned by Reactor lifecycle methods.
var (
	// ErrReactorAlreadyRunning is returned when Start is called on a reactor
	// that is already running.
	ErrReactorAlreadyRunning = errors.New("async: reactor is already running")

	// ErrReactorTerminated is returned when operations are attempted on a
	// reactor that has already stopped.
	ErrReactorTerminated = errors.New("async: reactor has been terminated")

	// ErrReentrantStart is returned when Start is called from within the
	// reactor's own goroutine.
	ErrReentrantStart = errors.New("async: cannot call Start() from within the reactor")
)

// TimerHandle identifies a scheduled timer for cancellation.
type TimerHandle uint64

// IoHandle identifies a registered file descriptor watch. The underlying
// value is the file descriptor itself; a descriptor may only be registered
// once at a time.
type IoHandle int

// SignalHandle identifies a single signal watch for cancellation.
type SignalHandle uint64

// Reactor is the L1 event loop: a single-threaded, callback-driven core that
// multiplexes timers, file-descriptor readiness, OS signals, and
// cross-goroutine task submission onto one poll loop.
//
// All callbacks registered with a Reactor (via SetupTimer, SetupIO,
// SetupSignal, or Submit) run on the reactor's own goroutine, never
// concurrently with each other. Registration and cancellation methods are
// safe to call from any goroutine.
type Reactor struct {
	opts *reactorOptions

	id    uint64
	state *FastState

	// external is the cross-goroutine submission queue, drained on every
	// turn of the reactor's own goroutine.
	externalMu sync.Mutex
	external   *ChunkedIngress

	// timers is a min-heap ordered by fire time. Cancelled entries are
	// marked rather than removed immediately and are discarded lazily as
	// they reach the top of the heap.
	timers     timerHeap
	timerMu    sync.Mutex
	timerByID  map[TimerHandle]*timerEntry

	poller FastPoller

	wakeRead  int
	wakeWrite int
	wakeBuf   [8]byte

	wakePending atomic.Bool

	sigMu    sync.Mutex
	sigWatch map[int][]sigWatcher
	sigChans map[int]chan os.Signal
	sigDone  map[int]chan struct{}

	nextID atomic.Uint64

	tickAnchorMu sync.RWMutex
	tickAnchor   time.Time
	tickElapsed  atomic.Int64

	goroutineID atomic.Uint64

	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type timerEntry struct {
	id        TimerHandle
	when      time.Time
	cancelled bool
	cb        func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	// Equal deadlines fire in the order the timers were set up.
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

type sigWatcher struct {
	id SignalHandle
	cb func()
}

var reactorIDCounter atomic.Uint64

// NewReactor creates a Reactor in its initial, unstarted state.
func NewReactor(opts ...ReactorOption) (*Reactor, error) {
	wakeRead, wakeWrite, err := createWakeFd(0, EFD_CLOEXEC|EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		opts:      resolveReactorOptions(opts),
		id:        reactorIDCounter.Add(1),
		state:     NewFastState(),
		external:  NewChunkedIngress(),
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		sigWatch:  make(map[int][]sigWatcher),
		sigChans:  make(map[int]chan os.Signal),
		sigDone:   make(map[int]chan struct{}),
		done:      make(chan struct{}),
	}

	if err := r.poller.Init(); err != nil {
		_ = closeWakeFd(wakeRead, wakeWrite)
		return nil, err
	}
	if err := r.poller.RegisterFD(wakeRead, EventRead, func(IOMask) { r.drainWake() }); err != nil {
		_ = r.poller.Close()
		_ = closeWakeFd(wakeRead, wakeWrite)
		return nil, err
	}

	return r, nil
}

// Start runs the reactor and blocks until it terminates via Stop, an
// unrecoverable poll error, or ctx cancellation.
func (r *Reactor) Start(ctx context.Context) error {
	if r.IsReactorThread() {
		return ErrReentrantStart
	}
	if !r.state.TryTransition(StateAwake, StateRunning) {
		if r.state.Load() == StateTerminated {
			return ErrReactorTerminated
		}
		return ErrReactorAlreadyRunning
	}
	defer close(r.done)

	r.tickAnchorMu.Lock()
	r.tickAnchor = time.Now()
	r.tickAnchorMu.Unlock()
	r.tickElapsed.Store(0)

	return r.run(ctx)
}

func (r *Reactor) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.goroutineID.Store(getGoroutineID())
	defer r.goroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			r.beginShutdown()
			r.drainAndClose()
			return ctx.Err()
		default:
		}

		state := r.state.Load()
		if state == StateTerminating || state == StateTerminated {
			r.drainAndClose()
			return nil
		}

		r.tick()
	}
}

func (r *Reactor) beginShutdown() {
	for {
		cur := r.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if r.state.TryTransition(cur, StateTerminating) {
			return
		}
	}
}

// Stop requests termination. It does not block; call Start's caller to
// observe completion, or use a context passed to Start.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		r.beginShutdown()
		r.wake()
	})
}

func (r *Reactor) tick() {
	r.tickAnchorMu.RLock()
	anchor := r.tickAnchor
	r.tickAnchorMu.RUnlock()
	r.tickElapsed.Store(int64(time.Since(anchor)))

	r.runTimers()
	r.runExternal()
	r.poll()
}

func (r *Reactor) runExternal() {
	for {
		r.externalMu.Lock()
		fn, ok := r.external.Pop()
		r.externalMu.Unlock()
		if !ok {
			return
		}
		r.safeExecute(fn)
	}
}

func (r *Reactor) runTimers() {
	now := r.currentTickTime()
	for len(r.timers) > 0 {
		t := r.timers[0]
		if t.cancelled {
			heap.Pop(&r.timers)
			continue
		}
		if t.when.After(now) {
			break
		}
		heap.Pop(&r.timers)
		r.safeExecute(t.cb)
	}
}

func (r *Reactor) poll() {
	if r.state.Load() != StateRunning {
		return
	}

	if !r.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	r.externalMu.Lock()
	pending := r.external.Length()
	r.externalMu.Unlock()
	if pending > 0 {
		r.state.TryTransition(StateSleeping, StateRunning)
		return
	}
	if r.state.Load() == StateTerminating {
		return
	}

	timeout := r.calculateTimeout()
	if _, err := r.poller.PollIO(timeout); err != nil {
		logReactorSetupError(r.opts.logger, err)
		r.beginShutdown()
		return
	}

	r.state.TryTransition(StateSleeping, StateRunning)
}

func (r *Reactor) calculateTimeout() int {
	maxDelay := 10 * time.Second
	if len(r.timers) > 0 {
		// Discard cancelled entries sitting at the top of the heap.
		for len(r.timers) > 0 && r.timers[0].cancelled {
			heap.Pop(&r.timers)
		}
	}
	if len(r.timers) > 0 {
		delay := r.timers[0].when.Sub(time.Now())
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	return int(maxDelay.Milliseconds())
}

func (r *Reactor) drainAndClose() {
	// Drain everything a few times so that tasks which themselves submit
	// further work (e.g. a cancellation callback scheduling cleanup) get a
	// chance to run before the reactor closes its descriptors.
	for i := 0; i < 4; i++ {
		r.externalMu.Lock()
		n := r.external.Length()
		r.externalMu.Unlock()
		if n == 0 && len(r.timers) == 0 {
			break
		}
		r.runExternal()
		r.runTimers()
	}
	r.state.Store(StateTerminated)
	r.closeSignals()
	r.closeFDs()
}

// currentTickTime returns the monotonic clock reading for the reactor's
// current turn.
func (r *Reactor) currentTickTime() time.Time {
	r.tickAnchorMu.RLock()
	anchor := r.tickAnchor
	r.tickAnchorMu.RUnlock()
	if anchor.IsZero() {
		return time.Now()
	}
	return anchor.Add(time.Duration(r.tickElapsed.Load()))
}

// Submit enqueues fn to run on the reactor's own goroutine. Safe to call
// from any goroutine, including the reactor's own.
func (r *Reactor) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	r.externalMu.Lock()
	state := r.state.Load()
	if state == StateTerminated {
		r.externalMu.Unlock()
		return ErrReactorTerminated
	}
	r.external.Push(fn)
	r.externalMu.Unlock()

	if r.state.Load() == StateSleeping {
		r.wake()
	}
	return nil
}

func (r *Reactor) wake() {
	if !r.wakePending.CompareAndSwap(false, true) {
		return
	}
	buf := [8]byte{1}
	_, _ = writeFD(r.wakeWrite, buf[:])
}

func (r *Reactor) drainWake() {
	for {
		_, err := readFD(r.wakeRead, r.wakeBuf[:])
		if err != nil {
			break
		}
	}
	r.wakePending.Store(false)
}

// SetupTimer arms a one-shot timer that invokes cb after d elapses, measured
// from the reactor's current tick time.
func (r *Reactor) SetupTimer(cb func(), d time.Duration) TimerHandle {
	id := TimerHandle(r.nextID.Add(1))
	entry := &timerEntry{id: id, when: r.currentTickTime().Add(d), cb: cb}
	_ = r.Submit(func() { heap.Push(&r.timers, entry) })
	r.timerRegistry(id, entry)
	return id
}

// timerRegistry maps a handle back to its heap entry so CancelTimer can mark
// it cancelled without a linear heap scan.
func (r *Reactor) timerRegistry(id TimerHandle, entry *timerEntry) {
	r.timerMu.Lock()
	if r.timerByID == nil {
		r.timerByID = make(map[TimerHandle]*timerEntry)
	}
	r.timerByID[id] = entry
	r.timerMu.Unlock()
}

// CancelTimer cancels a previously scheduled timer. It is a no-op if the
// timer already fired or was already cancelled.
func (r *Reactor) CancelTimer(h TimerHandle) {
	r.timerMu.Lock()
	entry, ok := r.timerByID[h]
	if ok {
		delete(r.timerByID, h)
	}
	r.timerMu.Unlock()
	if !ok {
		return
	}
	_ = r.Submit(func() { entry.cancelled = true })
}

// SetupIO registers fd for readiness notification. cb is invoked on the
// reactor goroutine whenever any event in mask becomes ready.
func (r *Reactor) SetupIO(cb func(IOMask), fd int, mask IOMask) (IoHandle, error) {
	if err := r.poller.RegisterFD(fd, mask, func(ev IOMask) { cb(ev) }); err != nil {
		return 0, &ReactorSetupError{Cause: err}
	}
	r.wake()
	return IoHandle(fd), nil
}

// UpdateIO changes the event mask for an existing watch.
func (r *Reactor) UpdateIO(h IoHandle, mask IOMask) error {
	if err := r.poller.ModifyFD(int(h), mask); err != nil {
		return &ReactorSetupError{Cause: err}
	}
	return nil
}

// CancelIO removes a file-descriptor watch. It does not close the
// descriptor.
func (r *Reactor) CancelIO(h IoHandle) error {
	if err := r.poller.UnregisterFD(int(h)); err != nil {
		return &ReactorSetupError{Cause: err}
	}
	return nil
}

// SetupSignal registers cb to run on the reactor goroutine whenever signum
// is delivered to the process.
func (r *Reactor) SetupSignal(cb func(), signum int) SignalHandle {
	id := SignalHandle(r.nextID.Add(1))

	r.sigMu.Lock()
	defer r.sigMu.Unlock()

	r.sigWatch[signum] = append(r.sigWatch[signum], sigWatcher{id: id, cb: cb})

	if _, ok := r.sigChans[signum]; !ok {
		ch := make(chan os.Signal, 1)
		done := make(chan struct{})
		r.sigChans[signum] = ch
		r.sigDone[signum] = done
		signal.Notify(ch, syscall.Signal(signum))

		go func() {
			for {
				select {
				case <-ch:
					_ = r.Submit(func() { r.fireSignal(signum) })
				case <-done:
					return
				}
			}
		}()
	}

	return id
}

// fireSignal runs every watcher currently registered for signum. Runs on
// the reactor goroutine: this is the single point where fan-out to multiple
// waiters on the same signal number happens.
func (r *Reactor) fireSignal(signum int) {
	r.sigMu.Lock()
	watchers := append([]sigWatcher(nil), r.sigWatch[signum]...)
	r.sigMu.Unlock()
	for _, w := range watchers {
		r.safeExecute(w.cb)
	}
}

// CancelSignal removes a single signal watch. When it was the last watcher
// for that signal number, the OS-level notification is torn down.
func (r *Reactor) CancelSignal(h SignalHandle) {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()

	for signum, watchers := range r.sigWatch {
		for i, w := range watchers {
			if w.id != h {
				continue
			}
			r.sigWatch[signum] = append(watchers[:i], watchers[i+1:]...)
			if len(r.sigWatch[signum]) == 0 {
				delete(r.sigWatch, signum)
				if ch, ok := r.sigChans[signum]; ok {
					signal.Stop(ch)
					close(r.sigDone[signum])
					delete(r.sigChans, signum)
					delete(r.sigDone, signum)
				}
			}
			return
		}
	}
}

func (r *Reactor) closeSignals() {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	for signum, ch := range r.sigChans {
		signal.Stop(ch)
		close(r.sigDone[signum])
	}
	r.sigWatch = make(map[int][]sigWatcher)
	r.sigChans = make(map[int]chan os.Signal)
	r.sigDone = make(map[int]chan struct{})
}

func (r *Reactor) closeFDs() {
	r.closeOnce.Do(func() {
		_ = r.poller.Close()
		_ = closeWakeFd(r.wakeRead, r.wakeWrite)
	})
}

// State returns the reactor's current lifecycle state.
func (r *Reactor) State() ReactorState { return r.state.Load() }

// Logger returns the structured logger attached via WithLogger, or a
// no-op logger if none was supplied.
func (r *Reactor) Logger() *logiface.Logger[*logEvent] { return r.opts.logger }

func (r *Reactor) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logUncaughtTaskError(r.opts.logger, &UncaughtError{Cause: panicToError(rec)})
		}
	}()
	fn()
}

func panicToError(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return WrapError("panic", errors.New(anyToString(rec)))
}

func anyToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "recovered panic"
}

// IsReactorThread reports whether it is called from the goroutine currently
// running the reactor's own loop (i.e. from inside Start, or from any
// callback Start invokes: a timer, I/O, or signal callback, or a function
// passed to Submit). Callers use this to decide whether work that must run
// on the reactor goroutine can run inline or must be queued via Submit.
func (r *Reactor) IsReactorThread() bool {
	id := r.goroutineID.Load()
	return id != 0 && id == getGoroutineID()
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

