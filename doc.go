// Package async provides a single-goroutine, callback-driven event reactor
// for building network services: timers, file-descriptor readiness, OS
// signals, and cross-goroutine task submission, all multiplexed onto one
// poll loop.
//
// # Architecture
//
// The reactor is built around a [Reactor] core. Callbacks registered via
// [Reactor.SetupTimer], [Reactor.SetupIO], [Reactor.SetupSignal], and
// [Reactor.Submit] all run on the reactor's own goroutine, one at a time,
// never concurrently with each other.
//
// Higher layers build cooperative coroutines, auto-buffering streams, and a
// TCP server frame on top of the reactor; see the dispatcher, autobuffer,
// stream, and server packages.
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - Linux: epoll
//   - Darwin: kqueue
//
// File descriptor operations ([Reactor.SetupIO], [Reactor.UpdateIO],
// [Reactor.CancelIO]) provide cross-platform I/O readiness notification.
//
// # Thread Safety
//
// The reactor is designed for concurrent access from goroutines outside its
// own:
//   - [Reactor.Submit] is safe to call from any goroutine, including the
//     reactor's own
//   - Timer, I/O, and signal registration/cancellation methods are
//     thread-safe
//   - A callback itself always runs on the reactor goroutine; it must not
//     block
//
// # Execution Model
//
// Each turn of the reactor:
//  1. Runs due timers (earliest deadline first)
//  2. Drains the external submission queue
//  3. Polls for I/O readiness, sleeping until the next timer deadline or an
//     event arrives
//
// # Usage
//
//	reactor, err := async.NewReactor()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reactor.SetupTimer(func() {
//	    fmt.Println("hello after 100ms")
//	    reactor.Stop()
//	}, 100*time.Millisecond)
//
//	if err := reactor.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
//   - [TimeoutError]: for operations that exceed a deadline
//   - [DelimiterNotFoundError]: for buffered reads that exhaust available data
//   - [ConnectionResetError]: for I/O against a reset peer
//   - [IoError]: wraps a syscall errno from an I/O operation
//   - [EndOfFileError]: for reads past the end of a stream
//   - [ReactorSetupError]: for failures registering a timer, fd, or signal
//   - [CancelledError]: for cancelled coroutine steps
//   - [UncaughtError]: wraps a panic recovered from a callback
//
// All error types implement the standard [error] interface; those that
// carry a cause also support [errors.Unwrap].
package async
