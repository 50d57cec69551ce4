package async

import (
	"sync/atomic"
)

// ReactorState represents the current state of the reactor.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)        [Start()]
//	StateRunning (3) → StateSleeping (2)     [poll() via CAS]
//	StateRunning (3) → StateTerminating (4)  [Stop()]
//	StateSleeping (2) → StateRunning (3)     [poll() wake via CAS]
//	StateSleeping (2) → StateTerminating (4) [Stop()]
//	StateTerminating (4) → StateTerminated (1) [stop complete]
//	StateTerminated (1) → (terminal)
//
// Use TryTransition (CAS) for temporary states (Running, Sleeping); use
// Store for irreversible states (Terminated).
type ReactorState uint64

const (
	// StateAwake indicates the reactor has been created but not started.
	StateAwake ReactorState = 0
	// StateTerminated indicates the reactor has stopped and is fully shut down.
	StateTerminated ReactorState = 1
	// StateSleeping indicates the reactor is blocked in poll waiting for events.
	StateSleeping ReactorState = 2
	// StateRunning indicates the reactor is actively processing events.
	StateRunning ReactorState = 3
	// StateTerminating indicates stop has been requested but not completed.
	StateTerminating ReactorState = 4
)

func (s ReactorState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding, avoiding
// false sharing between cores for the reactor's hot state field.
type FastState struct { //nolint:govet
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() ReactorState {
	return ReactorState(s.v.Load())
}

// Store atomically stores a new state without transition validation.
func (s *FastState) Store(state ReactorState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to
// another. Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to ReactorState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}
