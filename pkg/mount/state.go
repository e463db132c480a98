package mount

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle phase of a Mount. The legal transitions form a
// line with two error branches:
//
//	Uninitialized -> Initializing -> {Initialized, InitError}
//	Initialized -> Starting -> {Running, FuseError}
//	{Initialized, Running, InitError, FuseError} -> ShuttingDown -> ShutDown
//
// Destruction is not a state of its own; it is an orthogonal flag that
// defers teardown until the channel and inode map have quiesced.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateInitError
	StateStarting
	StateRunning
	StateFuseError
	StateShuttingDown
	StateShutDown
)

var stateNames = map[State]string{
	StateUninitialized: "UNINITIALIZED",
	StateInitializing:  "INITIALIZING",
	StateInitialized:   "INITIALIZED",
	StateInitError:     "INIT_ERROR",
	StateStarting:      "STARTING",
	StateRunning:       "RUNNING",
	StateFuseError:     "FUSE_ERROR",
	StateShuttingDown:  "SHUTTING_DOWN",
	StateShutDown:      "SHUT_DOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// legalTransitions lists the permitted edges. Uninitialized and the
// error states may go straight to ShuttingDown, which is how destroyed
// mounts that never started are torn down.
var legalTransitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateShuttingDown},
	StateInitializing:  {StateInitialized, StateInitError},
	StateInitialized:   {StateStarting, StateShuttingDown},
	StateInitError:     {StateShuttingDown},
	StateStarting:      {StateRunning, StateFuseError},
	StateRunning:       {StateShuttingDown},
	StateFuseError:     {StateShuttingDown},
	StateShuttingDown:  {StateShutDown},
}

// stateMachine holds the mount state and the deferred destruction flag.
// Every transition is a single compare and swap; there is no lock whose
// release could reorder transitions.
type stateMachine struct {
	state      atomic.Int32
	destroying atomic.Bool
}

func (sm *stateMachine) current() State {
	return State(sm.state.Load())
}

// tryTransition performs the from -> to transition if the mount is in
// from and the edge is legal, and reports whether it did. The state is
// unchanged on failure.
func (sm *stateMachine) tryTransition(from, to State) bool {
	legal := false
	for _, next := range legalTransitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	return sm.state.CompareAndSwap(int32(from), int32(to))
}

// transition performs a transition that the caller has already proven
// must be legal. A failure here is a logic error in the mount, not a
// runtime condition, so it panics.
func (sm *stateMachine) transition(from, to State) {
	if !sm.tryTransition(from, to) {
		panic(fmt.Sprintf("Illegal mount state transition %s -> %s: mount is in state %s", from, to, sm.current()))
	}
}

// transitionFromAny performs the first legal transition to the target
// state, trying the provided source states in order. It returns the
// source state that matched, or false if none did.
func (sm *stateMachine) transitionFromAny(to State, from ...State) (State, bool) {
	for _, f := range from {
		if sm.tryTransition(f, to) {
			return f, true
		}
	}
	return sm.current(), false
}

func (sm *stateMachine) setDestroying() {
	sm.destroying.Store(true)
}

func (sm *stateMachine) isDestroying() bool {
	return sm.destroying.Load()
}
