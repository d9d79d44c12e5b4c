// state.go tracks the lifecycle of a Proxy.
//
// Every state change is recorded in a fixed 50-entry ring buffer so that a
// failed or idle tunnel can explain how it got there, and registered
// callbacks are invoked on every change.

package tunnel

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Proxy.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHealthChecking
	StateReady
	StateDraining
	StateDisconnected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHealthChecking:
		return "health_checking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText makes states readable in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitionBufferSize is the number of transitions kept per proxy.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called after every state change. Callbacks run
// synchronously; long-running handlers should spawn goroutines.
type StateChangeCallback func(from, to State, reason string)

// stateMachine holds the current state and the transition ring buffer.
type stateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions [transitionBufferSize]Transition
	head        int // next write position
	count       int // capped at buffer size
	callbacks   []StateChangeCallback
	now         func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{current: StateIdle, now: now}
}

// set moves to state and reports the previous one. Setting the current
// state again is a no-op.
func (sm *stateMachine) set(state State, reason string) State {
	sm.mu.Lock()
	from := sm.current
	if from == state {
		sm.mu.Unlock()
		return from
	}
	sm.current = state
	sm.transitions[sm.head] = Transition{From: from, To: state, Timestamp: sm.now(), Reason: reason}
	sm.head = (sm.head + 1) % transitionBufferSize
	if sm.count < transitionBufferSize {
		sm.count++
	}
	cbs := make([]StateChangeCallback, len(sm.callbacks))
	copy(cbs, sm.callbacks)
	sm.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state, reason)
	}
	return from
}

func (sm *stateMachine) get() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// history returns the transitions oldest first.
func (sm *stateMachine) history() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.count == 0 {
		return nil
	}
	result := make([]Transition, sm.count)
	if sm.count < transitionBufferSize {
		copy(result, sm.transitions[:sm.count])
	} else {
		// full: head is the oldest entry
		n := copy(result, sm.transitions[sm.head:])
		copy(result[n:], sm.transitions[:sm.head])
	}
	return result
}

func (sm *stateMachine) onChange(cb StateChangeCallback) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.callbacks = append(sm.callbacks, cb)
}
