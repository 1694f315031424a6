// Package session implements the acquisition session lifecycle
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// State is a session lifecycle state
type State int32

const (
	Idle State = iota
	Starting
	Running
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transition other than Reset exists
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// ErrIllegalTransition is returned for moves outside the lifecycle graph
var ErrIllegalTransition = errors.Sentinel("session", errors.CategoryState, "illegal session state transition")

var legal = map[State][]State{
	Idle:     {Starting},
	Starting: {Running, Failed},
	Running:  {Finished, Failed},
	Finished: {Idle},
	Failed:   {Idle},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ObserverFunc is called after every applied transition, outside any lock
type ObserverFunc func(from, to State)

// Machine holds one session's state. Each transition is applied at most
// once even when several goroutines race to apply it.
type Machine struct {
	state atomic.Int32

	mu        sync.RWMutex
	observers []ObserverFunc
}

// NewMachine returns a machine in Idle
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Observe registers fn for every later transition
func (m *Machine) Observe(fn ObserverFunc) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Transition moves the machine to the target state and returns the state
// it left. Illegal moves, including a move that lost a race to another
// goroutine, return ErrIllegalTransition and leave the state unchanged.
func (m *Machine) Transition(to State) (State, error) {
	for {
		from := m.State()
		if !CanTransition(from, to) {
			return from, errors.New(fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)).
				Component("session").
				Category(errors.CategoryState).
				Context("from", from.String()).
				Context("to", to.String()).
				Build()
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			m.notify(from, to)
			return from, nil
		}
	}
}

// Fail moves a Starting or Running session to Failed. It reports whether
// this call applied the transition.
func (m *Machine) Fail() bool {
	_, err := m.Transition(Failed)
	return err == nil
}

// Reset returns a Finished or Failed session to Idle so a fresh session
// can start
func (m *Machine) Reset() error {
	from := m.State()
	if !from.Terminal() {
		return errors.New(fmt.Errorf("reset from %s: %w", from, ErrIllegalTransition)).
			Component("session").
			Category(errors.CategoryState).
			Build()
	}
	_, err := m.Transition(Idle)
	return err
}

func (m *Machine) notify(from, to State) {
	m.mu.RLock()
	observers := make([]ObserverFunc, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(from, to)
	}
}
