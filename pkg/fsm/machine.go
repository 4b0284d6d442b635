package fsm

import (
	"fmt"
	"sync"
)

type State string
type Event string

// Handler is executed after a transition has been applied.
type Handler func(from, to State, event Event) error

// TransitionError reports an event that is not valid in the current state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s via %s", e.From, e.Event)
}

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Is reports whether the machine is in one of the given states.
func (sm *StateMachine) Is(states ...State) bool {
	cur := sm.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// Can reports whether event is accepted in the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[sm.current][event]
	return ok
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// Fire triggers a state transition. The new state is committed before the
// handler runs and the lock is released, so handlers may Fire again.
func (sm *StateMachine) Fire(event Event) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return &TransitionError{From: from, Event: event}
	}
	handler := sm.callbacks[from][event]
	sm.current = next
	sm.mu.Unlock()

	if handler != nil {
		return handler(from, next, event)
	}
	return nil
}

// Personal.AI order the ending
