package fsm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ReentrantFire(t *testing.T) {
	sm := New(State("initial"))

	sm.AddTransition(State("initial"), State("intermediate"), Event("first"), func(from, to State, event Event) error {
		return sm.Fire(Event("second"))
	})

	sm.AddTransition(State("intermediate"), State("final"), Event("second"), nil)

	done := make(chan error, 1)
	go func() {
		done <- sm.Fire(Event("first"))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, State("final"), sm.Current())
	case <-time.After(1 * time.Second):
		t.Fatal("Deadlock detected: Fire did not return within 1 second")
	}
}

func TestStateMachine_Basic(t *testing.T) {
	sm := New(State("off"))
	sm.AddTransition(State("off"), State("on"), Event("push"), nil)

	assert.Equal(t, State("off"), sm.Current())
	assert.True(t, sm.Can(Event("push")))

	require.NoError(t, sm.Fire(Event("push")))

	assert.Equal(t, State("on"), sm.Current())
	assert.True(t, sm.Is(State("off"), State("on")))
	assert.False(t, sm.Can(Event("push")))
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := New(State("start"))
	err := sm.Fire(Event("unknown"))
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, State("start"), te.From)
	assert.Equal(t, Event("unknown"), te.Event)
	assert.Equal(t, State("start"), sm.Current())
}

func TestStateMachine_HandlerError(t *testing.T) {
	sm := New(State("A"))
	sm.AddTransition(State("A"), State("B"), Event("go"), func(from, to State, event Event) error {
		return fmt.Errorf("handler failed")
	})

	err := sm.Fire(Event("go"))
	require.EqualError(t, err, "handler failed")
	assert.Equal(t, State("B"), sm.Current(), "state is committed even if the handler fails")
}

func TestStateMachine_HandlerSeesNewState(t *testing.T) {
	sm := New(State("A"))
	var stateInHandler, fromInHandler State
	sm.AddTransition(State("A"), State("B"), Event("go"), func(from, to State, event Event) error {
		stateInHandler = sm.Current()
		fromInHandler = from
		return nil
	})

	require.NoError(t, sm.Fire(Event("go")))
	assert.Equal(t, State("B"), stateInHandler)
	assert.Equal(t, State("A"), fromInHandler)
}
