package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event int

const (
	evStart event = iota
	evStop
)

type state int

const (
	stStopped state = iota
	stRunning
)

func TestProcessEventTransitionsAndRunsAction(t *testing.T) {
	ran := false
	m := New(stStopped, []Transition[event, state]{
		{Event: evStart, From: stStopped, To: stRunning, Action: func() { ran = true }},
		{Event: evStop, From: stRunning, To: stStopped},
	})

	ok := m.ProcessEvent(evStart, nil)
	require.True(t, ok)
	assert.Equal(t, stRunning, m.State())
	assert.True(t, ran)
}

func TestProcessEventGuardBlocksTransition(t *testing.T) {
	allowed := false
	m := New(stStopped, []Transition[event, state]{
		{Event: evStart, From: stStopped, To: stRunning, Guard: func() bool { return allowed }},
	})

	ok := m.ProcessEvent(evStart, nil)
	assert.False(t, ok)
	assert.Equal(t, stStopped, m.State())
}

func TestProcessEventInvalidCallback(t *testing.T) {
	m := New(stStopped, []Transition[event, state]{
		{Event: evStart, From: stStopped, To: stRunning},
	})

	var gotEvent event
	var gotState state
	ok := m.ProcessEvent(evStop, func(e event, s state) {
		gotEvent = e
		gotState = s
	})

	assert.False(t, ok)
	assert.Equal(t, evStop, gotEvent)
	assert.Equal(t, stStopped, gotState)
}
