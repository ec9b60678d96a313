package debug

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateTerminated, "terminated"},
		{StateInitializing, "initializing"},
		{StateRunning, "running"},
		{StateStopped, "stopped"},
		{StateStepping, "stepping"},
		{StateTerminating, "terminating"},
		{SessionState(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestSessionStateLive(t *testing.T) {
	assert.False(t, StateTerminated.live())
	assert.False(t, StateTerminating.live())
	assert.True(t, StateInitializing.live())
	assert.True(t, StateStepping.live())
}

func TestSessionErrors(t *testing.T) {
	err := error(&IllegalStateError{Op: "continue", State: StateRunning})
	assert.True(t, errors.Is(err, ErrIllegalState))
	assert.Equal(t, "continue: not allowed while running", err.Error())

	assert.ErrorIs(t, &UnknownThreadError{ThreadID: 4}, ErrUnknownThread)
	assert.ErrorIs(t, unsupported("restart"), ErrUnsupported)
}
