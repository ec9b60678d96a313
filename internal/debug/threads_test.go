package debug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapctl/internal/debug/dap"
)

func TestThreadSetTarget(t *testing.T) {
	var threads threadSet

	assert.Equal(t, defaultThreadID, threads.target(0))
	assert.Equal(t, 7, threads.target(7))

	threads.stoppedOn(3)
	assert.Equal(t, 3, threads.target(0))
	assert.Equal(t, 7, threads.target(7))

	active, ok := threads.activeThread()
	require.True(t, ok)
	assert.Equal(t, 3, active.Id)
}

func TestThreadSetReplaceKeepsKnownActive(t *testing.T) {
	var threads threadSet
	threads.replace([]dap.Thread{{Id: 1, Name: "main"}, {Id: 2, Name: "worker"}})
	require.NoError(t, threads.setActive(2))

	threads.replace([]dap.Thread{{Id: 1, Name: "main"}, {Id: 2, Name: "worker-renamed"}})
	active, ok := threads.activeThread()
	require.True(t, ok)
	assert.Equal(t, "worker-renamed", active.Name)

	threads.replace([]dap.Thread{{Id: 1, Name: "main"}})
	_, ok = threads.activeThread()
	assert.False(t, ok)
	assert.Equal(t, defaultThreadID, threads.target(0))
}

func TestThreadSetAddRemove(t *testing.T) {
	var threads threadSet
	threads.add(1)
	threads.add(1)
	threads.add(2)
	assert.Len(t, threads.list(), 2)

	require.NoError(t, threads.setActive(2))
	threads.remove(2)
	assert.Len(t, threads.list(), 1)
	_, ok := threads.activeThread()
	assert.False(t, ok)

	err := threads.setActive(2)
	assert.ErrorIs(t, err, ErrUnknownThread)

	threads.reset()
	assert.Empty(t, threads.list())
}
