package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPythonValidate(t *testing.T) {
	valid := []Config{
		{Request: "launch", Program: "app.py"},
		{Request: "launch", Module: "pytest"},
		{Request: "attach", Port: 5678},
		{Request: "attach", ProcessID: 99},
	}
	for _, config := range valid {
		adapter, err := NewPythonAdapter(config)
		require.NoError(t, err)
		assert.NoError(t, adapter.Validate(), "%+v", config)
	}

	adapter, _ := NewPythonAdapter(Config{Request: "launch"})
	assert.ErrorContains(t, adapter.Validate(), "program or module")

	adapter, _ = NewPythonAdapter(Config{Request: "attach"})
	assert.ErrorContains(t, adapter.Validate(), "port or processId")
}

func TestPythonLaunchArgs(t *testing.T) {
	adapter, err := NewPythonAdapter(Config{Request: "launch", Module: "pytest", Args: []string{"-x"}})
	require.NoError(t, err)

	args, err := adapter.LaunchArgs()
	require.NoError(t, err)
	assert.Equal(t, "python", args["type"])
	assert.Equal(t, "pytest", args["module"])
	assert.NotContains(t, args, "program")
	assert.Equal(t, true, args["justMyCode"])
	assert.Equal(t, []string{"-x"}, args["args"])
}

func TestPythonAttachArgs(t *testing.T) {
	adapter, err := NewPythonAdapter(Config{
		Request: "attach",
		Port:    5678,
		Extra:   map[string]any{"justMyCode": false},
	})
	require.NoError(t, err)

	args, err := adapter.AttachArgs()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "127.0.0.1", "port": 5678}, args["connect"])
	assert.Equal(t, false, args["justMyCode"])

	assert.Equal(t, ConnectionStdio, adapter.ConnectionType())
	assert.Empty(t, adapter.Address())
}

func TestPythonCommand(t *testing.T) {
	adapter, err := NewPythonAdapter(Config{Request: "launch", Program: "app.py", AdapterPath: "/opt/py/bin/python"})
	require.NoError(t, err)

	spec, err := adapter.Command()
	require.NoError(t, err)
	assert.Equal(t, "/opt/py/bin/python", spec.Command)
	assert.Equal(t, []string{"-m", "debugpy.adapter"}, spec.Args)
}
