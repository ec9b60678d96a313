package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapctl/internal/debug/adapters"
	"github.com/dshills/dapctl/internal/debug/dap"
)

const sampleTOML = `
version = 1

[[configurations]]
name = "server"
type = "delve"
program = "./cmd/server"
cwd = "/src/app"
args = ["-port", "8080"]
stopOnEntry = true
exceptionFilters = ["panic"]

[configurations.env]
DEBUG = "1"

[configurations.extra]
buildFlags = "-race"

[[configurations.breakpoints]]
path = "cmd/server/main.go"
lines = [57, 42]

[[configurations.breakpoints]]
path = "/src/app/cmd/server/main.go"
lines = [42, 90]
condition = "n > 3"

[[configurations]]
name = "attach"
request = "attach"
type = "generic"
host = "10.0.0.5"
port = 4711
`

const sampleYAML = `
configurations:
  - name: script
    program: tools/gen.py
    args: ["--dry-run"]
    breakpoints:
      - path: /src/tools/gen.py
        lines: [3]
  - name: native
    type: lldb
    program: ./build/app
    adapterArgs: ["--repl-mode=command"]
`

func TestParseTOML(t *testing.T) {
	file, err := Parse("dapctl.toml", FormatTOML, []byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, []string{"server", "attach"}, file.Names())

	server, err := file.Find("server")
	require.NoError(t, err)
	assert.Equal(t, adapters.AdapterDelve, server.Type)
	assert.Equal(t, "launch", server.Request)
	assert.Equal(t, "./cmd/server", server.Program)
	assert.Equal(t, []string{"-port", "8080"}, server.Args)
	assert.Equal(t, map[string]string{"DEBUG": "1"}, server.Env)
	assert.True(t, server.StopOnEntry)
	assert.Equal(t, "-race", server.Extra["buildFlags"])
	assert.Equal(t, []string{"panic"}, server.ExceptionFilters)

	attach, err := file.Find("attach")
	require.NoError(t, err)
	assert.Equal(t, "attach", attach.Request)
	assert.Equal(t, 4711, attach.Port)

	_, err = file.Find("missing")
	assert.ErrorIs(t, err, ErrConfigurationNotFound)
}

func TestSourceBreakpoints(t *testing.T) {
	file, err := Parse("dapctl.toml", FormatTOML, []byte(sampleTOML))
	require.NoError(t, err)
	server, err := file.Find("server")
	require.NoError(t, err)

	bps := server.SourceBreakpoints()
	require.Len(t, bps, 1)
	assert.Equal(t, []dap.SourceBreakpoint{
		{Line: 42},
		{Line: 57},
		{Line: 90, Condition: "n > 3"},
	}, bps["/src/app/cmd/server/main.go"])

	attach, _ := file.Find("attach")
	assert.Nil(t, attach.SourceBreakpoints())
}

func TestParseYAML(t *testing.T) {
	file, err := Parse("dapctl.yaml", FormatYAML, []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, file.Version)

	script, err := file.Find("script")
	require.NoError(t, err)
	assert.Equal(t, adapters.AdapterPython, script.Type, "type detected from program")
	assert.Equal(t, []string{"--dry-run"}, script.Args)
	assert.Len(t, script.SourceBreakpoints()["/src/tools/gen.py"], 1)

	native, err := file.Find("native")
	require.NoError(t, err)
	assert.Equal(t, adapters.AdapterLLDB, native.Type)
	assert.Equal(t, []string{"--repl-mode=command"}, native.AdapterArgs)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		data    string
		wantErr string
	}{
		{"toml syntax", FormatTOML, "[[configurations]\nname = 1", "parse error in test"},
		{"toml unknown key", FormatTOML, "[[configurations]]\nname = \"a\"\nprogrm = \"x\"", "unknown key"},
		{"yaml unknown key", FormatYAML, "configurations:\n  - name: a\n    progrm: x\n", "parse error in test"},
		{"missing name", FormatTOML, "[[configurations]]\nprogram = \"x.go\"", "configurations[0].name is required"},
		{"duplicate name", FormatYAML, "configurations:\n  - name: a\n  - name: a\n", `configuration "a": name is used more than once`},
		{"bad request", FormatYAML, "configurations:\n  - name: a\n    request: debug\n", "must be launch or attach"},
		{"bad line", FormatYAML, "configurations:\n  - name: a\n    breakpoints:\n      - path: x.go\n        lines: [0]\n", "invalid line 0"},
		{"bad port", FormatTOML, "[[configurations]]\nname = \"a\"\nport = 70000", "out of range"},
		{"future version", FormatTOML, "version = 9", "unsupported version 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test", tt.format, []byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTOMLParseErrorPosition(t *testing.T) {
	_, err := Parse("test.toml", FormatTOML, []byte("version = 1\nname = = 3\n"))
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
	assert.Equal(t, "test.toml", parseErr.Path)
}

func TestLoadAndDiscover(t *testing.T) {
	dir := t.TempDir()

	_, err := Discover(dir)
	assert.Error(t, err)

	path := filepath.Join(dir, "dapctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	found, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	file, err := Load(found)
	require.NoError(t, err)
	assert.Equal(t, path, file.Path)
	assert.Len(t, file.Configurations, 2)

	_, err = Load(filepath.Join(dir, "launch.json"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
