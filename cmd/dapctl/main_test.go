package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapctl/internal/debug"
	"github.com/dshills/dapctl/internal/debug/dap"
	"github.com/dshills/dapctl/internal/debug/daptest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func async(fn func() error) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	return errCh
}

// startSession runs a session against a fake adapter until it is running.
func startSession(t *testing.T) (*daptest.Adapter, *debug.Session) {
	t.Helper()

	adapter := daptest.NewAdapter(t)
	session := debug.NewSession(debug.SessionConfig{
		Name:      "app",
		Arguments: json.RawMessage(`{"program":"./app"}`),
		Dial:      func() (dap.Transport, error) { return adapter.Transport(), nil },
		Client:    dap.ClientOptions{DisconnectTimeout: 100 * time.Millisecond},
	})
	t.Cleanup(func() { _ = session.Stop(context.Background()) })

	errCh := async(func() error { return session.Start(testContext(t)) })
	adapter.Handshake(dap.Capabilities{})
	launch := adapter.Expect("launch")
	adapter.Event("initialized", nil)
	adapter.Respond(launch, nil)
	require.NoError(t, <-errCh)

	return adapter, session
}

func stopOn(t *testing.T, adapter *daptest.Adapter, session *debug.Session, threadID int) {
	t.Helper()
	adapter.Event("stopped", map[string]any{"reason": "breakpoint", "threadId": threadID})
	require.Eventually(t, func() bool { return session.State() == debug.StateStopped }, 5*time.Second, 5*time.Millisecond)
}

func TestParseBreakFlag(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	path, line, err := parseBreakFlag("main.go:42")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "main.go"), path)
	assert.Equal(t, 42, line)

	path, line, err = parseBreakFlag("/src/a:b.go:7")
	require.NoError(t, err)
	assert.Equal(t, "/src/a:b.go", path)
	assert.Equal(t, 7, line)

	for _, bad := range []string{"main.go", ":3", "main.go:", "main.go:x", "main.go:0"} {
		_, _, err := parseBreakFlag(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	level, err = parseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		evt  debug.Event
		want string
	}{
		{debug.StateChangedEvent{Old: debug.StateRunning, New: debug.StateStopped}, "[state] running -> stopped"},
		{debug.StoppedEvent{StoppedEventBody: dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1}}, "[stopped] breakpoint on thread 1"},
		{debug.StoppedEvent{StoppedEventBody: dap.StoppedEventBody{Reason: "exception", ThreadId: 2, Description: "panic"}}, "[stopped] exception on thread 2: panic"},
		{debug.ContinuedEvent{ContinuedEventBody: dap.ContinuedEventBody{AllThreadsContinued: true}}, "[continued] all threads"},
		{debug.ThreadEvent{ThreadEventBody: dap.ThreadEventBody{Reason: "started", ThreadId: 4}}, "[thread] 4 started"},
		{debug.OutputEvent{OutputEventBody: dap.OutputEventBody{Category: "stdout", Output: "hello\n"}}, "hello"},
		{debug.OutputEvent{OutputEventBody: dap.OutputEventBody{Category: "telemetry", Output: "x"}}, ""},
		{debug.ExitedEvent{ExitCode: 3}, "[exited] code 3"},
		{debug.TerminatedEvent{}, "[terminated]"},
		{debug.TerminatedEvent{Err: dap.ErrConnectionClosed}, "[terminated] " + dap.ErrConnectionClosed.Error()},
		{debug.OpaqueEvent{Event: "process", Body: json.RawMessage(`{"name":"app"}`)}, `[process] {"name":"app"}`},
		{
			debug.BreakpointEvent{BreakpointEventBody: dap.BreakpointEventBody{
				Reason:     "changed",
				Breakpoint: dap.Breakpoint{Id: 3, Line: 10, Source: &dap.Source{Path: "/src/main.go"}},
			}},
			"[breakpoint] changed #3 /src/main.go:10 (unverified)",
		},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatEvent(tt.evt))
	}
}

func TestListCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dapctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[configurations]]
name = "server"
program = "./cmd/server/main.go"

[[configurations]]
name = "remote"
type = "delve"
request = "attach"
host = "10.0.0.5"
port = 2345
extra = { mode = "remote" }
`), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "list"})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "NAME")
	assert.Regexp(t, `server\s+delve\s+launch\s+\./cmd/server/main\.go`, text)
	assert.Regexp(t, `remote\s+delve\s+attach\s+10\.0\.0\.5:2345`, text)
}

func TestRunUnknownConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dapctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("configurations:\n  - name: app\n    program: main.go\n"), 0o644))

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", path, "run", "missing"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available: app")
}

func TestREPLInspectsStoppedSession(t *testing.T) {
	adapter, session := startSession(t)
	ctx := testContext(t)

	var out bytes.Buffer
	r := newREPL(session, &out)
	stopOn(t, adapter, session, 3)

	errCh := async(func() error { return r.exec(ctx, "bt") })
	req := adapter.Expect("stackTrace")
	var stArgs dap.StackTraceArguments
	adapter.DecodeArguments(req, &stArgs)
	assert.Equal(t, 3, stArgs.ThreadId)
	assert.Equal(t, defaultStackLevels, stArgs.Levels)
	adapter.Respond(req, map[string]any{
		"stackFrames": []map[string]any{
			{"id": 1000, "name": "main.main", "line": 12, "column": 1, "source": map[string]any{"path": "/src/main.go"}},
		},
		"totalFrames": 1,
	})
	require.NoError(t, <-errCh)
	assert.Contains(t, out.String(), "#0 [1000] main.main at /src/main.go:12")

	errCh = async(func() error { return r.exec(ctx, "eval  len(items) + 1") })
	req = adapter.Expect("evaluate")
	var evalArgs dap.EvaluateArguments
	adapter.DecodeArguments(req, &evalArgs)
	assert.Equal(t, "len(items) + 1", evalArgs.Expression)
	assert.Equal(t, "repl", evalArgs.Context)
	assert.Equal(t, 1000, evalArgs.FrameId, "bt selects the top frame")
	adapter.Respond(req, map[string]any{"result": "42", "variablesReference": 0})
	require.NoError(t, <-errCh)
	assert.Contains(t, out.String(), "42\n")

	errCh = async(func() error { return r.exec(ctx, "vars 7") })
	adapter.Respond(adapter.Expect("variables"), map[string]any{
		"variables": []map[string]any{{"name": "n", "value": "3", "type": "int", "variablesReference": 0}},
	})
	require.NoError(t, <-errCh)
	assert.Contains(t, out.String(), "n = 3 (int)")

	require.NoError(t, r.exec(ctx, "vars 7"))
	adapter.NoRequest(50 * time.Millisecond)

	errCh = async(func() error { return r.exec(ctx, "c") })
	req = adapter.Expect("continue")
	var contArgs dap.ContinueArguments
	adapter.DecodeArguments(req, &contArgs)
	assert.Equal(t, 3, contArgs.ThreadId)
	adapter.Respond(req, map[string]any{"allThreadsContinued": true})
	require.NoError(t, <-errCh)
	assert.Equal(t, debug.StateRunning, session.State())

	err := r.exec(ctx, "bt")
	assert.True(t, errors.Is(err, debug.ErrIllegalState))
	adapter.NoRequest(50 * time.Millisecond)
}

func TestREPLBreakpoints(t *testing.T) {
	adapter, session := startSession(t)
	ctx := testContext(t)

	var out bytes.Buffer
	r := newREPL(session, &out)

	errCh := async(func() error { return r.exec(ctx, "break /src/main.go 10 20") })
	req := adapter.Expect("setBreakpoints")
	var args dap.SetBreakpointsArguments
	adapter.DecodeArguments(req, &args)
	assert.Equal(t, "/src/main.go", args.Source.Path)
	require.Len(t, args.Breakpoints, 2)
	adapter.Respond(req, map[string]any{"breakpoints": []map[string]any{
		{"id": 1, "verified": true, "line": 10},
		{"id": 2, "verified": false, "line": 20, "message": "no code"},
	}})
	require.NoError(t, <-errCh)
	assert.Contains(t, out.String(), "#1 /src/main.go:10\n")
	assert.Contains(t, out.String(), "#2 /src/main.go:20 (unverified: no code)")

	out.Reset()
	require.NoError(t, r.exec(ctx, "breakpoints"))
	assert.Equal(t, 2, strings.Count(out.String(), "/src/main.go"))

	errCh = async(func() error { return r.exec(ctx, "clear /src/main.go") })
	adapter.Respond(adapter.Expect("setBreakpoints"), map[string]any{"breakpoints": []any{}})
	require.NoError(t, <-errCh)
	assert.Empty(t, session.Breakpoints("/src/main.go"))
}

func TestREPLUsageErrors(t *testing.T) {
	_, session := startSession(t)
	ctx := testContext(t)
	r := newREPL(session, io.Discard)

	assert.NoError(t, r.exec(ctx, "   "))
	assert.ErrorIs(t, r.exec(ctx, "quit"), errQuit)
	assert.ErrorContains(t, r.exec(ctx, "frobnicate"), "unknown command")
	assert.ErrorContains(t, r.exec(ctx, "vars"), "missing variables reference")
	assert.ErrorContains(t, r.exec(ctx, "thread x"), "invalid thread id")
	assert.ErrorIs(t, r.exec(ctx, "thread 99"), debug.ErrUnknownThread)
	assert.ErrorContains(t, r.exec(ctx, "set 1 x"), "usage: set")
	assert.ErrorContains(t, r.exec(ctx, "break main.go"), "usage: break")
	assert.ErrorIs(t, r.exec(ctx, "n"), debug.ErrIllegalState)
}

func TestREPLRunQuits(t *testing.T) {
	_, session := startSession(t)

	var out bytes.Buffer
	err := newREPL(session, &out).run(testContext(t), strings.NewReader("state\nq\nstate\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "running\n", out.String())
}

func TestREPLRunEndsWithSession(t *testing.T) {
	adapter, session := startSession(t)

	var buf bytes.Buffer
	out := &syncWriter{w: &buf}
	printer := newEventPrinter(out)
	session.Subscribe(printer.print)

	in, w := io.Pipe()
	defer w.Close()

	errCh := async(func() error { return newREPL(session, out).run(testContext(t), in, printer.terminated) })
	adapter.Event("terminated", nil)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command loop did not end with the session")
	}
	assert.Contains(t, buf.String(), "[terminated]")
	assert.Contains(t, buf.String(), "session ended")
}
