// Package debug drives debug sessions over the Debug Adapter Protocol (DAP).
//
// A Session owns one debuggee at a time. It talks to a debug adapter through the
// protocol client in the dap subpackage and keeps the state a debugger front end needs:
// execution state, breakpoints, threads and a variables cache.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      Session (this package)                      │
//	│  - Session state machine                                        │
//	│  - Breakpoint table, thread set, variables cache                │
//	│  - Typed events to subscribers                                  │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      dap.Client                                  │
//	│  - Request/response correlation and timeouts                    │
//	│  - Ordered event dispatch                                       │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                 dap.Transport + dap.Framer                       │
//	│  - stdio child process or TCP socket                            │
//	│  - Content-Length framing                                       │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Session States
//
//   - Terminated: no debuggee. Initial and final state.
//   - Initializing: handshake and configuration phase
//   - Running: the debuggee is executing
//   - Stopped: the debuggee is paused at a breakpoint, step or exception
//   - Stepping: a step request is in flight
//   - Terminating: Stop is shutting the session down
//
// Adapter events move the session immediately and in wire order. Transitions implied by a
// response (Continue to Running, Pause to Stopped) are applied only if no event moved the
// session while the request was in flight.
//
// # Usage
//
//	session := debug.NewSession(debug.SessionConfig{
//	    Name:      "server",
//	    AdapterID: "go",
//	    Arguments: json.RawMessage(`{"program": "./cmd/server"}`),
//	    Dial:      adapter.Dial,
//	})
//
//	unsubscribe := session.Subscribe(func(evt debug.Event) {
//	    if stopped, ok := evt.(debug.StoppedEvent); ok {
//	        fmt.Println("stopped:", stopped.Reason)
//	    }
//	})
//	defer unsubscribe()
//
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	defer session.Stop(ctx)
//
//	bps, err := session.SetBreakpoints(ctx, "/src/main.go", []dap.SourceBreakpoint{{Line: 42}})
//
// # Subpackages
//
//   - dap: framing, transports and the protocol client
//   - daptest: an in-process fake adapter for tests
//   - adapters: launch configurations for concrete debug adapters
package debug
