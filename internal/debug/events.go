package debug

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// Event is a session event delivered to subscribers. The concrete type identifies the kind.
type Event interface {
	// Name is the event name: "stateChanged" or the DAP event it was derived from.
	Name() string
}

// StateChangedEvent is emitted on every session state transition.
type StateChangedEvent struct {
	Old SessionState
	New SessionState
}

// StoppedEvent is emitted when the debuggee stops.
type StoppedEvent struct {
	dap.StoppedEventBody
}

// ContinuedEvent is emitted when the adapter reports that execution resumed.
type ContinuedEvent struct {
	dap.ContinuedEventBody
}

// ThreadEvent is emitted when a thread starts or exits.
type ThreadEvent struct {
	dap.ThreadEventBody
}

// BreakpointEvent is emitted when the adapter changes a breakpoint on its own.
type BreakpointEvent struct {
	dap.BreakpointEventBody
}

// OutputEvent carries debuggee or adapter output.
type OutputEvent struct {
	dap.OutputEventBody
}

// ModuleEvent is emitted when a module is loaded, changed or removed.
type ModuleEvent struct {
	dap.ModuleEventBody
}

// ExitedEvent is emitted when the debuggee exits.
type ExitedEvent struct {
	ExitCode int
}

// TerminatedEvent is emitted once per run when the session reaches StateTerminated.
// Err is set when the connection was lost or the start failed.
type TerminatedEvent struct {
	Err error
}

// OpaqueEvent carries any adapter event without a typed representation.
type OpaqueEvent struct {
	Event string
	Body  json.RawMessage
}

func (StateChangedEvent) Name() string { return "stateChanged" }
func (StoppedEvent) Name() string      { return "stopped" }
func (ContinuedEvent) Name() string    { return "continued" }
func (ThreadEvent) Name() string       { return "thread" }
func (BreakpointEvent) Name() string   { return "breakpoint" }
func (OutputEvent) Name() string       { return "output" }
func (ModuleEvent) Name() string       { return "module" }
func (ExitedEvent) Name() string       { return "exited" }
func (TerminatedEvent) Name() string   { return "terminated" }
func (e OpaqueEvent) Name() string     { return e.Event }

// emitter delivers events of one run to subscribers from a single goroutine, in emit order.
type emitter struct {
	mu     sync.Mutex
	closed bool
	queue  *chanx.UnboundedChan[Event]
	done   chan struct{}
}

func newEmitter(deliver func(Event)) *emitter {
	e := &emitter{
		queue: chanx.NewUnboundedChan[Event](context.Background(), 16),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for evt := range e.queue.Out {
			deliver(evt)
		}
	}()
	return e
}

// emit queues evt. Events emitted after close are dropped.
func (e *emitter) emit(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue.In <- evt
}

// close stops accepting events. Queued events are still delivered.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.queue.In)
}

// subscribers is the session's subscription list.
type subscribers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) deliver(evt Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.fns))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}
