package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dshills/dapctl/internal/debug"
	"github.com/dshills/dapctl/internal/debug/dap"
)

// syncWriter serializes writes from the event goroutine and the command loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// eventPrinter writes session events as they arrive.
type eventPrinter struct {
	out io.Writer

	// terminated receives a value whenever a run of the session ends.
	terminated chan struct{}
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{
		out:        out,
		terminated: make(chan struct{}, 1),
	}
}

func (p *eventPrinter) print(evt debug.Event) {
	if line := formatEvent(evt); line != "" {
		fmt.Fprintln(p.out, line)
	}
	if _, ok := evt.(debug.TerminatedEvent); ok {
		select {
		case p.terminated <- struct{}{}:
		default:
		}
	}
}

func formatEvent(evt debug.Event) string {
	switch e := evt.(type) {
	case debug.StateChangedEvent:
		return fmt.Sprintf("[state] %s -> %s", e.Old, e.New)
	case debug.StoppedEvent:
		s := fmt.Sprintf("[stopped] %s on thread %d", e.Reason, e.ThreadId)
		if e.Description != "" {
			s += ": " + e.Description
		}
		if e.Text != "" {
			s += " (" + e.Text + ")"
		}
		return s
	case debug.ContinuedEvent:
		if e.AllThreadsContinued {
			return "[continued] all threads"
		}
		return fmt.Sprintf("[continued] thread %d", e.ThreadId)
	case debug.ThreadEvent:
		return fmt.Sprintf("[thread] %d %s", e.ThreadId, e.Reason)
	case debug.BreakpointEvent:
		return fmt.Sprintf("[breakpoint] %s %s", e.Reason, formatBreakpoint(e.Breakpoint))
	case debug.OutputEvent:
		if e.Category == "telemetry" {
			return ""
		}
		return strings.TrimRight(e.Output, "\n")
	case debug.ModuleEvent:
		return fmt.Sprintf("[module] %s %s", e.Reason, e.Module.Name)
	case debug.ExitedEvent:
		return fmt.Sprintf("[exited] code %d", e.ExitCode)
	case debug.TerminatedEvent:
		if e.Err != nil {
			return fmt.Sprintf("[terminated] %v", e.Err)
		}
		return "[terminated]"
	case debug.OpaqueEvent:
		return fmt.Sprintf("[%s] %s", e.Event, e.Body)
	default:
		return fmt.Sprintf("[%s]", evt.Name())
	}
}

func formatBreakpoint(bp dap.Breakpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", bp.Id)
	if bp.Source != nil && bp.Source.Path != "" {
		fmt.Fprintf(&b, " %s:%d", bp.Source.Path, bp.Line)
	} else if bp.Line > 0 {
		fmt.Fprintf(&b, " line %d", bp.Line)
	}
	if !bp.Verified {
		b.WriteString(" (unverified")
		if bp.Message != "" {
			b.WriteString(": " + bp.Message)
		}
		b.WriteString(")")
	}
	return b.String()
}

func formatFrame(f dap.StackFrame) string {
	loc := "?"
	if f.Source != nil {
		name := f.Source.Path
		if name == "" {
			name = f.Source.Name
		}
		loc = fmt.Sprintf("%s:%d", name, f.Line)
	}
	return fmt.Sprintf("%s at %s", f.Name, loc)
}

func formatVariable(v dap.Variable) string {
	s := v.Name + " = " + v.Value
	if v.Type != "" {
		s += " (" + v.Type + ")"
	}
	if v.VariablesReference != 0 {
		s += fmt.Sprintf(" [ref %d]", v.VariablesReference)
	}
	return s
}
