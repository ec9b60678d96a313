package debug

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// threadRefreshTimeout bounds the threads request sent after a thread starts.
const threadRefreshTimeout = 5 * time.Second

// handleEvent applies one adapter event of run. It is called from the client's dispatch
// goroutine, so events of a run are handled in wire order.
func (s *Session) handleEvent(run int, evt dap.Event) {
	s.mu.Lock()
	current := run == s.run
	s.mu.Unlock()
	if !current {
		return
	}

	switch evt.Event {
	case "initialized":
		s.mu.Lock()
		if run == s.run && s.initOnce != nil {
			s.initOnce.Do(func() { close(s.initialized) })
		}
		s.mu.Unlock()

	case "stopped":
		var body dap.StoppedEventBody
		if !s.decode(evt, &body) {
			return
		}
		if body.ThreadId != 0 {
			s.threads.stoppedOn(body.ThreadId)
		}
		s.mu.Lock()
		if run == s.run && s.state.live() {
			s.epoch++
			s.variables.invalidate()
			s.setStateLocked(StateStopped)
			s.emitLocked(StoppedEvent{StoppedEventBody: body})
		}
		s.mu.Unlock()

	case "continued":
		var body dap.ContinuedEventBody
		if !s.decode(evt, &body) {
			return
		}
		s.mu.Lock()
		if run == s.run && s.state.live() {
			s.epoch++
			s.variables.invalidate()
			if s.state != StateInitializing {
				s.setStateLocked(StateRunning)
			}
			s.emitLocked(ContinuedEvent{ContinuedEventBody: body})
		}
		s.mu.Unlock()

	case "thread":
		var body dap.ThreadEventBody
		if !s.decode(evt, &body) {
			return
		}
		switch body.Reason {
		case "started":
			s.threads.add(body.ThreadId)
			go s.refreshThreads(run)
		case "exited":
			s.threads.remove(body.ThreadId)
		}
		s.emit(run, ThreadEvent{ThreadEventBody: body})

	case "breakpoint":
		var body dap.BreakpointEventBody
		if !s.decode(evt, &body) {
			return
		}
		s.breakpoints.apply(body.Reason, body.Breakpoint)
		s.emit(run, BreakpointEvent{BreakpointEventBody: body})

	case "output":
		var body dap.OutputEventBody
		if s.decode(evt, &body) {
			s.emit(run, OutputEvent{OutputEventBody: body})
		}

	case "module":
		var body dap.ModuleEventBody
		if s.decode(evt, &body) {
			s.emit(run, ModuleEvent{ModuleEventBody: body})
		}

	case "exited":
		var body dap.ExitedEventBody
		if !s.decode(evt, &body) {
			return
		}
		s.log.Info("Debuggee exited", "exitCode", body.ExitCode)
		s.emit(run, ExitedEvent{ExitCode: body.ExitCode})
		s.endRun(run, nil)

	case "terminated":
		s.log.Info("Debug adapter reported termination")
		s.endRun(run, nil)

	default:
		s.emit(run, OpaqueEvent{Event: evt.Event, Body: append(json.RawMessage(nil), evt.Body...)})
	}
}

// handleClose is called once when the client of run shuts down.
func (s *Session) handleClose(run int, cause error) {
	if cause != nil {
		s.log.Error(cause, "Debug adapter connection lost")
	}
	s.endRun(run, cause)
}

// endRun moves run to StateTerminated unless Stop is already doing so, then releases the
// connection in the background.
func (s *Session) endRun(run int, cause error) {
	s.mu.Lock()
	if run != s.run || s.state == StateTerminated || s.state == StateTerminating {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.finishLocked(cause)
	s.mu.Unlock()

	if client != nil {
		go func() { _ = client.Disconnect(context.Background()) }()
	}
}

// refreshThreads fetches the thread list so new threads get their names.
func (s *Session) refreshThreads(run int) {
	s.mu.Lock()
	client := s.client
	current := run == s.run && s.state.live()
	if current && s.state == StateInitializing {
		// The configuration phase owns the wire; Start refreshes once it is over.
		s.threadsStale = true
		current = false
	}
	s.mu.Unlock()
	if !current || client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), threadRefreshTimeout)
	defer cancel()

	threads, err := client.Threads(ctx)
	if err != nil {
		s.log.V(1).Info("Thread refresh failed", "error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if run == s.run {
		s.threads.replace(threads)
	}
}

func (s *Session) decode(evt dap.Event, v any) bool {
	if len(evt.Body) == 0 {
		return true
	}
	if err := json.Unmarshal(evt.Body, v); err != nil {
		s.log.Error(err, "Malformed event body", "event", evt.Event)
		return false
	}
	return true
}
