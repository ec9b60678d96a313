package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// DefaultInitializedTimeout bounds the wait for the adapter's initialized event during Start.
const DefaultInitializedTimeout = 10 * time.Second

// TransportFactory creates the transport for one run of a session.
type TransportFactory func() (dap.Transport, error)

// SessionConfig configures a debug session.
type SessionConfig struct {
	// Name identifies the configuration in logs.
	Name string

	// AdapterID is sent in the initialize request.
	AdapterID string

	// Request is "launch" or "attach". Defaults to "launch".
	Request string

	// Arguments are the launch/attach arguments, passed through verbatim.
	Arguments json.RawMessage

	// Dial creates a fresh transport for every Start.
	Dial TransportFactory

	// Breakpoints are sent during the configuration phase, keyed by source path.
	Breakpoints         map[string][]dap.SourceBreakpoint
	FunctionBreakpoints []dap.FunctionBreakpoint

	// ExceptionFilters are sent with setExceptionBreakpoints when non-nil.
	ExceptionFilters []string

	// InitializedTimeout defaults to DefaultInitializedTimeout.
	InitializedTimeout time.Duration

	Client dap.ClientOptions
	Log    logr.Logger
}

// Session drives one debuggee through a debug adapter.
//
// All operations are safe for concurrent use. State transitions caused by adapter events are
// applied in wire order; a transition caused by a request's response is skipped if an event
// moved the session in the meantime.
type Session struct {
	id  string
	cfg SessionConfig
	log logr.Logger

	mu    sync.Mutex
	state SessionState
	// epoch counts event-driven transitions.
	epoch       uint64
	run         int
	client      *dap.Client
	emitter     *emitter
	initialized chan struct{}
	initOnce    *sync.Once
	stopDone    chan struct{}
	// threadsStale is set when a thread started before the session left StateInitializing.
	threadsStale bool

	breakpoints *breakpointTable
	threads     threadSet
	variables   variableCache
	subs        subscribers
}

// NewSession creates a session in StateTerminated. Nothing is started until Start.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Request == "" {
		cfg.Request = "launch"
	}
	if cfg.InitializedTimeout <= 0 {
		cfg.InitializedTimeout = DefaultInitializedTimeout
	}
	if cfg.Client.AdapterID == "" {
		cfg.Client.AdapterID = cfg.AdapterID
	}

	id := uuid.NewString()
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("session", id, "name", cfg.Name)
	if cfg.Client.Log.GetSink() == nil {
		cfg.Client.Log = log.WithName("dap")
	}

	return &Session{
		id:          id,
		cfg:         cfg,
		log:         log,
		state:       StateTerminated,
		breakpoints: newBreakpointTable(cfg.Breakpoints, cfg.FunctionBreakpoints),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the configuration the session was created with.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the adapter capabilities of the current run, or nil.
func (s *Session) Capabilities() *dap.Capabilities {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Capabilities()
}

// Subscribe registers fn for every session event. Events are delivered from a single
// goroutine in the order they were produced. The returned function removes the subscription.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.subs.add(fn)
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(state SessionState) {
	old := s.state
	if old == state {
		return
	}
	s.state = state
	s.log.V(1).Info("Session state changed", "from", old.String(), "to", state.String())
	s.emitLocked(StateChangedEvent{Old: old, New: state})
}

func (s *Session) emitLocked(evt Event) {
	if s.emitter != nil {
		s.emitter.emit(evt)
	}
}

func (s *Session) emit(run int, evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run == s.run {
		s.emitLocked(evt)
	}
}

// finishLocked moves the run to StateTerminated and ends its event stream.
// It must be called with s.mu held.
func (s *Session) finishLocked(cause error) {
	s.epoch++
	s.variables.invalidate()
	s.setStateLocked(StateTerminated)
	s.emitLocked(TerminatedEvent{Err: cause})
	if s.emitter != nil {
		s.emitter.close()
	}
}

// Start connects to the adapter, performs the handshake and configuration phase, and
// launches or attaches. The session must be in StateTerminated.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateTerminated {
		state := s.state
		s.mu.Unlock()
		return &IllegalStateError{Op: "start", State: state}
	}
	s.run++
	run := s.run
	s.client = nil
	s.emitter = newEmitter(s.subs.deliver)
	s.initialized = make(chan struct{})
	s.initOnce = new(sync.Once)
	s.threadsStale = false
	s.epoch++
	s.threads.reset()
	s.variables.invalidate()
	s.breakpoints.resetConfirmed()
	s.setStateLocked(StateInitializing)
	s.mu.Unlock()

	s.log.Info("Starting debug session", "request", s.cfg.Request, "adapterID", s.cfg.AdapterID)
	if err := s.start(ctx, run); err != nil {
		s.abort(run, err)
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context, run int) error {
	if s.cfg.Dial == nil {
		return fmt.Errorf("start %s: no transport configured", s.cfg.Name)
	}
	transport, err := s.cfg.Dial()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	client := dap.NewClient(transport, s.cfg.Client)
	client.Subscribe(func(evt dap.Event) { s.handleEvent(run, evt) })
	client.OnClose(func(cause error) { s.handleClose(run, cause) })

	s.mu.Lock()
	if s.run != run || s.state != StateInitializing {
		s.mu.Unlock()
		_ = client.Disconnect(ctx)
		return fmt.Errorf("start: session stopped during startup")
	}
	s.client = client
	initialized := s.initialized
	s.mu.Unlock()

	caps, err := client.Connect(ctx)
	if err != nil {
		return err
	}

	launch, err := client.Go(s.cfg.Request, s.cfg.Arguments)
	if err != nil {
		return fmt.Errorf("%s: %w", s.cfg.Request, err)
	}

	if err := s.awaitInitialized(ctx, initialized, launch); err != nil {
		return err
	}
	if err := s.configure(ctx, client, caps); err != nil {
		return err
	}
	if caps.SupportsConfigurationDoneRequest {
		if err := client.ConfigurationDone(ctx); err != nil {
			return fmt.Errorf("configurationDone: %w", err)
		}
	}
	if _, err := client.Wait(ctx, launch); err != nil {
		return fmt.Errorf("%s: %w", s.cfg.Request, err)
	}

	s.mu.Lock()
	if s.run == run && s.state == StateInitializing {
		s.setStateLocked(StateRunning)
	}
	state := s.state
	refresh := s.run == run && s.threadsStale && state.live()
	s.threadsStale = false
	s.mu.Unlock()

	if refresh {
		go s.refreshThreads(run)
	}

	s.log.Info("Debug session started", "state", state.String())
	return nil
}

// awaitInitialized waits for the initialized event. Adapters may answer launch before or
// after sending it, so a launch failure ends the wait early.
func (s *Session) awaitInitialized(ctx context.Context, initialized <-chan struct{}, launch *dap.Call) error {
	timer := time.NewTimer(s.cfg.InitializedTimeout)
	defer timer.Stop()

	launchDone := launch.Done()
	for {
		select {
		case <-initialized:
			return nil
		case <-launchDone:
			if launch.Err != nil {
				return fmt.Errorf("%s: %w", s.cfg.Request, launch.Err)
			}
			launchDone = nil
		case <-timer.C:
			return fmt.Errorf("adapter sent no initialized event within %s", s.cfg.InitializedTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// configure pushes breakpoints and exception filters between initialized and configurationDone.
func (s *Session) configure(ctx context.Context, client *dap.Client, caps *dap.Capabilities) error {
	paths, requested, functions := s.breakpoints.pending()
	for _, path := range paths {
		if _, err := s.setBreakpoints(ctx, client, path, requested[path]); err != nil {
			return fmt.Errorf("set breakpoints in %s: %w", path, err)
		}
	}

	if len(functions) > 0 {
		if caps.SupportsFunctionBreakpoints {
			if _, err := client.SetFunctionBreakpoints(ctx, dap.SetFunctionBreakpointsArguments{Breakpoints: functions}); err != nil {
				return fmt.Errorf("set function breakpoints: %w", err)
			}
		} else {
			s.log.Info("Adapter does not support function breakpoints; skipping", "count", len(functions))
		}
	}

	if s.cfg.ExceptionFilters != nil {
		if err := client.SetExceptionBreakpoints(ctx, dap.SetExceptionBreakpointsArguments{Filters: s.cfg.ExceptionFilters}); err != nil {
			return fmt.Errorf("set exception breakpoints: %w", err)
		}
	}
	return nil
}

// abort ends a failed start in StateTerminated.
func (s *Session) abort(run int, cause error) {
	s.log.Error(cause, "Debug session failed to start")

	s.mu.Lock()
	client := s.client
	if s.run == run && s.state != StateTerminated && s.state != StateTerminating {
		s.finishLocked(cause)
	}
	s.mu.Unlock()

	if client != nil {
		_ = client.Disconnect(context.Background())
	}
}

// Stop terminates the debuggee and disconnects. It sends terminate when the adapter supports
// it and falls back to disconnect otherwise or on failure. The session always ends in
// StateTerminated; calling Stop on a terminated session does nothing.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateTerminated:
		s.mu.Unlock()
		return nil
	case StateTerminating:
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	client := s.client
	done := make(chan struct{})
	s.stopDone = done
	s.setStateLocked(StateTerminating)
	s.mu.Unlock()

	defer close(done)

	if client != nil {
		if caps := client.Capabilities(); caps != nil && caps.SupportsTerminateRequest {
			if err := client.Terminate(ctx, dap.TerminateArguments{}); err != nil {
				s.log.Error(err, "Terminate request failed; falling back to disconnect")
			}
		}
		if err := client.Disconnect(ctx); err != nil {
			s.log.Error(err, "Disconnect failed")
		}
	}

	s.mu.Lock()
	if s.state == StateTerminating {
		s.finishLocked(nil)
	}
	s.mu.Unlock()

	s.log.Info("Debug session stopped")
	return nil
}

// Restart restarts the debuggee. Adapters that support the restart request restart in place;
// otherwise the session is stopped and started again with the same configuration.
func (s *Session) Restart(ctx context.Context) error {
	client, _, err := s.begin("restart", StateRunning, StateStopped, StateStepping)
	if err != nil {
		return err
	}

	if caps := client.Capabilities(); caps != nil && caps.SupportsRestartRequest {
		s.variables.invalidate()
		return client.Restart(ctx, dap.RestartArguments{Arguments: s.cfg.Arguments})
	}

	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// begin checks that the session is in one of allowed and returns the client and the current
// epoch. It never sends anything.
func (s *Session) begin(op string, allowed ...SessionState) (*dap.Client, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range allowed {
		if s.state == state {
			if s.client == nil {
				return nil, 0, dap.ErrNotConnected
			}
			return s.client, s.epoch, nil
		}
	}
	return nil, 0, &IllegalStateError{Op: op, State: s.state}
}

// connected returns the client of the current run for operations without a state precondition.
func (s *Session) connected() (*dap.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.state.live() {
		return nil, dap.ErrNotConnected
	}
	return s.client, nil
}

// transitionIf applies a response-driven transition unless an event moved the session first.
func (s *Session) transitionIf(epoch uint64, from []SessionState, to SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return
	}
	for _, state := range from {
		if s.state == state {
			s.setStateLocked(to)
			return
		}
	}
}

// Continue resumes the debuggee. threadID 0 means the active thread, or thread 1 if none.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	client, epoch, err := s.begin("continue", StateStopped)
	if err != nil {
		return err
	}

	args := dap.ContinueArguments{ThreadId: s.threads.target(threadID), SingleThread: false}
	if _, err := client.Continue(ctx, args); err != nil {
		return err
	}
	s.variables.invalidate()
	s.transitionIf(epoch, []SessionState{StateStopped}, StateRunning)
	return nil
}

// Pause suspends the running debuggee.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	client, epoch, err := s.begin("pause", StateRunning)
	if err != nil {
		return err
	}

	if err := client.Pause(ctx, dap.PauseArguments{ThreadId: s.threads.target(threadID)}); err != nil {
		return err
	}
	s.transitionIf(epoch, []SessionState{StateRunning}, StateStopped)
	return nil
}

// StepOver executes one step, stepping over calls.
func (s *Session) StepOver(ctx context.Context, threadID int) error {
	return s.step(ctx, "next", threadID, func(client *dap.Client, id int) error {
		return client.Next(ctx, dap.NextArguments{ThreadId: id})
	})
}

// StepInto steps into the next call.
func (s *Session) StepInto(ctx context.Context, threadID int) error {
	return s.step(ctx, "stepIn", threadID, func(client *dap.Client, id int) error {
		return client.StepIn(ctx, dap.StepInArguments{ThreadId: id})
	})
}

// StepOut runs until the current function returns.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.step(ctx, "stepOut", threadID, func(client *dap.Client, id int) error {
		return client.StepOut(ctx, dap.StepOutArguments{ThreadId: id})
	})
}

// step enters StateStepping before sending; the next stopped event ends it.
func (s *Session) step(ctx context.Context, op string, threadID int, send func(*dap.Client, int) error) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return &IllegalStateError{Op: op, State: state}
	}
	if s.client == nil {
		s.mu.Unlock()
		return dap.ErrNotConnected
	}
	client := s.client
	s.setStateLocked(StateStepping)
	epoch := s.epoch
	s.mu.Unlock()

	s.variables.invalidate()
	if err := send(client, s.threads.target(threadID)); err != nil {
		s.transitionIf(epoch, []SessionState{StateStepping}, StateStopped)
		return err
	}
	return nil
}

// SetBreakpoints replaces every breakpoint in path with bps. The local table for path becomes
// exactly the adapter-confirmed list; an empty bps clears it.
func (s *Session) SetBreakpoints(ctx context.Context, path string, bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	return s.setBreakpoints(ctx, client, path, bps)
}

func (s *Session) setBreakpoints(ctx context.Context, client *dap.Client, path string, bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	if bps == nil {
		bps = []dap.SourceBreakpoint{}
	}
	confirmed, err := client.SetBreakpoints(ctx, dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: path},
		Breakpoints: bps,
	})
	if err != nil {
		return nil, err
	}
	for i := range confirmed {
		if confirmed[i].Source == nil {
			confirmed[i].Source = &dap.Source{Path: path}
		}
	}
	s.breakpoints.set(path, bps, confirmed)
	return confirmed, nil
}

// ClearBreakpoints removes every breakpoint in path.
func (s *Session) ClearBreakpoints(ctx context.Context, path string) error {
	_, err := s.SetBreakpoints(ctx, path, nil)
	return err
}

// Breakpoints returns the adapter-confirmed breakpoints for path.
func (s *Session) Breakpoints(path string) []dap.Breakpoint {
	return s.breakpoints.get(path)
}

// AllBreakpoints returns the adapter-confirmed breakpoints keyed by path.
func (s *Session) AllBreakpoints() map[string][]dap.Breakpoint {
	return s.breakpoints.all()
}

// SetFunctionBreakpoints replaces all function breakpoints.
func (s *Session) SetFunctionBreakpoints(ctx context.Context, bps []dap.FunctionBreakpoint) ([]dap.Breakpoint, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	if caps := client.Capabilities(); caps == nil || !caps.SupportsFunctionBreakpoints {
		return nil, unsupported("setFunctionBreakpoints")
	}
	if bps == nil {
		bps = []dap.FunctionBreakpoint{}
	}
	confirmed, err := client.SetFunctionBreakpoints(ctx, dap.SetFunctionBreakpointsArguments{Breakpoints: bps})
	if err != nil {
		return nil, err
	}
	s.breakpoints.setFunctions(bps)
	return confirmed, nil
}

// SetExceptionBreakpoints selects the exception filters to break on.
func (s *Session) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	client, err := s.connected()
	if err != nil {
		return err
	}
	return client.SetExceptionBreakpoints(ctx, dap.SetExceptionBreakpointsArguments{Filters: filters})
}

// GetThreads fetches the thread list and replaces the local set.
func (s *Session) GetThreads(ctx context.Context) ([]dap.Thread, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	threads, err := client.Threads(ctx)
	if err != nil {
		return nil, err
	}
	s.threads.replace(threads)
	return threads, nil
}

// Threads returns the locally known threads.
func (s *Session) Threads() []dap.Thread {
	return s.threads.list()
}

// SetActiveThread selects the thread that execution and stack requests default to.
func (s *Session) SetActiveThread(id int) error {
	return s.threads.setActive(id)
}

// ActiveThread returns the selected thread.
func (s *Session) ActiveThread() (dap.Thread, bool) {
	return s.threads.activeThread()
}

// GetStackTrace returns the stack of threadID (0 for the active thread). levels 0 means all.
func (s *Session) GetStackTrace(ctx context.Context, threadID, startFrame, levels int) (*dap.StackTraceResponseBody, error) {
	client, _, err := s.begin("stackTrace", StateStopped)
	if err != nil {
		return nil, err
	}
	return client.StackTrace(ctx, dap.StackTraceArguments{
		ThreadId:   s.threads.target(threadID),
		StartFrame: startFrame,
		Levels:     levels,
	})
}

// GetScopes returns the scopes of a stack frame.
func (s *Session) GetScopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	client, _, err := s.begin("scopes", StateStopped)
	if err != nil {
		return nil, err
	}
	return client.Scopes(ctx, dap.ScopesArguments{FrameId: frameID})
}

// GetVariables returns the children of a variablesReference. Reference 0 has no children.
// Results are cached until the debuggee resumes.
func (s *Session) GetVariables(ctx context.Context, ref int) ([]dap.Variable, error) {
	if ref == 0 {
		return nil, nil
	}
	vars, generation, ok := s.variables.get(ref)
	if ok {
		return vars, nil
	}

	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	vars, err = client.Variables(ctx, dap.VariablesArguments{VariablesReference: ref})
	if err != nil {
		return nil, err
	}
	if s.State() == StateStopped {
		s.variables.put(generation, ref, vars)
	}
	return vars, nil
}

// SetVariable assigns value to the variable name in container ref.
func (s *Session) SetVariable(ctx context.Context, ref int, name, value string) (*dap.SetVariableResponseBody, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	body, err := client.SetVariable(ctx, dap.SetVariableArguments{VariablesReference: ref, Name: name, Value: value})
	// A partial assignment may still have changed state.
	s.variables.invalidate()
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Evaluate evaluates expr. evalContext is "watch", "repl", "hover" or "clipboard"; frameID 0
// evaluates in the global scope. No state is required, but adapters may refuse while running.
func (s *Session) Evaluate(ctx context.Context, expr, evalContext string, frameID int) (*dap.EvaluateResponseBody, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	return client.Evaluate(ctx, dap.EvaluateArguments{Expression: expr, Context: evalContext, FrameId: frameID})
}

// GetSource fetches source content the adapter holds, such as generated code.
func (s *Session) GetSource(ctx context.Context, source dap.Source) (*dap.SourceResponseBody, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	return client.Source(ctx, dap.SourceArguments{Source: &source, SourceReference: source.SourceReference})
}

// SendRequest passes an adapter-specific request through and returns the raw response body.
func (s *Session) SendRequest(ctx context.Context, command string, args any) (json.RawMessage, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	return client.SendRequest(ctx, command, args)
}
