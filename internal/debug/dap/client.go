package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
	"github.com/tidwall/gjson"
)

const (
	// DefaultRequestTimeout is how long a request waits for its response.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultDisconnectTimeout bounds the courtesy disconnect request sent by Disconnect.
	DefaultDisconnectTimeout = 2 * time.Second

	eventQueueInitialCapacity = 64
)

// ClientOptions configure a Client.
type ClientOptions struct {
	// RequestTimeout applies to every request. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// DisconnectTimeout bounds the disconnect request. Defaults to DefaultDisconnectTimeout.
	DisconnectTimeout time.Duration

	// Sent in the initialize request.
	ClientID   string
	ClientName string
	AdapterID  string
	Locale     string

	Log     logr.Logger
	Metrics *Metrics

	// OnLateResponse is called from the read goroutine for responses that match no pending
	// request, typically because the request already timed out.
	OnLateResponse func(Response)
}

// ReverseRequestHandler answers a request sent by the adapter, such as runInTerminal.
// The returned value becomes the response body.
type ReverseRequestHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// Call is a request awaiting its response.
type Call struct {
	Seq     int
	Command string

	// Body and Err are set once Done is closed.
	Body json.RawMessage
	Err  error

	done  chan struct{}
	timer *time.Timer
	start time.Time
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// inbound is an item on the event queue: an event, or the final close notification.
type inbound struct {
	event  Event
	closed bool
	cause  error
}

// Client is a DAP client that communicates with a debug adapter.
//
// Requests may be issued from any goroutine. Responses complete calls directly from the read
// goroutine; events are delivered to subscribers from a single dispatch goroutine in wire order.
type Client struct {
	transport Transport
	opts      ClientOptions
	log       logr.Logger

	// framer is only touched by the transport read goroutine.
	framer *Framer

	mu      sync.Mutex
	state   ConnectionState
	used    bool
	seq     int
	pending map[int]*Call
	caps    *Capabilities

	handlerMu     sync.RWMutex
	subscribers   map[int]func(Event)
	nextSubID     int
	closeHandlers []func(error)
	reverse       map[string]ReverseRequestHandler

	queueMu     sync.Mutex
	queueClosed bool
	events      *chanx.UnboundedChan[inbound]

	lifetime     context.Context
	cancel       context.CancelFunc
	teardownOnce sync.Once
	closed       chan struct{}
	dispatched   chan struct{}
}

// NewClient creates a client over transport. Nothing is started until Connect.
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "dapctl"
	}
	if opts.ClientName == "" {
		opts.ClientName = "dapctl"
	}
	if opts.Locale == "" {
		opts.Locale = "en-US"
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:   transport,
		opts:        opts,
		log:         log,
		framer:      NewFramer(log),
		pending:     make(map[int]*Call),
		subscribers: make(map[int]func(Event)),
		reverse:     make(map[string]ReverseRequestHandler),
		events:      chanx.NewUnboundedChan[inbound](context.Background(), eventQueueInitialCapacity),
		lifetime:    lifetime,
		cancel:      cancel,
		closed:      make(chan struct{}),
		dispatched:  make(chan struct{}),
	}
	c.framer.onDrop = opts.Metrics.frameDropped
	go c.dispatchLoop()
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the adapter capabilities learned during Connect, or nil before that.
func (c *Client) Capabilities() *Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps == nil {
		return nil
	}
	caps := *c.caps
	return &caps
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Subscribe registers fn for every inbound event. Events are delivered in wire order from a
// single goroutine, so fn must not block on other requests' events. The returned function
// removes the subscription.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.handlerMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		delete(c.subscribers, id)
		c.handlerMu.Unlock()
	}
}

// OnClose registers fn to run once the client has shut down, after every event received
// before the shutdown has been delivered. cause is nil for a local Disconnect or a clean EOF.
func (c *Client) OnClose(fn func(cause error)) {
	c.handlerMu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	c.handlerMu.Unlock()
}

// HandleReverseRequest registers the handler for adapter-initiated requests named command.
// Registering runInTerminal before Connect advertises support for it.
func (c *Client) HandleReverseRequest(command string, fn ReverseRequestHandler) {
	c.handlerMu.Lock()
	c.reverse[command] = fn
	c.handlerMu.Unlock()
}

// Done is closed once the client has shut down and every subscriber and close handler has run.
func (c *Client) Done() <-chan struct{} {
	return c.dispatched
}

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) (*Capabilities, error) {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.used = true
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.transport.Start(ctx, c.onData, c.onTransportClose); err != nil {
		return nil, c.failHandshake(fmt.Errorf("start transport: %w", err))
	}

	call, err := c.send("initialize", c.initializeArguments(), true)
	if err != nil {
		return nil, c.failHandshake(err)
	}
	body, err := c.Wait(ctx, call)
	if err != nil {
		return nil, c.failHandshake(err)
	}

	var caps Capabilities
	if len(body) > 0 {
		if err := json.Unmarshal(body, &caps); err != nil {
			return nil, c.failHandshake(fmt.Errorf("unmarshal capabilities: %w", err))
		}
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return nil, c.failHandshake(ErrConnectionClosed)
	}
	c.state = StateConnected
	c.caps = &caps
	c.mu.Unlock()

	c.log.Info("Connected to debug adapter", "adapterID", c.opts.AdapterID)
	out := caps
	return &out, nil
}

func (c *Client) failHandshake(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.mu.Unlock()

	c.teardown(err)
	c.log.Error(err, "Debug adapter handshake failed", "adapterID", c.opts.AdapterID)
	return &HandshakeError{Err: err}
}

func (c *Client) initializeArguments() InitializeRequestArguments {
	c.handlerMu.RLock()
	_, runInTerminal := c.reverse["runInTerminal"]
	c.handlerMu.RUnlock()

	return InitializeRequestArguments{
		ClientID:                     c.opts.ClientID,
		ClientName:                   c.opts.ClientName,
		AdapterID:                    c.opts.AdapterID,
		Locale:                       c.opts.Locale,
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		PathFormat:                   "path",
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: runInTerminal,
		SupportsMemoryReferences:     true,
		SupportsProgressReporting:    true,
		SupportsInvalidatedEvent:     true,
		SupportsMemoryEvent:          true,
	}
}

// Go writes a request and returns without waiting for the response.
// It fails with ErrNotConnected unless the client is connected.
func (c *Client) Go(command string, args any) (*Call, error) {
	return c.send(command, args, false)
}

// Wait blocks until call completes or ctx is done. A cancelled wait removes the call from the
// pending table; the adapter is not told.
func (c *Client) Wait(ctx context.Context, call *Call) (json.RawMessage, error) {
	select {
	case <-call.done:
	case <-ctx.Done():
		if c.take(call.Seq) == call {
			c.finish(call, nil, ctx.Err(), outcomeAborted)
		}
		<-call.done
	}
	return call.Body, call.Err
}

// SendRequest sends a request and waits for its response body.
func (c *Client) SendRequest(ctx context.Context, command string, args any) (json.RawMessage, error) {
	call, err := c.Go(command, args)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, call)
}

// send registers a pending call and writes the request. Internal requests are allowed while
// the handshake or Disconnect is in progress.
func (c *Client) send(command string, args any, internal bool) (*Call, error) {
	var rawArgs json.RawMessage
	if args != nil {
		var err error
		rawArgs, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s arguments: %w", command, err)
		}
	}

	c.mu.Lock()
	if !c.canSend(internal) {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	call := &Call{
		Seq:     c.seq,
		Command: command,
		done:    make(chan struct{}),
		start:   time.Now(),
	}
	c.pending[call.Seq] = call
	call.timer = time.AfterFunc(c.opts.RequestTimeout, func() { c.expire(call.Seq) })
	c.mu.Unlock()

	c.opts.Metrics.requestStarted()

	content, err := json.Marshal(Request{
		ProtocolMessage: ProtocolMessage{Seq: call.Seq, Type: TypeRequest},
		Command:         command,
		Arguments:       rawArgs,
	})
	if err == nil {
		c.log.V(2).Info("Sending DAP request", "seq", call.Seq, "command", command)
		err = c.transport.Write(frameContent(content))
	}
	if err != nil {
		if c.take(call.Seq) == call {
			c.finish(call, nil, err, outcomeAborted)
		}
		return nil, fmt.Errorf("send %s request: %w", command, err)
	}
	return call, nil
}

func (c *Client) canSend(internal bool) bool {
	switch c.state {
	case StateConnected:
		return true
	case StateConnecting, StateClosing:
		return internal
	default:
		return false
	}
}

// take removes and returns the pending call for seq. Whoever takes a call completes it.
func (c *Client) take(seq int) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return call
}

func (c *Client) finish(call *Call, body json.RawMessage, err error, outcome string) {
	call.timer.Stop()
	call.Body = body
	call.Err = err
	c.opts.Metrics.requestFinished(call.Command, outcome, time.Since(call.start))
	close(call.done)
}

func (c *Client) expire(seq int) {
	call := c.take(seq)
	if call == nil {
		return
	}
	c.log.Info("DAP request timed out", "seq", seq, "command", call.Command, "after", c.opts.RequestTimeout)
	c.finish(call, nil, &TimeoutError{Command: call.Command, Seq: seq, After: c.opts.RequestTimeout}, outcomeTimeout)
}

// onData runs on the transport read goroutine.
func (c *Client) onData(p []byte) {
	for _, raw := range c.framer.Feed(p) {
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw json.RawMessage) {
	switch typ := gjson.GetBytes(raw, "type").String(); typ {
	case TypeResponse:
		c.handleResponse(raw)
	case TypeEvent:
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Info("Dropping malformed DAP event", "error", err.Error())
			return
		}
		c.handleEvent(evt)
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Info("Dropping malformed DAP reverse request", "error", err.Error())
			return
		}
		go c.answerReverseRequest(req)
	default:
		c.log.Info("Dropping DAP message of unknown type", "type", typ)
	}
}

func (c *Client) handleResponse(raw json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Info("Dropping malformed DAP response", "error", err.Error())
		return
	}

	call := c.take(resp.RequestSeq)
	if call == nil {
		c.log.V(1).Info("Dropping late DAP response", "requestSeq", resp.RequestSeq, "command", resp.Command)
		c.opts.Metrics.lateResponse()
		if c.opts.OnLateResponse != nil {
			c.opts.OnLateResponse(resp)
		}
		return
	}

	if resp.Success {
		c.finish(call, resp.Body, nil, outcomeSuccess)
		return
	}

	adapterErr := &AdapterError{Command: call.Command, Message: resp.Message}
	if len(resp.Body) > 0 {
		var body errorResponseBody
		if json.Unmarshal(resp.Body, &body) == nil {
			adapterErr.Detail = body.Error
		}
	}
	c.finish(call, nil, adapterErr, outcomeFailure)
}

func (c *Client) handleEvent(evt Event) {
	c.opts.Metrics.eventReceived(evt.Event)

	if evt.Event == "capabilities" {
		c.mergeCapabilities(evt.Body)
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queueClosed {
		c.log.V(1).Info("Dropping DAP event received after shutdown", "event", evt.Event)
		return
	}
	c.events.In <- inbound{event: evt}
}

// mergeCapabilities applies a capabilities event. Only the fields present in the event change.
func (c *Client) mergeCapabilities(body json.RawMessage) {
	changed := gjson.GetBytes(body, "capabilities")
	if !changed.IsObject() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps == nil {
		return
	}
	caps := *c.caps
	if err := json.Unmarshal([]byte(changed.Raw), &caps); err != nil {
		c.log.Info("Ignoring malformed capabilities event", "error", err.Error())
		return
	}
	c.caps = &caps
}

func (c *Client) answerReverseRequest(req Request) {
	c.handlerMu.RLock()
	handler := c.reverse[req.Command]
	c.handlerMu.RUnlock()

	resp := Response{
		ProtocolMessage: ProtocolMessage{Type: TypeResponse},
		RequestSeq:      req.Seq,
		Command:         req.Command,
	}
	if handler == nil {
		resp.Message = fmt.Sprintf("client does not support %s", req.Command)
	} else if body, err := handler(c.lifetime, req.Arguments); err != nil {
		resp.Message = err.Error()
	} else {
		resp.Success = true
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				resp.Success = false
				resp.Message = fmt.Sprintf("marshal %s response: %v", req.Command, err)
			} else {
				resp.Body = raw
			}
		}
	}

	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.seq++
	resp.Seq = c.seq
	c.mu.Unlock()

	content, err := json.Marshal(resp)
	if err == nil {
		err = c.transport.Write(frameContent(content))
	}
	if err != nil {
		c.log.Error(err, "Failed to answer reverse request", "command", req.Command, "seq", req.Seq)
	}
}

func (c *Client) dispatchLoop() {
	defer close(c.dispatched)

	for item := range c.events.Out {
		c.handlerMu.RLock()
		if item.closed {
			handlers := append([]func(error){}, c.closeHandlers...)
			c.handlerMu.RUnlock()
			for _, fn := range handlers {
				fn(item.cause)
			}
			continue
		}
		subs := make([]func(Event), 0, len(c.subscribers))
		for id := 0; id < c.nextSubID; id++ {
			if fn, ok := c.subscribers[id]; ok {
				subs = append(subs, fn)
			}
		}
		c.handlerMu.RUnlock()

		for _, fn := range subs {
			fn(item.event)
		}
	}
}

// onTransportClose runs when the adapter side goes away without Disconnect.
func (c *Client) onTransportClose(cause error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cause != nil {
		c.log.Error(cause, "Debug adapter connection lost")
	} else {
		c.log.Info("Debug adapter closed the connection")
	}
	c.teardown(cause)
}

// teardown closes the transport, rejects every pending call and ends event delivery.
func (c *Client) teardown(cause error) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[int]*Call)
		c.mu.Unlock()

		if err := c.transport.Close(); err != nil {
			c.log.V(1).Info("Closing debug adapter transport failed", "error", err.Error())
		}
		c.cancel()

		for _, call := range pending {
			c.finish(call, nil, closedError(cause), outcomeClosed)
		}

		c.queueMu.Lock()
		c.queueClosed = true
		c.events.In <- inbound{closed: true, cause: cause}
		close(c.events.In)
		c.queueMu.Unlock()

		close(c.closed)
	})
}

// Disconnect sends a best-effort disconnect request when connected, then closes the transport
// and rejects every pending request with ErrConnectionClosed. It is safe to call more than once.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	// A disconnected client is never connected again.
	c.used = true
	switch c.state {
	case StateClosing:
		c.mu.Unlock()
		<-c.closed
		return nil
	case StateDisconnected, StateError:
		c.state = StateDisconnected
		c.mu.Unlock()
		c.teardown(nil)
		return nil
	}
	connected := c.state == StateConnected
	c.state = StateClosing
	c.mu.Unlock()

	if connected {
		c.requestDisconnect(ctx)
	}

	c.teardown(nil)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Info("Disconnected from debug adapter")
	return nil
}

func (c *Client) requestDisconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DisconnectTimeout)
	defer cancel()

	call, err := c.send("disconnect", DisconnectArguments{TerminateDebuggee: true}, true)
	if err == nil {
		_, err = c.Wait(ctx, call)
	}
	if err != nil {
		c.log.V(1).Info("Disconnect request failed", "error", err.Error())
	}
}

// roundTrip sends command and decodes the response body into T.
func roundTrip[T any](ctx context.Context, c *Client, command string, args any) (*T, error) {
	body, err := c.SendRequest(ctx, command, args)
	if err != nil {
		return nil, err
	}
	var out T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("unmarshal %s response: %w", command, err)
		}
	}
	return &out, nil
}

// ConfigurationDone sends the configurationDone request.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.SendRequest(ctx, "configurationDone", nil)
	return err
}

// Launch sends the launch request. args is passed through verbatim.
func (c *Client) Launch(ctx context.Context, args any) error {
	_, err := c.SendRequest(ctx, "launch", args)
	return err
}

// Attach sends the attach request. args is passed through verbatim.
func (c *Client) Attach(ctx context.Context, args any) error {
	_, err := c.SendRequest(ctx, "attach", args)
	return err
}

// Terminate sends the terminate request.
func (c *Client) Terminate(ctx context.Context, args TerminateArguments) error {
	_, err := c.SendRequest(ctx, "terminate", args)
	return err
}

// Restart sends the restart request.
func (c *Client) Restart(ctx context.Context, args RestartArguments) error {
	_, err := c.SendRequest(ctx, "restart", args)
	return err
}

// SetBreakpoints sends the setBreakpoints request.
func (c *Client) SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error) {
	body, err := roundTrip[SetBreakpointsResponseBody](ctx, c, "setBreakpoints", args)
	if err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// SetFunctionBreakpoints sends the setFunctionBreakpoints request.
func (c *Client) SetFunctionBreakpoints(ctx context.Context, args SetFunctionBreakpointsArguments) ([]Breakpoint, error) {
	body, err := roundTrip[SetBreakpointsResponseBody](ctx, c, "setFunctionBreakpoints", args)
	if err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// SetExceptionBreakpoints sends the setExceptionBreakpoints request.
func (c *Client) SetExceptionBreakpoints(ctx context.Context, args SetExceptionBreakpointsArguments) error {
	if args.Filters == nil {
		args.Filters = []string{}
	}
	_, err := c.SendRequest(ctx, "setExceptionBreakpoints", args)
	return err
}

// Continue sends the continue request.
func (c *Client) Continue(ctx context.Context, args ContinueArguments) (*ContinueResponseBody, error) {
	return roundTrip[ContinueResponseBody](ctx, c, "continue", args)
}

// Next sends the next (step over) request.
func (c *Client) Next(ctx context.Context, args NextArguments) error {
	_, err := c.SendRequest(ctx, "next", args)
	return err
}

// StepIn sends the stepIn request.
func (c *Client) StepIn(ctx context.Context, args StepInArguments) error {
	_, err := c.SendRequest(ctx, "stepIn", args)
	return err
}

// StepOut sends the stepOut request.
func (c *Client) StepOut(ctx context.Context, args StepOutArguments) error {
	_, err := c.SendRequest(ctx, "stepOut", args)
	return err
}

// Pause sends the pause request.
func (c *Client) Pause(ctx context.Context, args PauseArguments) error {
	_, err := c.SendRequest(ctx, "pause", args)
	return err
}

// Threads sends the threads request.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	body, err := roundTrip[ThreadsResponseBody](ctx, c, "threads", nil)
	if err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// StackTrace sends the stackTrace request.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (*StackTraceResponseBody, error) {
	return roundTrip[StackTraceResponseBody](ctx, c, "stackTrace", args)
}

// Scopes sends the scopes request.
func (c *Client) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	body, err := roundTrip[ScopesResponseBody](ctx, c, "scopes", args)
	if err != nil {
		return nil, err
	}
	return body.Scopes, nil
}

// Variables sends the variables request.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	body, err := roundTrip[VariablesResponseBody](ctx, c, "variables", args)
	if err != nil {
		return nil, err
	}
	return body.Variables, nil
}

// SetVariable sends the setVariable request.
func (c *Client) SetVariable(ctx context.Context, args SetVariableArguments) (*SetVariableResponseBody, error) {
	return roundTrip[SetVariableResponseBody](ctx, c, "setVariable", args)
}

// Evaluate sends the evaluate request.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (*EvaluateResponseBody, error) {
	return roundTrip[EvaluateResponseBody](ctx, c, "evaluate", args)
}

// Source sends the source request.
func (c *Client) Source(ctx context.Context, args SourceArguments) (*SourceResponseBody, error) {
	return roundTrip[SourceResponseBody](ctx, c, "source", args)
}
