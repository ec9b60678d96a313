package dap

import (
	"encoding/json"

	godap "github.com/google/go-dap"
)

// Message types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// ProtocolMessage is the base for all DAP messages.
type ProtocolMessage = godap.ProtocolMessage

// Request represents a DAP request. Arguments are kept raw so that adapter-specific
// commands pass through untouched.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response represents a DAP response.
type Response struct {
	ProtocolMessage
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event represents a DAP event.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Body types come from github.com/google/go-dap so that field names and JSON tags
// track the published protocol schema.
type (
	Capabilities                    = godap.Capabilities
	InitializeRequestArguments      = godap.InitializeRequestArguments
	ErrorMessage                    = godap.ErrorMessage
	Source                          = godap.Source
	SourceBreakpoint                = godap.SourceBreakpoint
	FunctionBreakpoint              = godap.FunctionBreakpoint
	Breakpoint                      = godap.Breakpoint
	Thread                          = godap.Thread
	StackFrame                      = godap.StackFrame
	Scope                           = godap.Scope
	Variable                        = godap.Variable
	Module                          = godap.Module
	SetBreakpointsArguments         = godap.SetBreakpointsArguments
	SetFunctionBreakpointsArguments = godap.SetFunctionBreakpointsArguments
	ContinueResponseBody            = godap.ContinueResponseBody
	NextArguments                   = godap.NextArguments
	StepInArguments                 = godap.StepInArguments
	StepOutArguments                = godap.StepOutArguments
	PauseArguments                  = godap.PauseArguments
	StackTraceArguments             = godap.StackTraceArguments
	StackTraceResponseBody          = godap.StackTraceResponseBody
	ScopesArguments                 = godap.ScopesArguments
	VariablesArguments              = godap.VariablesArguments
	SetVariableArguments            = godap.SetVariableArguments
	SetVariableResponseBody         = godap.SetVariableResponseBody
	EvaluateArguments               = godap.EvaluateArguments
	EvaluateResponseBody            = godap.EvaluateResponseBody
	SourceArguments                 = godap.SourceArguments
	SourceResponseBody              = godap.SourceResponseBody
	DisconnectArguments             = godap.DisconnectArguments
	TerminateArguments              = godap.TerminateArguments
	StoppedEventBody                = godap.StoppedEventBody
	ContinuedEventBody              = godap.ContinuedEventBody
	ExitedEventBody                 = godap.ExitedEventBody
	TerminatedEventBody             = godap.TerminatedEventBody
	ThreadEventBody                 = godap.ThreadEventBody
	OutputEventBody                 = godap.OutputEventBody
	BreakpointEventBody             = godap.BreakpointEventBody
	ModuleEventBody                 = godap.ModuleEventBody
)

// SetBreakpointsResponseBody is the response body for setBreakpoints and setFunctionBreakpoints.
type SetBreakpointsResponseBody struct {
	Breakpoints []Breakpoint `json:"breakpoints"`
}

// ThreadsResponseBody is the response body for threads.
type ThreadsResponseBody struct {
	Threads []Thread `json:"threads"`
}

// ScopesResponseBody is the response body for scopes.
type ScopesResponseBody struct {
	Scopes []Scope `json:"scopes"`
}

// VariablesResponseBody is the response body for variables.
type VariablesResponseBody struct {
	Variables []Variable `json:"variables"`
}

// ContinueArguments are the arguments for continue. SingleThread is always sent so the
// adapter never has to guess the default.
type ContinueArguments struct {
	ThreadId     int  `json:"threadId"`
	SingleThread bool `json:"singleThread"`
}

// SetExceptionBreakpointsArguments are the arguments for setExceptionBreakpoints.
// Filters is always sent, even when empty, since the protocol requires it.
type SetExceptionBreakpointsArguments struct {
	Filters []string `json:"filters"`
}

// RestartArguments are the arguments for restart.
type RestartArguments struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// errorResponseBody is the optional structured body of a failed response.
type errorResponseBody struct {
	Error *ErrorMessage `json:"error,omitempty"`
}

// ConnectionState is the lifecycle state of a Client's transport.
type ConnectionState int

const (
	// StateDisconnected means no transport is live.
	StateDisconnected ConnectionState = iota
	// StateConnecting means the transport is starting or the handshake is in progress.
	StateConnecting
	// StateConnected means requests may be sent.
	StateConnected
	// StateClosing means Disconnect is tearing the transport down.
	StateClosing
	// StateError means Connect failed.
	StateError
)

// String returns a string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
