// Package daptest provides a scripted debug adapter for tests.
//
// The adapter listens on a loopback TCP port and uses github.com/google/go-dap's own wire codec,
// so every test that drives it also checks the client's framing against an independent
// implementation.
package daptest

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// DefaultWait is how long Next waits for the client before failing the test.
const DefaultWait = 5 * time.Second

// Adapter is a fake debug adapter. Its scripting methods must be called from the test goroutine.
type Adapter struct {
	t  testing.TB
	ln net.Listener

	seq      atomic.Int64
	writeMu  sync.Mutex
	connOnce sync.Once
	conn     net.Conn
	ready    chan struct{}

	requests  chan *dap.Request
	responses chan *dap.Response
	readDone  chan struct{}
}

// NewAdapter starts listening and accepts a single client connection in the background.
func NewAdapter(t testing.TB) *Adapter {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &Adapter{
		t:         t,
		ln:        ln,
		ready:     make(chan struct{}),
		requests:  make(chan *dap.Request, 64),
		responses: make(chan *dap.Response, 64),
		readDone:  make(chan struct{}),
	}
	go a.accept()
	t.Cleanup(a.Close)
	return a
}

// Addr is the address the adapter listens on.
func (a *Adapter) Addr() string {
	return a.ln.Addr().String()
}

// Transport returns a socket transport that dials this adapter.
func (a *Adapter) Transport() dap.Transport {
	return dap.NewSocketTransport(a.Addr(), dap.SocketOptions{DialTimeout: DefaultWait})
}

func (a *Adapter) accept() {
	conn, err := a.ln.Accept()
	if err != nil {
		close(a.readDone)
		return
	}
	stored := false
	a.connOnce.Do(func() {
		a.conn = conn
		stored = true
	})
	if !stored {
		// Close won the race.
		_ = conn.Close()
		close(a.readDone)
		return
	}
	close(a.ready)
	a.readLoop(bufio.NewReader(conn))
}

func (a *Adapter) readLoop(r *bufio.Reader) {
	defer close(a.readDone)

	for {
		content, err := godap.ReadBaseMessage(r)
		if err != nil {
			return
		}

		var base dap.ProtocolMessage
		if err := json.Unmarshal(content, &base); err != nil {
			a.t.Errorf("daptest: client sent invalid JSON: %v", err)
			continue
		}
		switch base.Type {
		case dap.TypeRequest:
			var req dap.Request
			if err := json.Unmarshal(content, &req); err != nil {
				a.t.Errorf("daptest: client sent invalid request: %v", err)
				continue
			}
			a.requests <- &req
		case dap.TypeResponse:
			var resp dap.Response
			if err := json.Unmarshal(content, &resp); err != nil {
				a.t.Errorf("daptest: client sent invalid response: %v", err)
				continue
			}
			a.responses <- &resp
		default:
			a.t.Errorf("daptest: client sent message of type %q", base.Type)
		}
	}
}

// WaitConnected blocks until the client has connected.
func (a *Adapter) WaitConnected() {
	a.t.Helper()
	select {
	case <-a.ready:
	case <-time.After(DefaultWait):
		require.FailNow(a.t, "daptest: client did not connect")
	}
}

// Next returns the next request sent by the client.
func (a *Adapter) Next() *dap.Request {
	a.t.Helper()
	select {
	case req := <-a.requests:
		return req
	case <-time.After(DefaultWait):
		require.FailNow(a.t, "daptest: no request from client")
		return nil
	}
}

// Expect returns the next request and requires it to be command.
func (a *Adapter) Expect(command string) *dap.Request {
	a.t.Helper()
	req := a.Next()
	require.Equal(a.t, command, req.Command, "unexpected request (seq %d)", req.Seq)
	return req
}

// NoRequest requires that the client sends nothing for d.
func (a *Adapter) NoRequest(d time.Duration) {
	a.t.Helper()
	select {
	case req := <-a.requests:
		require.FailNow(a.t, "daptest: unexpected request", "command %q seq %d", req.Command, req.Seq)
	case <-time.After(d):
	}
}

// NextResponse returns the client's next answer to a reverse request.
func (a *Adapter) NextResponse() *dap.Response {
	a.t.Helper()
	select {
	case resp := <-a.responses:
		return resp
	case <-time.After(DefaultWait):
		require.FailNow(a.t, "daptest: no response from client")
		return nil
	}
}

// DecodeArguments unmarshals the request's arguments into v.
func (a *Adapter) DecodeArguments(req *dap.Request, v any) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(req.Arguments, v))
}

// Respond answers req successfully with body, which may be nil.
func (a *Adapter) Respond(req *dap.Request, body any) {
	a.t.Helper()
	a.send(dap.Response{
		ProtocolMessage: a.header(dap.TypeResponse),
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
		Body:            a.marshal(body),
	})
}

// Fail answers req with success=false.
func (a *Adapter) Fail(req *dap.Request, message string) {
	a.t.Helper()
	a.send(dap.Response{
		ProtocolMessage: a.header(dap.TypeResponse),
		RequestSeq:      req.Seq,
		Command:         req.Command,
		Message:         message,
	})
}

// RespondSeq sends a success response for an arbitrary request sequence number.
func (a *Adapter) RespondSeq(requestSeq int, command string, body any) {
	a.t.Helper()
	a.send(dap.Response{
		ProtocolMessage: a.header(dap.TypeResponse),
		RequestSeq:      requestSeq,
		Success:         true,
		Command:         command,
		Body:            a.marshal(body),
	})
}

// Event sends an event.
func (a *Adapter) Event(name string, body any) {
	a.t.Helper()
	a.send(dap.Event{
		ProtocolMessage: a.header(dap.TypeEvent),
		Event:           name,
		Body:            a.marshal(body),
	})
}

// Request sends a reverse request to the client and returns its sequence number.
func (a *Adapter) Request(command string, args any) int {
	a.t.Helper()
	hdr := a.header(dap.TypeRequest)
	a.send(dap.Request{
		ProtocolMessage: hdr,
		Command:         command,
		Arguments:       a.marshal(args),
	})
	return hdr.Seq
}

// Handshake answers the client's initialize request with caps.
func (a *Adapter) Handshake(caps dap.Capabilities) {
	a.t.Helper()
	a.Respond(a.Expect("initialize"), caps)
}

// WriteRaw writes bytes to the client unframed.
func (a *Adapter) WriteRaw(p []byte) {
	a.t.Helper()
	a.WaitConnected()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.conn.Write(p)
	require.NoError(a.t, err)
}

// Hangup closes the client connection without a goodbye.
func (a *Adapter) Hangup() {
	a.t.Helper()
	a.WaitConnected()
	_ = a.conn.Close()
}

// Close stops the adapter.
func (a *Adapter) Close() {
	_ = a.ln.Close()
	a.connOnce.Do(func() {})
	if a.conn != nil {
		_ = a.conn.Close()
	}
	<-a.readDone
}

func (a *Adapter) header(typ string) dap.ProtocolMessage {
	return dap.ProtocolMessage{Seq: int(a.seq.Add(1)), Type: typ}
}

func (a *Adapter) marshal(v any) json.RawMessage {
	a.t.Helper()
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	raw, err := json.Marshal(v)
	require.NoError(a.t, err)
	return raw
}

func (a *Adapter) send(msg any) {
	a.t.Helper()
	a.WaitConnected()

	content, err := json.Marshal(msg)
	require.NoError(a.t, err)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := godap.WriteBaseMessage(a.conn, content); err != nil && !errors.Is(err, net.ErrClosed) {
		require.NoError(a.t, err)
	}
}
