package dap

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers inbound frames and the close notification of a transport.
type collector struct {
	mu     sync.Mutex
	framer *Framer
	msgs   []string
	closed chan error
}

func newCollector() *collector {
	return &collector{framer: NewFramer(logr.Discard()), closed: make(chan error, 1)}
}

func (c *collector) onData(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.framer.Feed(p) {
		c.msgs = append(c.msgs, string(msg))
	}
}

func (c *collector) onClose(err error) {
	c.closed <- err
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestConnTransport(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()

	tr := NewConnTransport(client, logr.Discard())
	col := newCollector()
	require.NoError(t, tr.Start(context.Background(), col.onData, col.onClose))

	go func() {
		_, _ = server.Write(frameContent([]byte(`{"seq":1,"type":"event","event":"output"}`)))
	}()
	require.Eventually(t, func() bool { return len(col.messages()) == 1 }, time.Second, 5*time.Millisecond)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 128)
		n, _ := server.Read(buf)
		received <- buf[:n]
	}()
	require.NoError(t, tr.Write([]byte("ping")))
	assert.Equal(t, "ping", string(<-received))

	// Remote close is reported once.
	server.Close()
	select {
	case err := <-col.closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("onClose not called")
	}
}

func TestConnTransportLocalCloseIsSilent(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()

	tr := NewConnTransport(client, logr.Discard())
	col := newCollector()
	require.NoError(t, tr.Start(context.Background(), col.onData, col.onClose))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrConnectionClosed)

	select {
	case err := <-col.closed:
		t.Fatalf("onClose called after local close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSocketTransportRetriesDial(t *testing.T) {
	t.Parallel()

	// Reserve a port, release it, and only start listening after the first dial attempts fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("listen: %v", err)
			close(accepted)
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	tr := NewSocketTransport(addr, SocketOptions{DialTimeout: 5 * time.Second})
	col := newCollector()
	require.NoError(t, tr.Start(context.Background(), col.onData, col.onClose))
	defer tr.Close()

	conn, ok := <-accepted
	require.True(t, ok, "listener failed")
	defer conn.Close()

	_, err = conn.Write(frameContent([]byte(`{"seq":1,"type":"event","event":"initialized"}`)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(col.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSocketTransportDialTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := NewSocketTransport(addr, SocketOptions{DialTimeout: 200 * time.Millisecond})
	col := newCollector()
	err = tr.Start(context.Background(), col.onData, col.onClose)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

// TestHelperProcess is not a real test. It is the fake adapter executable for the stdio tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("DAPCTL_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "helper adapter ready")
	_, _ = io.Copy(os.Stdout, os.Stdin)
	os.Exit(0)
}

func helperSpec(onStderr func(string)) ProcessSpec {
	return ProcessSpec{
		Command:  os.Args[0],
		Args:     []string{"-test.run=TestHelperProcess"},
		Env:      map[string]string{"DAPCTL_HELPER_PROCESS": "1"},
		OnStderr: onStderr,
	}
}

func TestStdioTransportEcho(t *testing.T) {
	t.Parallel()

	stderr := make(chan string, 1)
	tr := NewStdioTransport(helperSpec(func(line string) {
		select {
		case stderr <- line:
		default:
		}
	}), logr.Discard())
	col := newCollector()
	require.NoError(t, tr.Start(context.Background(), col.onData, col.onClose))

	select {
	case line := <-stderr:
		assert.Equal(t, "helper adapter ready", line)
	case <-time.After(5 * time.Second):
		t.Fatal("no stderr from adapter")
	}

	msg := `{"seq":1,"type":"request","command":"initialize"}`
	require.NoError(t, tr.Write(frameContent([]byte(msg))))
	require.Eventually(t, func() bool { return len(col.messages()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, msg, col.messages()[0])

	assert.Equal(t, -1, tr.ExitCode())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestStdioTransportAdapterExit(t *testing.T) {
	t.Parallel()

	tr := NewStdioTransport(helperSpec(nil), logr.Discard())
	col := newCollector()
	require.NoError(t, tr.Start(context.Background(), col.onData, col.onClose))

	// Closing stdin makes the helper exit on its own.
	tr.mu.Lock()
	conn := tr.conn
	tr.mu.Unlock()
	require.NoError(t, conn.rwc.(stdioPipe).stdin.Close())

	select {
	case err := <-col.closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not called after adapter exit")
	}
	assert.Equal(t, 0, tr.ExitCode())
	assert.NoError(t, tr.Close())
}

func TestStdioTransportBadCommand(t *testing.T) {
	t.Parallel()

	tr := NewStdioTransport(ProcessSpec{Command: "/nonexistent/adapter"}, logr.Discard())
	err := tr.Start(context.Background(), func([]byte) {}, func(error) {})
	assert.Error(t, err)

	tr = NewStdioTransport(ProcessSpec{}, logr.Discard())
	assert.Error(t, tr.Start(context.Background(), func([]byte) {}, func(error) {}))
}

func TestTransportStartAfterClose(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- struct{}{}
			conn.Close()
		}
	}()

	spec := helperSpec(nil)
	stdio := NewStdioTransport(spec, logr.Discard())
	socket := NewSocketTransport(ln.Addr().String(), SocketOptions{DialTimeout: time.Second, Process: &spec})

	for _, tr := range []Transport{stdio, socket} {
		require.NoError(t, tr.Close())
		err := tr.Start(context.Background(), func([]byte) {}, func(error) {})
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}

	assert.Nil(t, stdio.proc)
	assert.Nil(t, socket.proc)
	select {
	case <-accepted:
		t.Fatal("closed socket transport dialed the adapter")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientDisconnectedBeforeConnect(t *testing.T) {
	t.Parallel()

	tr := NewStdioTransport(helperSpec(nil), logr.Discard())
	client := NewClient(tr, ClientOptions{RequestTimeout: 200 * time.Millisecond})

	require.NoError(t, client.Disconnect(context.Background()))
	_, err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	// The adapter was never launched.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Nil(t, tr.proc)
	assert.True(t, tr.closed)
	assert.Equal(t, StateDisconnected, client.State())
}
