package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// readBufferSize is the size of a single read from the adapter.
const readBufferSize = 32 * 1024

// Transport is a bidirectional byte channel to a debug adapter.
//
// onData receives raw chunks in arrival order from a single goroutine; the slice is only
// valid for the duration of the call. onClose is called at most once, when the channel ends
// without Close having been called. A nil error means the adapter closed the stream cleanly.
type Transport interface {
	// Start opens the channel and begins delivering inbound bytes.
	Start(ctx context.Context, onData func([]byte), onClose func(error)) error

	// Write sends bytes to the adapter. Writes are serialized.
	Write(p []byte) error

	// Close tears the channel down. It is safe to call more than once.
	Close() error
}

// connTransport delivers bytes from any ReadWriteCloser.
type connTransport struct {
	rwc  io.ReadWriteCloser
	mu   sync.Mutex
	log  logr.Logger
	done chan struct{}

	started atomic.Bool
	closing atomic.Bool
	once    sync.Once
}

// NewConnTransport creates a transport from an established connection, such as a net.Conn
// handed over by a listener.
func NewConnTransport(rwc io.ReadWriteCloser, log logr.Logger) Transport {
	return newConnTransport(rwc, log)
}

func newConnTransport(rwc io.ReadWriteCloser, log logr.Logger) *connTransport {
	return &connTransport{
		rwc:  rwc,
		log:  log,
		done: make(chan struct{}),
	}
}

func (t *connTransport) Start(_ context.Context, onData func([]byte), onClose func(error)) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}
	if t.closing.Load() {
		return ErrConnectionClosed
	}
	go func() {
		err := t.readLoop(onData)
		// Reads are finished before onClose runs, so onClose may call Close.
		close(t.done)
		if t.closing.Load() {
			return
		}
		if err != nil {
			t.log.V(1).Info("Debug adapter read failed", "error", err.Error())
		}
		onClose(err)
	}()
	return nil
}

func (t *connTransport) readLoop(onData func([]byte)) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.rwc.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

func (t *connTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing.Load() {
		return ErrConnectionClosed
	}
	if _, err := t.rwc.Write(p); err != nil {
		return fmt.Errorf("write to debug adapter: %w", err)
	}
	return nil
}

func (t *connTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closing.Store(true)
		err = t.rwc.Close()
	})
	return err
}

// wait blocks until the read loop has exited. It returns immediately if the loop never started.
func (t *connTransport) wait() {
	if t.started.Load() {
		<-t.done
	}
}

// ProcessSpec describes a debug adapter executable.
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string

	// Env is layered over the current process environment.
	Env map[string]string

	// OnStderr receives each line the adapter writes to stderr, in addition to the log.
	OnStderr func(line string)
}

func (s ProcessSpec) environ() []string {
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// adapterProcess is a running adapter executable with its stderr drained into the log.
type adapterProcess struct {
	cmd      *exec.Cmd
	stderrWG sync.WaitGroup

	waitOnce sync.Once
	waitErr  error
}

// startProcess launches spec. When pipeStdio is set the caller receives the adapter's stdin and
// stdout; otherwise both are discarded.
func startProcess(spec ProcessSpec, pipeStdio bool, log logr.Logger) (*adapterProcess, io.WriteCloser, io.ReadCloser, error) {
	if spec.Command == "" {
		return nil, nil, nil, fmt.Errorf("adapter command is empty")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()

	var (
		stdin  io.WriteCloser
		stdout io.ReadCloser
		err    error
	)
	if pipeStdio {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("get stdin pipe: %w", err)
		}
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, nil, nil, fmt.Errorf("get stdout pipe: %w", err)
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		if pipeStdio {
			stdin.Close()
			stdout.Close()
		}
		return nil, nil, nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if pipeStdio {
			stdin.Close()
			stdout.Close()
		}
		stderr.Close()
		return nil, nil, nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &adapterProcess{cmd: cmd}
	log = log.WithValues("pid", cmd.Process.Pid)
	log.V(1).Info("Debug adapter started", "command", spec.Command, "args", spec.Args)

	p.stderrWG.Add(1)
	go func() {
		defer p.stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Info("Debug adapter stderr", "output", line)
			if spec.OnStderr != nil {
				spec.OnStderr(line)
			}
		}
	}()

	return p, stdin, stdout, nil
}

// wait reaps the process once stderr is drained. The caller must have finished reading stdout.
func (p *adapterProcess) wait() error {
	p.waitOnce.Do(func() {
		p.stderrWG.Wait()
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *adapterProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// exitCode returns the exit code, or -1 if the process has not been reaped.
func (p *adapterProcess) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// stdioPipe joins the adapter's stdout and stdin into one ReadWriteCloser.
type stdioPipe struct {
	io.Reader
	stdin io.WriteCloser
}

func (p stdioPipe) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p stdioPipe) Close() error {
	return p.stdin.Close()
}

// StdioTransport runs the adapter as a child process and talks to it over stdin/stdout.
type StdioTransport struct {
	spec ProcessSpec
	log  logr.Logger

	mu     sync.Mutex
	proc   *adapterProcess
	conn   *connTransport
	closed bool
}

// NewStdioTransport creates a transport that launches spec on Start.
func NewStdioTransport(spec ProcessSpec, log logr.Logger) *StdioTransport {
	return &StdioTransport{spec: spec, log: log.WithName("stdio")}
}

// Start launches the adapter process.
func (t *StdioTransport) Start(ctx context.Context, onData func([]byte), onClose func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnectionClosed
	}
	if t.proc != nil {
		return fmt.Errorf("transport already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	proc, stdin, stdout, err := startProcess(t.spec, true, t.log)
	if err != nil {
		return err
	}
	t.proc = proc
	t.conn = newConnTransport(stdioPipe{Reader: stdout, stdin: stdin}, t.log)

	return t.conn.Start(ctx, onData, func(err error) {
		// stdout reached EOF, so the process can be reaped.
		if waitErr := proc.wait(); err == nil && waitErr != nil {
			err = fmt.Errorf("debug adapter exited: %w", waitErr)
		}
		onClose(err)
	})
}

// Write sends bytes to the adapter's stdin.
func (t *StdioTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(p)
}

// Close closes stdin, kills the adapter and reaps it. A closed transport cannot be started.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	proc, conn := t.proc, t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.Close()
	proc.kill()
	conn.wait()

	err := proc.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by us; the exit status is expected.
		return nil
	}
	return err
}

// ExitCode returns the adapter's exit code, or -1 while it is still running.
func (t *StdioTransport) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.proc == nil {
		return -1
	}
	return t.proc.exitCode()
}

// SocketOptions configure a SocketTransport.
type SocketOptions struct {
	// DialTimeout bounds the total time spent retrying the dial. Defaults to 10s.
	DialTimeout time.Duration

	// Process, if set, is launched before dialing. The adapter is expected to listen on the
	// transport's address, so the dial is retried until it comes up.
	Process *ProcessSpec

	Log logr.Logger
}

// SocketTransport talks to an adapter listening on a TCP address.
type SocketTransport struct {
	address string
	opts    SocketOptions
	log     logr.Logger

	mu     sync.Mutex
	proc   *adapterProcess
	conn   *connTransport
	closed bool
}

// NewSocketTransport creates a transport that dials address on Start.
func NewSocketTransport(address string, opts SocketOptions) *SocketTransport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &SocketTransport{
		address: address,
		opts:    opts,
		log:     log.WithName("socket").WithValues("address", address),
	}
}

// Start launches the adapter process, if configured, and dials the adapter.
func (t *SocketTransport) Start(ctx context.Context, onData func([]byte), onClose func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnectionClosed
	}
	if t.conn != nil {
		return fmt.Errorf("transport already started")
	}

	if t.opts.Process != nil {
		proc, _, _, err := startProcess(*t.opts.Process, false, t.log)
		if err != nil {
			return err
		}
		t.proc = proc
	}

	conn, err := t.dial(ctx)
	if err != nil {
		if t.proc != nil {
			t.proc.kill()
			_ = t.proc.wait()
			t.proc = nil
		}
		return err
	}

	t.conn = newConnTransport(conn, t.log)
	return t.conn.Start(ctx, onData, onClose)
}

func (t *SocketTransport) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(t.opts.DialTimeout),
	)

	attempt := 0
	conn, err := backoff.RetryNotifyWithData(
		func() (net.Conn, error) {
			attempt++
			var d net.Dialer
			return d.DialContext(dialCtx, "tcp", t.address)
		},
		backoff.WithContext(b, dialCtx),
		func(err error, next time.Duration) {
			t.log.V(1).Info("Debug adapter not reachable yet", "attempt", attempt, "retryIn", next, "error", err.Error())
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.address, err)
	}
	return conn, nil
}

// Write sends bytes over the socket.
func (t *SocketTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(p)
}

// Close closes the socket and stops the adapter process, if this transport launched it.
// A closed transport cannot be started.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	proc, conn := t.proc, t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if proc != nil {
		proc.kill()
		_ = proc.wait()
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
