// Package adapters resolves launch configurations into what a debug session needs:
// the adapter process or address, the transport, and the launch/attach arguments.
package adapters

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// AdapterType identifies a debug adapter.
type AdapterType string

const (
	// AdapterDelve is the Go debugger (dlv dap).
	AdapterDelve AdapterType = "delve"
	// AdapterPython is debugpy.
	AdapterPython AdapterType = "python"
	// AdapterLLDB is lldb-dap for C, C++ and Rust.
	AdapterLLDB AdapterType = "lldb"
	// AdapterGeneric is any adapter given by AdapterPath or Host/Port.
	AdapterGeneric AdapterType = "generic"
)

// Connection kinds returned by Adapter.ConnectionType.
const (
	ConnectionStdio  = "stdio"
	ConnectionSocket = "socket"
)

// Config is one launch configuration.
type Config struct {
	// Type selects the adapter.
	Type AdapterType `json:"type" toml:"type" yaml:"type"`

	// Name is a human-readable name for this configuration.
	Name string `json:"name" toml:"name" yaml:"name"`

	// Request is "launch" or "attach".
	Request string `json:"request" toml:"request" yaml:"request"`

	// Program is the program to debug.
	Program string `json:"program,omitempty" toml:"program,omitempty" yaml:"program,omitempty"`

	// Module is the module to run (Python).
	Module string `json:"module,omitempty" toml:"module,omitempty" yaml:"module,omitempty"`

	Args []string          `json:"args,omitempty" toml:"args,omitempty" yaml:"args,omitempty"`
	Cwd  string            `json:"cwd,omitempty" toml:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty" toml:"env,omitempty" yaml:"env,omitempty"`

	StopOnEntry bool `json:"stopOnEntry,omitempty" toml:"stopOnEntry,omitempty" yaml:"stopOnEntry,omitempty"`

	// Host and Port address a socket adapter, or a debug server to attach to.
	Host string `json:"host,omitempty" toml:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`

	// ProcessID is the process to attach to.
	ProcessID int `json:"processId,omitempty" toml:"processId,omitempty" yaml:"processId,omitempty"`

	// AdapterPath is the adapter executable. Each adapter has a default.
	AdapterPath string   `json:"adapterPath,omitempty" toml:"adapterPath,omitempty" yaml:"adapterPath,omitempty"`
	AdapterArgs []string `json:"adapterArgs,omitempty" toml:"adapterArgs,omitempty" yaml:"adapterArgs,omitempty"`

	// Extra is merged into the launch/attach arguments last, for adapter options without a field.
	Extra map[string]any `json:"extra,omitempty" toml:"extra,omitempty" yaml:"extra,omitempty"`
}

// Adapter turns a Config into a running adapter connection.
type Adapter interface {
	// Type returns the adapter type.
	Type() AdapterType

	// Name returns a human-readable adapter name.
	Name() string

	// ID is the adapterID sent in the initialize request.
	ID() string

	// Validate validates the configuration.
	Validate() error

	// Command returns the adapter process to start, or nil to connect to an existing server.
	Command() (*dap.ProcessSpec, error)

	// LaunchArgs returns the arguments for the launch request.
	LaunchArgs() (map[string]any, error)

	// AttachArgs returns the arguments for the attach request.
	AttachArgs() (map[string]any, error)

	// ConnectionType returns ConnectionStdio or ConnectionSocket.
	ConnectionType() string

	// Address returns the socket address for ConnectionSocket.
	Address() string
}

// Factory creates an adapter from a configuration.
type Factory func(Config) (Adapter, error)

// Registry manages available debug adapters.
type Registry struct {
	adapters map[AdapterType]Factory
}

// NewRegistry creates a registry with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[AdapterType]Factory),
	}

	r.Register(AdapterDelve, NewDelveAdapter)
	r.Register(AdapterPython, NewPythonAdapter)
	r.Register(AdapterLLDB, NewLLDBAdapter)
	r.Register(AdapterGeneric, NewGenericAdapter)

	return r
}

// Register registers an adapter factory, replacing any previous one for adapterType.
func (r *Registry) Register(adapterType AdapterType, factory Factory) {
	r.adapters[adapterType] = factory
}

// Create creates an adapter from configuration.
func (r *Registry) Create(config Config) (Adapter, error) {
	factory, ok := r.adapters[config.Type]
	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s", config.Type)
	}
	return factory(config)
}

// AvailableAdapters returns the registered adapter types, sorted.
func (r *Registry) AvailableAdapters() []AdapterType {
	result := make([]AdapterType, 0, len(r.adapters))
	for t := range r.adapters {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Launch is a resolved configuration, ready to become a debug session.
type Launch struct {
	Adapter   Adapter
	AdapterID string
	Request   string
	Arguments json.RawMessage

	// Dial creates a fresh transport on every call.
	Dial func() (dap.Transport, error)
}

// Resolve validates config and prepares its arguments and transport factory.
func (r *Registry) Resolve(config Config, log logr.Logger) (*Launch, error) {
	if config.Request == "" {
		config.Request = "launch"
	}

	adapter, err := r.Create(config)
	if err != nil {
		return nil, err
	}
	if err := adapter.Validate(); err != nil {
		return nil, fmt.Errorf("configuration %q: %w", config.Name, err)
	}

	var args map[string]any
	switch config.Request {
	case "launch":
		args, err = adapter.LaunchArgs()
	case "attach":
		args, err = adapter.AttachArgs()
	default:
		err = fmt.Errorf("invalid request type: %s", config.Request)
	}
	if err != nil {
		return nil, fmt.Errorf("configuration %q: %w", config.Name, err)
	}
	for k, v := range config.Extra {
		args[k] = v
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("configuration %q: encode %s arguments: %w", config.Name, config.Request, err)
	}

	return &Launch{
		Adapter:   adapter,
		AdapterID: adapter.ID(),
		Request:   config.Request,
		Arguments: raw,
		Dial:      func() (dap.Transport, error) { return NewTransport(adapter, log) },
	}, nil
}

// NewTransport creates an unstarted transport for adapter.
func NewTransport(adapter Adapter, log logr.Logger) (dap.Transport, error) {
	spec, err := adapter.Command()
	if err != nil {
		return nil, err
	}

	switch adapter.ConnectionType() {
	case ConnectionStdio:
		if spec == nil {
			return nil, fmt.Errorf("%s: stdio connection needs an adapter command", adapter.Name())
		}
		return dap.NewStdioTransport(*spec, log), nil
	case ConnectionSocket:
		return dap.NewSocketTransport(adapter.Address(), dap.SocketOptions{Process: spec, Log: log}), nil
	default:
		return nil, fmt.Errorf("%s: unknown connection type %q", adapter.Name(), adapter.ConnectionType())
	}
}

// FindExecutable searches for an executable in PATH.
func FindExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// DetectAdapterType picks an adapter from a program's file extension.
func DetectAdapterType(filename string) AdapterType {
	switch filepath.Ext(filename) {
	case ".go":
		return AdapterDelve
	case ".py":
		return AdapterPython
	case ".c", ".cpp", ".cc", ".rs":
		return AdapterLLDB
	default:
		return AdapterGeneric
	}
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func hostOrLoopback(host string) string {
	if host != "" {
		return host
	}
	return "127.0.0.1"
}

func address(host string, port int) string {
	return net.JoinHostPort(hostOrLoopback(host), strconv.Itoa(port))
}

// commonLaunchArgs holds the launch arguments every adapter understands.
func commonLaunchArgs(config Config) map[string]any {
	args := map[string]any{
		"stopOnEntry": config.StopOnEntry,
	}
	if config.Program != "" {
		args["program"] = config.Program
	}
	if len(config.Args) > 0 {
		args["args"] = config.Args
	}
	if config.Cwd != "" {
		args["cwd"] = config.Cwd
	}
	if len(config.Env) > 0 {
		args["env"] = config.Env
	}
	return args
}
