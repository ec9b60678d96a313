package adapters

import (
	"fmt"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// GenericAdapter runs any DAP adapter described entirely by the configuration.
//
// With AdapterPath and no Port the adapter is spoken to on stdio. With a Port it is reached
// over TCP, after starting AdapterPath if one is given.
type GenericAdapter struct {
	typ         AdapterType
	name        string
	id          string
	config      Config
	defaultPath string
}

// NewGenericAdapter creates an adapter for Config.Type "generic".
func NewGenericAdapter(config Config) (Adapter, error) {
	return &GenericAdapter{
		typ:    AdapterGeneric,
		name:   "Generic Debug Adapter",
		id:     "generic",
		config: config,
	}, nil
}

// NewLLDBAdapter creates a generic adapter that defaults to lldb-dap on stdio.
func NewLLDBAdapter(config Config) (Adapter, error) {
	return &GenericAdapter{
		typ:         AdapterLLDB,
		name:        "LLDB (lldb-dap)",
		id:          "lldb",
		config:      config,
		defaultPath: "lldb-dap",
	}, nil
}

func (a *GenericAdapter) Type() AdapterType { return a.typ }
func (a *GenericAdapter) Name() string      { return a.name }
func (a *GenericAdapter) ID() string        { return a.id }

// Validate validates the configuration.
func (a *GenericAdapter) Validate() error {
	if a.config.AdapterPath == "" && a.defaultPath == "" && a.config.Port == 0 {
		return fmt.Errorf("adapterPath or port is required")
	}
	switch a.config.Request {
	case "launch", "attach", "":
		return nil
	default:
		return fmt.Errorf("invalid request type: %s", a.config.Request)
	}
}

// Command returns the configured adapter process, or nil for a pure socket connection.
func (a *GenericAdapter) Command() (*dap.ProcessSpec, error) {
	path := a.config.AdapterPath
	if path == "" {
		if a.defaultPath == "" {
			return nil, nil
		}
		var err error
		path, err = FindExecutable(a.defaultPath)
		if err != nil {
			return nil, err
		}
	}
	return &dap.ProcessSpec{
		Command: path,
		Args:    a.config.AdapterArgs,
		Dir:     a.config.Cwd,
		Env:     a.config.Env,
	}, nil
}

// LaunchArgs returns the common launch arguments; adapter-specific ones come from Config.Extra.
func (a *GenericAdapter) LaunchArgs() (map[string]any, error) {
	return commonLaunchArgs(a.config), nil
}

// AttachArgs returns the common attach arguments.
func (a *GenericAdapter) AttachArgs() (map[string]any, error) {
	args := map[string]any{}
	if a.config.ProcessID > 0 {
		args["pid"] = a.config.ProcessID
	}
	return args, nil
}

// ConnectionType is socket when a port is configured, stdio otherwise.
func (a *GenericAdapter) ConnectionType() string {
	if a.config.Port > 0 {
		return ConnectionSocket
	}
	return ConnectionStdio
}

// Address returns host:port for socket connections.
func (a *GenericAdapter) Address() string {
	if a.config.Port == 0 {
		return ""
	}
	return address(a.config.Host, a.config.Port)
}
