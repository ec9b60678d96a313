package adapters

import (
	"fmt"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// DelveOptions are Delve-specific options, read from Config.Extra where present.
type DelveOptions struct {
	// Mode is the debug mode: "debug", "test", "exec", "core", "replay" or, for attach, "local"/"remote".
	Mode string

	// BuildFlags are passed to go build.
	BuildFlags string

	// StackTraceDepth is the maximum stack trace depth.
	StackTraceDepth int
}

// DelveAdapter debugs Go programs with `dlv dap`.
//
// dlv dap only speaks DAP over TCP, so the adapter is always started with --listen. Without a
// configured port a free loopback port is picked per run.
type DelveAdapter struct {
	config  Config
	options DelveOptions
}

// NewDelveAdapter creates a Delve adapter.
func NewDelveAdapter(config Config) (Adapter, error) {
	return NewDelveAdapterWithOptions(config, DelveOptions{})
}

// NewDelveAdapterWithOptions creates a Delve adapter with explicit options.
func NewDelveAdapterWithOptions(config Config, options DelveOptions) (*DelveAdapter, error) {
	if options.Mode == "" {
		if mode, ok := config.Extra["mode"].(string); ok {
			options.Mode = mode
		} else if config.Request == "attach" {
			options.Mode = "local"
		} else {
			options.Mode = "debug"
		}
	}
	if options.BuildFlags == "" {
		options.BuildFlags, _ = config.Extra["buildFlags"].(string)
	}
	if options.StackTraceDepth == 0 {
		options.StackTraceDepth = 50
	}
	return &DelveAdapter{config: config, options: options}, nil
}

func (a *DelveAdapter) Type() AdapterType { return AdapterDelve }
func (a *DelveAdapter) Name() string      { return "Delve (Go Debugger)" }
func (a *DelveAdapter) ID() string        { return "go" }

// Validate validates the configuration.
func (a *DelveAdapter) Validate() error {
	switch a.config.Request {
	case "launch", "":
		if a.config.Program == "" {
			return fmt.Errorf("program is required for launch request")
		}
	case "attach":
		if a.config.ProcessID == 0 && a.config.Port == 0 {
			return fmt.Errorf("processId or port is required for attach request")
		}
		if a.remote() && a.config.Port == 0 {
			return fmt.Errorf("port is required for remote attach")
		}
	default:
		return fmt.Errorf("invalid request type: %s", a.config.Request)
	}
	return nil
}

// remote reports whether the configuration attaches to a dlv server that is already listening.
func (a *DelveAdapter) remote() bool {
	return a.config.Request == "attach" && a.options.Mode == "remote"
}

// Command returns the dlv dap process. A remote attach starts nothing.
func (a *DelveAdapter) Command() (*dap.ProcessSpec, error) {
	if a.remote() {
		return nil, nil
	}

	dlvPath := a.config.AdapterPath
	if dlvPath == "" {
		var err error
		dlvPath, err = FindExecutable("dlv")
		if err != nil {
			return nil, fmt.Errorf("delve debugger not found: %w (install with: go install github.com/go-delve/delve/cmd/dlv@latest)", err)
		}
	}

	if a.config.Port == 0 {
		port, err := FreePort()
		if err != nil {
			return nil, err
		}
		a.config.Port = port
	}

	args := append([]string{"dap", "--listen", address(a.config.Host, a.config.Port)}, a.config.AdapterArgs...)
	return &dap.ProcessSpec{
		Command: dlvPath,
		Args:    args,
		Dir:     a.config.Cwd,
		Env:     a.config.Env,
	}, nil
}

// LaunchArgs returns the arguments for the launch request.
func (a *DelveAdapter) LaunchArgs() (map[string]any, error) {
	args := commonLaunchArgs(a.config)
	args["mode"] = a.options.Mode
	if a.options.BuildFlags != "" {
		args["buildFlags"] = a.options.BuildFlags
	}
	if a.options.StackTraceDepth > 0 {
		args["stackTraceDepth"] = a.options.StackTraceDepth
	}
	return args, nil
}

// AttachArgs returns the arguments for the attach request.
func (a *DelveAdapter) AttachArgs() (map[string]any, error) {
	args := map[string]any{
		"mode":        a.options.Mode,
		"stopOnEntry": a.config.StopOnEntry,
	}
	if a.config.ProcessID > 0 {
		args["processId"] = a.config.ProcessID
	}
	if a.config.Cwd != "" {
		args["cwd"] = a.config.Cwd
	}
	if a.options.StackTraceDepth > 0 {
		args["stackTraceDepth"] = a.options.StackTraceDepth
	}
	return args, nil
}

// ConnectionType is always socket for dlv dap.
func (a *DelveAdapter) ConnectionType() string {
	return ConnectionSocket
}

// Address returns the dlv listen address. It is only final after Command has run.
func (a *DelveAdapter) Address() string {
	if a.config.Port == 0 {
		return ""
	}
	return address(a.config.Host, a.config.Port)
}
