package adapters

import (
	"fmt"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// PythonAdapter debugs Python with debugpy.
//
// The debugpy adapter speaks DAP on stdio. For attach it connects to the debuggee itself,
// using the host and port passed in the attach arguments.
type PythonAdapter struct {
	config     Config
	justMyCode bool
}

// NewPythonAdapter creates a debugpy adapter. justMyCode defaults to true and can be turned
// off through Config.Extra.
func NewPythonAdapter(config Config) (Adapter, error) {
	justMyCode := true
	if v, ok := config.Extra["justMyCode"].(bool); ok {
		justMyCode = v
	}
	return &PythonAdapter{config: config, justMyCode: justMyCode}, nil
}

func (a *PythonAdapter) Type() AdapterType { return AdapterPython }
func (a *PythonAdapter) Name() string      { return "Python Debugger (debugpy)" }
func (a *PythonAdapter) ID() string        { return "debugpy" }

// Validate validates the configuration.
func (a *PythonAdapter) Validate() error {
	switch a.config.Request {
	case "launch", "":
		if a.config.Program == "" && a.config.Module == "" {
			return fmt.Errorf("program or module is required for launch request")
		}
	case "attach":
		if a.config.Port == 0 && a.config.ProcessID == 0 {
			return fmt.Errorf("port or processId is required for attach request")
		}
	default:
		return fmt.Errorf("invalid request type: %s", a.config.Request)
	}
	return nil
}

// Command returns `python -m debugpy.adapter`.
func (a *PythonAdapter) Command() (*dap.ProcessSpec, error) {
	python := a.config.AdapterPath
	if python == "" {
		var err error
		python, err = FindExecutable("python3")
		if err != nil {
			python, err = FindExecutable("python")
			if err != nil {
				return nil, fmt.Errorf("python interpreter not found in PATH (install Python 3 and debugpy: pip install debugpy)")
			}
		}
	}

	return &dap.ProcessSpec{
		Command: python,
		Args:    append([]string{"-m", "debugpy.adapter"}, a.config.AdapterArgs...),
		Dir:     a.config.Cwd,
		Env:     a.config.Env,
	}, nil
}

// LaunchArgs returns the arguments for the launch request.
func (a *PythonAdapter) LaunchArgs() (map[string]any, error) {
	args := commonLaunchArgs(a.config)
	args["type"] = "python"
	args["request"] = "launch"
	args["console"] = "internalConsole"
	args["justMyCode"] = a.justMyCode
	args["redirectOutput"] = true
	if a.config.Module != "" {
		delete(args, "program")
		args["module"] = a.config.Module
	}
	return args, nil
}

// AttachArgs returns the arguments for the attach request.
func (a *PythonAdapter) AttachArgs() (map[string]any, error) {
	args := map[string]any{
		"type":           "python",
		"request":        "attach",
		"justMyCode":     a.justMyCode,
		"redirectOutput": true,
	}
	if a.config.Port > 0 {
		args["connect"] = map[string]any{
			"host": hostOrLoopback(a.config.Host),
			"port": a.config.Port,
		}
	}
	if a.config.ProcessID > 0 {
		args["processId"] = a.config.ProcessID
	}
	return args, nil
}

// ConnectionType is always stdio; Port addresses the debuggee, not the adapter.
func (a *PythonAdapter) ConnectionType() string {
	return ConnectionStdio
}

// Address is unused for stdio adapters.
func (a *PythonAdapter) Address() string {
	return ""
}
