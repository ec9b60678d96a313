// Package config loads launch configuration files.
//
// A launch file lists named debug configurations, each resolved into an adapter by the
// adapters package. Files are TOML or YAML, chosen by extension:
//
//	version = 1
//
//	[[configurations]]
//	name = "server"
//	type = "delve"
//	request = "launch"
//	program = "./cmd/server"
//	stopOnEntry = true
//
//	[[configurations.breakpoints]]
//	path = "/src/cmd/server/main.go"
//	lines = [42, 57]
package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dshills/dapctl/internal/debug/adapters"
	"github.com/dshills/dapctl/internal/debug/dap"
)

// CurrentVersion is the launch file format version.
const CurrentVersion = 1

// Breakpoint is a set of line breakpoints in one source file.
type Breakpoint struct {
	Path      string `toml:"path" yaml:"path"`
	Lines     []int  `toml:"lines" yaml:"lines"`
	Condition string `toml:"condition,omitempty" yaml:"condition,omitempty"`
}

// Configuration is one named launch configuration.
type Configuration struct {
	adapters.Config `yaml:",inline"`

	Breakpoints      []Breakpoint `toml:"breakpoints,omitempty" yaml:"breakpoints,omitempty"`
	ExceptionFilters []string     `toml:"exceptionFilters,omitempty" yaml:"exceptionFilters,omitempty"`
}

// File is a parsed launch file.
type File struct {
	// Path is where the file was loaded from.
	Path string `toml:"-" yaml:"-"`

	Version        int             `toml:"version" yaml:"version"`
	Configurations []Configuration `toml:"configurations" yaml:"configurations"`
}

// Names returns the configuration names in file order.
func (f *File) Names() []string {
	names := make([]string, len(f.Configurations))
	for i, c := range f.Configurations {
		names[i] = c.Name
	}
	return names
}

// Find returns the configuration called name.
func (f *File) Find(name string) (*Configuration, error) {
	for i := range f.Configurations {
		if f.Configurations[i].Name == name {
			return &f.Configurations[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrConfigurationNotFound, name)
}

// SourceBreakpoints groups the configured breakpoints by absolute path. Relative paths are
// resolved against the configuration's cwd. Lines listed twice are kept once.
func (c *Configuration) SourceBreakpoints() map[string][]dap.SourceBreakpoint {
	if len(c.Breakpoints) == 0 {
		return nil
	}

	out := make(map[string][]dap.SourceBreakpoint)
	for _, bp := range c.Breakpoints {
		path := c.resolvePath(bp.Path)
		seen := make(map[int]bool, len(out[path]))
		for _, existing := range out[path] {
			seen[existing.Line] = true
		}
		lines := append([]int(nil), bp.Lines...)
		sort.Ints(lines)
		for _, line := range lines {
			if seen[line] {
				continue
			}
			seen[line] = true
			out[path] = append(out[path], dap.SourceBreakpoint{Line: line, Condition: bp.Condition})
		}
	}
	return out
}

func (c *Configuration) resolvePath(path string) string {
	if filepath.IsAbs(path) || c.Cwd == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(c.Cwd, path)
}

// Validate checks every configuration and fills in defaults: request defaults to "launch" and
// an empty type is detected from the program's extension.
func (f *File) Validate() error {
	if f.Version > CurrentVersion {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %d", f.Version)}
	}

	seen := make(map[string]bool, len(f.Configurations))
	for i := range f.Configurations {
		c := &f.Configurations[i]
		if c.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("configurations[%d].name", i), Message: "is required"}
		}
		if seen[c.Name] {
			return &ValidationError{Configuration: c.Name, Field: "name", Message: "is used more than once"}
		}
		seen[c.Name] = true

		if c.Request == "" {
			c.Request = "launch"
		}
		if c.Request != "launch" && c.Request != "attach" {
			return &ValidationError{Configuration: c.Name, Field: "request", Message: fmt.Sprintf("must be launch or attach, got %q", c.Request)}
		}
		if c.Type == "" {
			c.Type = adapters.DetectAdapterType(c.Program)
		}
		if c.Port < 0 || c.Port > 65535 {
			return &ValidationError{Configuration: c.Name, Field: "port", Message: fmt.Sprintf("out of range: %d", c.Port)}
		}

		for j, bp := range c.Breakpoints {
			if bp.Path == "" {
				return &ValidationError{Configuration: c.Name, Field: fmt.Sprintf("breakpoints[%d].path", j), Message: "is required"}
			}
			for _, line := range bp.Lines {
				if line < 1 {
					return &ValidationError{Configuration: c.Name, Field: fmt.Sprintf("breakpoints[%d].lines", j), Message: fmt.Sprintf("invalid line %d", line)}
				}
			}
		}
	}
	return nil
}
