package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/dapctl/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "dapctl",
		Short: "Drives debug adapters from the command line",
		Long: `dapctl starts a debug adapter (delve, debugpy, lldb-dap or any adapter speaking the
Debug Adapter Protocol), runs a named launch configuration and lets you control the
debuggee interactively.

Launch configurations are read from dapctl.toml or dapctl.yaml in the current directory
unless --config is given.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the launch file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))

	return rootCmd
}

// loadFile loads the launch file named by --config, or the one found in the working directory.
func (o *globalOptions) loadFile() (*config.File, error) {
	path := o.configPath
	if path == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if path, err = config.Discover(dir); err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}

// logger returns a logr.Logger backed by zerolog, writing to w.
func (o *globalOptions) logger(w io.Writer) (logr.Logger, error) {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return logr.Discard(), err
	}

	// logr V(1) maps to zerolog debug and V(2) to trace.
	zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		Level(level).
		With().Timestamp().Logger()
	return zerologr.New(&zl), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "none", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q (must be trace, debug, info, warn, or error)", level)
	}
}
