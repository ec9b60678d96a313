package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dshills/dapctl/internal/config"
	"github.com/dshills/dapctl/internal/debug"
	"github.com/dshills/dapctl/internal/debug/adapters"
	"github.com/dshills/dapctl/internal/debug/dap"
)

type runOptions struct {
	breaks      []string
	watch       bool
	metricsAddr string
	timeout     time.Duration
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <configuration>",
		Short: "Starts a debug session and reads commands from stdin",
		Long: `Starts the named launch configuration and reads debugger commands from stdin.
Type "help" at the prompt for the command list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), global, opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.breaks, "break", "b", nil, "Add a breakpoint as file:line (repeatable)")
	flags.BoolVar(&opts.watch, "watch", false, "Re-apply launch file breakpoints when the file changes")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	flags.DurationVar(&opts.timeout, "timeout", dap.DefaultRequestTimeout, "Per-request timeout")

	return cmd
}

func runSession(ctx context.Context, global *globalOptions, opts *runOptions, name string, in io.Reader, out, errOut io.Writer) error {
	log, err := global.logger(errOut)
	if err != nil {
		return err
	}

	file, err := global.loadFile()
	if err != nil {
		return err
	}
	conf, err := file.Find(name)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(file.Names(), ", "))
	}

	launch, err := adapters.NewRegistry().Resolve(conf.Config, log.WithName("adapter"))
	if err != nil {
		return err
	}

	breakpoints := conf.SourceBreakpoints()
	for _, spec := range opts.breaks {
		path, line, err := parseBreakFlag(spec)
		if err != nil {
			return err
		}
		if breakpoints == nil {
			breakpoints = make(map[string][]dap.SourceBreakpoint)
		}
		breakpoints[path] = append(breakpoints[path], dap.SourceBreakpoint{Line: line})
	}

	sessionCfg := debug.SessionConfig{
		Name:             conf.Name,
		AdapterID:        launch.AdapterID,
		Request:          launch.Request,
		Arguments:        launch.Arguments,
		Dial:             launch.Dial,
		Breakpoints:      breakpoints,
		ExceptionFilters: conf.ExceptionFilters,
		Client: dap.ClientOptions{
			RequestTimeout: opts.timeout,
			ClientID:       "dapctl",
			ClientName:     "dapctl",
		},
		Log: log,
	}

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		sessionCfg.Client.Metrics = dap.NewMetrics(reg)

		stop := serveMetrics(opts.metricsAddr, reg, log)
		defer stop()
	}

	session := debug.NewSession(sessionCfg)

	out = &syncWriter{w: out}
	printer := newEventPrinter(out)
	unsubscribe := session.Subscribe(printer.print)
	defer unsubscribe()

	if opts.watch {
		w, err := watchBreakpoints(file.Path, conf.Name, session, breakpoints, opts.breaks, log)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	fmt.Fprintf(out, "starting %s (%s %s)\n", conf.Name, launch.Adapter.Name(), launch.Request)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", conf.Name, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Stop(stopCtx); err != nil {
			log.Error(err, "Stopping session failed")
		}
	}()

	return newREPL(session, out).run(ctx, in, printer.terminated)
}

// parseBreakFlag parses file:line. The path is made absolute.
func parseBreakFlag(spec string) (string, int, error) {
	i := strings.LastIndexByte(spec, ':')
	if i <= 0 || i == len(spec)-1 {
		return "", 0, fmt.Errorf("invalid breakpoint %q: want file:line", spec)
	}
	line, err := strconv.Atoi(spec[i+1:])
	if err != nil || line < 1 {
		return "", 0, fmt.Errorf("invalid breakpoint %q: bad line number", spec)
	}
	path, err := filepath.Abs(spec[:i])
	if err != nil {
		return "", 0, err
	}
	return path, line, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log logr.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Metrics server failed", "addr", addr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// watchBreakpoints re-sends the launch file's breakpoints for configuration name whenever the
// file changes. Breakpoints given with --break are kept. Paths dropped from the file are cleared.
func watchBreakpoints(path, name string, session *debug.Session, initial map[string][]dap.SourceBreakpoint, breakFlags []string, log logr.Logger) (*config.Watcher, error) {
	var mu sync.Mutex
	applied := initial

	return config.NewWatcher(path, func(file *config.File, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		conf, err := file.Find(name)
		if err != nil {
			log.Error(err, "Configuration disappeared from launch file", "name", name)
			return
		}

		next := conf.SourceBreakpoints()
		if next == nil {
			next = make(map[string][]dap.SourceBreakpoint)
		}
		for _, spec := range breakFlags {
			p, line, err := parseBreakFlag(spec)
			if err == nil {
				next[p] = append(next[p], dap.SourceBreakpoint{Line: line})
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for p := range applied {
			if _, ok := next[p]; !ok {
				if err := session.ClearBreakpoints(ctx, p); err != nil {
					log.Error(err, "Clearing breakpoints failed", "path", p)
				}
			}
		}
		for p, bps := range next {
			if _, err := session.SetBreakpoints(ctx, p, bps); err != nil {
				log.Error(err, "Setting breakpoints failed", "path", p)
			}
		}
		applied = next
	}, config.WithLogger(log.WithName("config")))
}

// lines feeds stdin lines to a channel so the command loop can also watch for termination.
func lines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
