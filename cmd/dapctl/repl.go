package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/dapctl/internal/debug"
	"github.com/dshills/dapctl/internal/debug/dap"
)

const defaultStackLevels = 20

var errQuit = errors.New("quit")

const helpText = `commands:
  c, continue             resume execution
  n, next                 step over
  s, step                 step into
  o, out                  step out
  p, pause                pause execution
  threads                 list threads
  thread <id>             select a thread
  bt [levels]             print the stack of the selected thread
  frame <id>              select the frame used by scopes and eval
  scopes [frame]          list the scopes of a frame
  vars <ref>              list the children of a variables reference
  eval <expr>             evaluate an expression in the selected frame
  set <ref> <name> <val>  assign a variable
  break <file> <line>...  replace the breakpoints in file
  clear <file>            remove the breakpoints in file
  breakpoints             list breakpoints
  restart                 restart the debuggee
  state                   print the session state
  q, quit                 stop the session and exit`

// repl executes debugger commands against a session.
type repl struct {
	session *debug.Session
	out     io.Writer

	// frame is the frame selected by bt or frame.
	frame int
}

func newREPL(session *debug.Session, out io.Writer) *repl {
	return &repl{session: session, out: out}
}

// run reads commands until quit, end of input, or the session ending on its own.
func (r *repl) run(ctx context.Context, in io.Reader, terminated <-chan struct{}) error {
	input := lines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-terminated:
			if r.session.State() == debug.StateTerminated {
				fmt.Fprintln(r.out, "session ended")
				return nil
			}

		case line, ok := <-input:
			if !ok {
				return nil
			}
			err := r.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

// exec runs one command line.
func (r *repl) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	s := r.session

	switch cmd {
	case "help", "h", "?":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "q", "quit", "exit":
		return errQuit
	case "state":
		fmt.Fprintln(r.out, s.State())
		return nil

	case "c", "continue":
		return s.Continue(ctx, 0)
	case "n", "next":
		return s.StepOver(ctx, 0)
	case "s", "step":
		return s.StepInto(ctx, 0)
	case "o", "out":
		return s.StepOut(ctx, 0)
	case "p", "pause":
		return s.Pause(ctx, 0)
	case "restart":
		return s.Restart(ctx)

	case "threads":
		threads, err := s.GetThreads(ctx)
		if err != nil {
			return err
		}
		active, _ := s.ActiveThread()
		for _, t := range threads {
			marker := " "
			if t.Id == active.Id {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %d %s\n", marker, t.Id, t.Name)
		}
		return nil

	case "thread":
		id, err := intArg(args, 0, "thread id")
		if err != nil {
			return err
		}
		return s.SetActiveThread(id)

	case "bt", "backtrace":
		levels := defaultStackLevels
		if len(args) > 0 {
			n, err := intArg(args, 0, "levels")
			if err != nil {
				return err
			}
			levels = n
		}
		body, err := s.GetStackTrace(ctx, 0, 0, levels)
		if err != nil {
			return err
		}
		for i, f := range body.StackFrames {
			fmt.Fprintf(r.out, "#%d [%d] %s\n", i, f.Id, formatFrame(f))
		}
		if len(body.StackFrames) > 0 {
			r.frame = body.StackFrames[0].Id
		}
		return nil

	case "frame":
		id, err := intArg(args, 0, "frame id")
		if err != nil {
			return err
		}
		r.frame = id
		return nil

	case "scopes":
		frame := r.frame
		if len(args) > 0 {
			id, err := intArg(args, 0, "frame id")
			if err != nil {
				return err
			}
			frame = id
		}
		scopes, err := s.GetScopes(ctx, frame)
		if err != nil {
			return err
		}
		for _, sc := range scopes {
			fmt.Fprintf(r.out, "%s [ref %d]\n", sc.Name, sc.VariablesReference)
		}
		return nil

	case "vars":
		ref, err := intArg(args, 0, "variables reference")
		if err != nil {
			return err
		}
		vars, err := s.GetVariables(ctx, ref)
		if err != nil {
			return err
		}
		for _, v := range vars {
			fmt.Fprintln(r.out, formatVariable(v))
		}
		return nil

	case "eval", "print":
		if len(args) == 0 {
			return errors.New("usage: eval <expr>")
		}
		expr := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))
		result, err := s.Evaluate(ctx, expr, "repl", r.frame)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, result.Result)
		return nil

	case "set":
		if len(args) < 3 {
			return errors.New("usage: set <ref> <name> <value>")
		}
		ref, err := intArg(args, 0, "variables reference")
		if err != nil {
			return err
		}
		body, err := s.SetVariable(ctx, ref, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s = %s\n", args[1], body.Value)
		return nil

	case "break", "b":
		if len(args) < 2 {
			return errors.New("usage: break <file> <line>...")
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		bps := make([]dap.SourceBreakpoint, 0, len(args)-1)
		for i := 1; i < len(args); i++ {
			n, err := intArg(args, i, "line")
			if err != nil {
				return err
			}
			bps = append(bps, dap.SourceBreakpoint{Line: n})
		}
		confirmed, err := s.SetBreakpoints(ctx, path, bps)
		if err != nil {
			return err
		}
		for _, bp := range confirmed {
			fmt.Fprintln(r.out, formatBreakpoint(bp))
		}
		return nil

	case "clear":
		if len(args) != 1 {
			return errors.New("usage: clear <file>")
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return s.ClearBreakpoints(ctx, path)

	case "breakpoints":
		all := s.AllBreakpoints()
		paths := make([]string, 0, len(all))
		for p := range all {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			for _, bp := range all[p] {
				fmt.Fprintln(r.out, formatBreakpoint(bp))
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func intArg(args []string, i int, what string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing %s", what)
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, args[i])
	}
	return n, nil
}
