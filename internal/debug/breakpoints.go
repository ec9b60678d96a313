package debug

import (
	"sort"
	"sync"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// breakpointTable tracks breakpoints per source path.
//
// requested holds what the user asked for and is pushed to the adapter on every Start.
// confirmed holds what the adapter reported back, which is what callers see.
type breakpointTable struct {
	mu        sync.RWMutex
	requested map[string][]dap.SourceBreakpoint
	confirmed map[string][]dap.Breakpoint
	functions []dap.FunctionBreakpoint
}

func newBreakpointTable(initial map[string][]dap.SourceBreakpoint, functions []dap.FunctionBreakpoint) *breakpointTable {
	t := &breakpointTable{
		requested: make(map[string][]dap.SourceBreakpoint),
		confirmed: make(map[string][]dap.Breakpoint),
		functions: append([]dap.FunctionBreakpoint(nil), functions...),
	}
	for path, bps := range initial {
		if len(bps) > 0 {
			t.requested[path] = append([]dap.SourceBreakpoint(nil), bps...)
		}
	}
	return t
}

// set replaces both lists for path. An empty list removes the path.
func (t *breakpointTable) set(path string, requested []dap.SourceBreakpoint, confirmed []dap.Breakpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(requested) == 0 {
		delete(t.requested, path)
	} else {
		t.requested[path] = append([]dap.SourceBreakpoint(nil), requested...)
	}
	if len(confirmed) == 0 {
		delete(t.confirmed, path)
	} else {
		t.confirmed[path] = append([]dap.Breakpoint(nil), confirmed...)
	}
}

func (t *breakpointTable) setFunctions(bps []dap.FunctionBreakpoint) {
	t.mu.Lock()
	t.functions = append([]dap.FunctionBreakpoint(nil), bps...)
	t.mu.Unlock()
}

func (t *breakpointTable) get(path string) []dap.Breakpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dap.Breakpoint(nil), t.confirmed[path]...)
}

func (t *breakpointTable) all() map[string][]dap.Breakpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]dap.Breakpoint, len(t.confirmed))
	for path, bps := range t.confirmed {
		out[path] = append([]dap.Breakpoint(nil), bps...)
	}
	return out
}

// pending returns the requested breakpoints sorted by path, for replay after connecting.
func (t *breakpointTable) pending() ([]string, map[string][]dap.SourceBreakpoint, []dap.FunctionBreakpoint) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.requested))
	requested := make(map[string][]dap.SourceBreakpoint, len(t.requested))
	for path, bps := range t.requested {
		paths = append(paths, path)
		requested[path] = append([]dap.SourceBreakpoint(nil), bps...)
	}
	sort.Strings(paths)
	return paths, requested, append([]dap.FunctionBreakpoint(nil), t.functions...)
}

// resetConfirmed forgets adapter state at the start of a new run.
func (t *breakpointTable) resetConfirmed() {
	t.mu.Lock()
	t.confirmed = make(map[string][]dap.Breakpoint)
	t.mu.Unlock()
}

// apply updates the table from a breakpoint event.
func (t *breakpointTable) apply(reason string, bp dap.Breakpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch reason {
	case "changed":
		for path, bps := range t.confirmed {
			for i := range bps {
				if bp.Id != 0 && bps[i].Id == bp.Id {
					if bp.Source == nil {
						bp.Source = bps[i].Source
					}
					bps[i] = bp
					t.confirmed[path] = bps
					return
				}
			}
		}
	case "new":
		if bp.Source != nil && bp.Source.Path != "" {
			t.confirmed[bp.Source.Path] = append(t.confirmed[bp.Source.Path], bp)
		}
	case "removed":
		for path, bps := range t.confirmed {
			for i := range bps {
				if bp.Id != 0 && bps[i].Id == bp.Id {
					bps = append(bps[:i], bps[i+1:]...)
					if len(bps) == 0 {
						delete(t.confirmed, path)
					} else {
						t.confirmed[path] = bps
					}
					return
				}
			}
		}
	}
}
