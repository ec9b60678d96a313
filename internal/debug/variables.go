package debug

import (
	"sync"

	"github.com/dshills/dapctl/internal/debug/dap"
)

// variableCache holds the children of variablesReference handles.
//
// Handles are only valid while the debuggee stays stopped, so every resume, step or stop
// bumps the generation and drops everything. A fetch that started in an older generation
// is not stored.
type variableCache struct {
	mu         sync.Mutex
	generation uint64
	entries    map[int][]dap.Variable
}

func (c *variableCache) get(ref int) ([]dap.Variable, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vars, ok := c.entries[ref]
	if !ok {
		return nil, c.generation, false
	}
	return append([]dap.Variable(nil), vars...), c.generation, true
}

func (c *variableCache) put(generation uint64, ref int, vars []dap.Variable) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return
	}
	if c.entries == nil {
		c.entries = make(map[int][]dap.Variable)
	}
	c.entries[ref] = append([]dap.Variable(nil), vars...)
}

func (c *variableCache) invalidate() {
	c.mu.Lock()
	c.generation++
	c.entries = nil
	c.mu.Unlock()
}
