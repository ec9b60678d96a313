package debug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dapctl/internal/debug/dap"
)

func TestBreakpointTableSetAndClear(t *testing.T) {
	table := newBreakpointTable(map[string][]dap.SourceBreakpoint{
		"/src/b.go": {{Line: 3}},
		"/src/a.go": {{Line: 1}, {Line: 2}},
		"/src/c.go": nil,
	}, nil)

	paths, requested, functions := table.pending()
	assert.Equal(t, []string{"/src/a.go", "/src/b.go"}, paths)
	assert.Len(t, requested["/src/a.go"], 2)
	assert.Empty(t, functions)

	table.set("/src/a.go", []dap.SourceBreakpoint{{Line: 10}, {Line: 20}}, []dap.Breakpoint{{Id: 1, Line: 10}, {Id: 2, Line: 20}})
	assert.Len(t, table.get("/src/a.go"), 2)

	table.set("/src/a.go", nil, nil)
	assert.Empty(t, table.get("/src/a.go"))
	assert.NotContains(t, table.all(), "/src/a.go")

	paths, _, _ = table.pending()
	assert.Equal(t, []string{"/src/b.go"}, paths)
}

func TestBreakpointTableReturnsCopies(t *testing.T) {
	table := newBreakpointTable(nil, nil)
	table.set("/src/a.go", []dap.SourceBreakpoint{{Line: 1}}, []dap.Breakpoint{{Id: 1, Line: 1}})

	bps := table.get("/src/a.go")
	bps[0].Line = 99
	all := table.all()
	all["/src/a.go"][0].Line = 98

	assert.Equal(t, 1, table.get("/src/a.go")[0].Line)
}

func TestBreakpointTableApply(t *testing.T) {
	source := &dap.Source{Path: "/src/a.go"}
	table := newBreakpointTable(nil, nil)
	table.set("/src/a.go", []dap.SourceBreakpoint{{Line: 10}}, []dap.Breakpoint{{Id: 1, Line: 10, Source: source}})

	table.apply("changed", dap.Breakpoint{Id: 1, Line: 11, Verified: true})
	bps := table.get("/src/a.go")
	require.Len(t, bps, 1)
	assert.Equal(t, 11, bps[0].Line)
	assert.True(t, bps[0].Verified)
	assert.Equal(t, source, bps[0].Source)

	table.apply("new", dap.Breakpoint{Id: 2, Line: 30, Source: &dap.Source{Path: "/src/b.go"}})
	assert.Len(t, table.get("/src/b.go"), 1)

	table.apply("new", dap.Breakpoint{Id: 3, Line: 40})
	assert.Len(t, table.all(), 2)

	table.apply("removed", dap.Breakpoint{Id: 1})
	assert.Empty(t, table.get("/src/a.go"))
	assert.NotContains(t, table.all(), "/src/a.go")

	table.apply("changed", dap.Breakpoint{Id: 42, Line: 1})
	assert.Len(t, table.all(), 1)
}

func TestBreakpointTableResetConfirmed(t *testing.T) {
	table := newBreakpointTable(nil, []dap.FunctionBreakpoint{{Name: "main.main"}})
	table.set("/src/a.go", []dap.SourceBreakpoint{{Line: 1}}, []dap.Breakpoint{{Id: 1, Line: 1}})

	table.resetConfirmed()

	assert.Empty(t, table.all())
	paths, _, functions := table.pending()
	assert.Equal(t, []string{"/src/a.go"}, paths)
	assert.Len(t, functions, 1)

	table.setFunctions(nil)
	_, _, functions = table.pending()
	assert.Empty(t, functions)
}
