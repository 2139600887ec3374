package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puretrace/puretrace/internal/analyzers"
	"github.com/puretrace/puretrace/internal/callgraph"
	"github.com/puretrace/puretrace/internal/purity"
)

func fileResult(path string, fns ...analyzers.Function) *analyzers.FileResult {
	return &analyzers.FileResult{Path: path, Language: "go", Functions: fns}
}

func fn(name string, line int, calls ...analyzers.Call) analyzers.Function {
	return analyzers.Function{
		Name:      name,
		StartLine: line,
		EndLine:   line + 2,
		Calls:     calls,
		Intrinsic: purity.IntrinsicResult{Confidence: 1.0},
	}
}

func recordFor(t *testing.T, records []callgraph.FunctionRecord, id callgraph.FunctionID) callgraph.FunctionRecord {
	t.Helper()
	for _, rec := range records {
		if rec.ID == id {
			return rec
		}
	}
	t.Fatalf("record %s not found", id)
	return callgraph.FunctionRecord{}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("SameFileCallResolves", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go",
				fn("caller", 1, analyzers.Call{Name: "helper", Line: 2}),
				fn("helper", 10),
			),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "caller", Line: 1})
		require.Len(t, rec.Callees, 1)
		assert.True(t, rec.Callees[0].Resolved)
		assert.Equal(t, callgraph.FunctionID{File: "a.go", Name: "helper", Line: 10}, rec.Callees[0].Target)
	})

	t.Run("CrossFileUniqueCallResolves", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go", fn("caller", 1, analyzers.Call{Name: "helper"})),
			fileResult("b.go", fn("helper", 1)),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "caller", Line: 1})
		require.Len(t, rec.Callees, 1)
		assert.True(t, rec.Callees[0].Resolved)
		assert.Equal(t, "b.go", rec.Callees[0].Target.File)
	})

	t.Run("SameFileWinsOverOtherFiles", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go",
				fn("caller", 1, analyzers.Call{Name: "helper"}),
				fn("helper", 10),
			),
			fileResult("b.go", fn("helper", 1)),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "caller", Line: 1})
		require.True(t, rec.Callees[0].Resolved)
		assert.Equal(t, "a.go", rec.Callees[0].Target.File)
	})

	t.Run("AmbiguousCallStaysUnresolved", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go", fn("caller", 1, analyzers.Call{Name: "helper"})),
			fileResult("b.go", fn("helper", 1)),
			fileResult("c.go", fn("helper", 1)),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "caller", Line: 1})
		require.Len(t, rec.Callees, 1)
		assert.False(t, rec.Callees[0].Resolved)
		assert.Equal(t, "helper", rec.Callees[0].Symbol)
	})

	t.Run("MethodCallResolvesThroughType", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("server.go",
				fn("Server.handle", 1, analyzers.Call{Name: "respond", Receiver: "Server"}),
				fn("Server.respond", 10),
			),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "server.go", Name: "Server.handle", Line: 1})
		require.True(t, rec.Callees[0].Resolved)
		assert.Equal(t, "Server.respond", rec.Callees[0].Target.Name)
	})

	t.Run("UntypedReceiverFallsBackToUniqueMethod", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go", fn("run", 1, analyzers.Call{Name: "compute", Receiver: "helper"})),
			fileResult("b.go", fn("Engine.compute", 1)),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "run", Line: 1})
		require.True(t, rec.Callees[0].Resolved)
		assert.Equal(t, "Engine.compute", rec.Callees[0].Target.Name)
	})

	t.Run("PackageQualifiedCallStaysUnresolved", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{
			fileResult("a.go", fn("caller", 1, analyzers.Call{Name: "New", Package: "example.com/widget"})),
		}, nil)

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "caller", Line: 1})
		require.Len(t, rec.Callees, 1)
		assert.False(t, rec.Callees[0].Resolved)
		assert.Equal(t, "example.com/widget.New", rec.Callees[0].Symbol)
	})

	t.Run("CarriesIntrinsicsAndMeta", func(t *testing.T) {
		t.Parallel()
		f := fn("leaf", 1)
		f.Complexity = 3
		f.Intrinsic.SideEffects = []purity.SideEffect{{Kind: purity.EffectIO, Detail: "calls os.WriteFile"}}

		_, intrinsics, metas := Resolve([]*analyzers.FileResult{fileResult("a.go", f)},
			map[string]int64{"a.go": 42})

		id := callgraph.FunctionID{File: "a.go", Name: "leaf", Line: 1}
		assert.True(t, intrinsics[id].HasSideEffect())
		assert.Equal(t, 3, metas[id].Complexity)
		assert.Equal(t, "go", metas[id].Language)
		require.Len(t, metas[id].SideEffects, 1)
	})

	t.Run("MtimeFlowsIntoRecords", func(t *testing.T) {
		t.Parallel()
		records, _, _ := Resolve([]*analyzers.FileResult{fileResult("a.go", fn("leaf", 1))},
			map[string]int64{"a.go": 1700000000})

		rec := recordFor(t, records, callgraph.FunctionID{File: "a.go", Name: "leaf", Line: 1})
		assert.Equal(t, int64(1700000000), rec.Mtime)
	})
}
