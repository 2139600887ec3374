package ingestion

import (
	"github.com/puretrace/puretrace/internal/analyzers"
	"github.com/puretrace/puretrace/internal/callgraph"
	"github.com/puretrace/puretrace/internal/purity"
)

// FunctionMeta carries the per-function facts that live outside the graph
// and the propagation engine but belong in the results index.
type FunctionMeta struct {
	Language    string
	Complexity  int
	EndLine     int
	SideEffects []purity.SideEffect
}

// resolution is the symbol table built from all analyzed files, used to
// turn raw call references into resolved FunctionIDs.
type resolution struct {
	// byQualified maps the exact qualified name ("add", "Server.handle")
	// to its definitions.
	byQualified map[string][]callgraph.FunctionID

	// byMethod maps a bare method name to every "Type.method" definition,
	// for calls whose receiver expression could not be typed.
	byMethod map[string][]callgraph.FunctionID
}

// Resolve links raw call references across files and produces the builder
// input plus the intrinsic and metadata maps keyed by FunctionID.
//
// Resolution is deliberately conservative: a reference only resolves when
// it has exactly one candidate (same-file definitions win for plain
// calls); everything else stays an unresolved symbol and is priced into
// confidence by the propagator rather than guessed at.
func Resolve(files []*analyzers.FileResult, mtimes map[string]int64) (
	[]callgraph.FunctionRecord,
	map[callgraph.FunctionID]purity.IntrinsicResult,
	map[callgraph.FunctionID]FunctionMeta,
) {
	res := buildResolution(files)

	var records []callgraph.FunctionRecord
	intrinsics := make(map[callgraph.FunctionID]purity.IntrinsicResult)
	metas := make(map[callgraph.FunctionID]FunctionMeta)

	for _, file := range files {
		for _, fn := range file.Functions {
			id := functionID(file.Path, fn)

			refs := make([]callgraph.CalleeRef, 0, len(fn.Calls))
			for _, call := range fn.Calls {
				refs = append(refs, res.resolveCall(file.Path, call))
			}

			records = append(records, callgraph.FunctionRecord{
				ID:          id,
				ContentHash: fn.ContentHash,
				Mtime:       mtimes[file.Path],
				Callees:     refs,
			})
			intrinsics[id] = fn.Intrinsic
			metas[id] = FunctionMeta{
				Language:    file.Language,
				Complexity:  fn.Complexity,
				EndLine:     fn.EndLine,
				SideEffects: fn.Intrinsic.SideEffects,
			}
		}
	}
	return records, intrinsics, metas
}

func functionID(path string, fn analyzers.Function) callgraph.FunctionID {
	return callgraph.FunctionID{File: path, Name: fn.Name, Line: fn.StartLine}
}

func buildResolution(files []*analyzers.FileResult) *resolution {
	res := &resolution{
		byQualified: make(map[string][]callgraph.FunctionID),
		byMethod:    make(map[string][]callgraph.FunctionID),
	}
	for _, file := range files {
		for _, fn := range file.Functions {
			id := functionID(file.Path, fn)
			res.byQualified[fn.Name] = append(res.byQualified[fn.Name], id)
			if idx := lastDot(fn.Name); idx >= 0 {
				method := fn.Name[idx+1:]
				res.byMethod[method] = append(res.byMethod[method], id)
			}
		}
	}
	return res
}

func (r *resolution) resolveCall(callerFile string, call analyzers.Call) callgraph.CalleeRef {
	// Calls into other packages are outside the analyzed set.
	if call.Package != "" {
		return callgraph.UnresolvedRef(call.Symbol())
	}

	if call.Receiver != "" {
		if target, ok := unique(r.byQualified[call.Receiver+"."+call.Name]); ok {
			return callgraph.ResolvedRef(target)
		}
		// The receiver may be a variable rather than a type; accept a
		// repo-wide unique method of that name.
		if target, ok := unique(r.byMethod[call.Name]); ok {
			return callgraph.ResolvedRef(target)
		}
		return callgraph.UnresolvedRef(call.Symbol())
	}

	candidates := r.byQualified[call.Name]
	if len(candidates) == 0 {
		// A bare call can also be an unqualified method reference
		// (Python methods calling siblings through self).
		if target, ok := unique(r.byMethod[call.Name]); ok {
			return callgraph.ResolvedRef(target)
		}
		return callgraph.UnresolvedRef(call.Symbol())
	}
	for _, c := range candidates {
		if c.File == callerFile {
			return callgraph.ResolvedRef(c)
		}
	}
	if target, ok := unique(candidates); ok {
		return callgraph.ResolvedRef(target)
	}
	return callgraph.UnresolvedRef(call.Symbol())
}

func unique(ids []callgraph.FunctionID) (callgraph.FunctionID, bool) {
	if len(ids) == 1 {
		return ids[0], true
	}
	return callgraph.FunctionID{}, false
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
