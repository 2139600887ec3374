// Package callgraph provides the inter-procedural call graph for puretrace.
//
// It defines the function identity and call-edge types that the analysis
// pipeline produces, the graph built from them, and the graph algorithms
// (Tarjan SCC partitioning, Kahn condensation scheduling) that drive
// bottom-up property propagation.
package callgraph

import (
	"fmt"
	"sort"
)

// FunctionID is the stable identity of a function within an analyzed
// repository: file path, qualified name, and starting line as a
// discriminator for same-named symbols in one file.
//
// FunctionID is comparable and its key is deterministic across runs, which
// is what keeps cache keys valid between invocations.
type FunctionID struct {
	// File is the repository-relative path of the defining file.
	File string

	// Name is the qualified symbol name (e.g. "Server.handleQuery").
	Name string

	// Line is the 1-based starting line of the definition.
	Line int
}

// Unknown is the sentinel target for callee references that could not be
// resolved to a known function. Unresolved calls become edges to Unknown
// rather than being dropped.
var Unknown = FunctionID{Name: "<unknown>"}

// Key returns the deterministic string form used for storage and cache keys.
func (id FunctionID) Key() string {
	return fmt.Sprintf("%s:%s:%d", id.File, id.Name, id.Line)
}

// String implements fmt.Stringer.
func (id FunctionID) String() string { return id.Key() }

// IsUnknown reports whether the ID is the Unknown sentinel.
func (id FunctionID) IsUnknown() bool { return id == Unknown }

// Less orders FunctionIDs by file, then name, then line. All deterministic
// orderings in this package derive from it.
func (id FunctionID) Less(other FunctionID) bool {
	if id.File != other.File {
		return id.File < other.File
	}
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return id.Line < other.Line
}

// CalleeRef is a single call reference extracted from a function body,
// either resolved to a FunctionID or left as a raw symbol name.
type CalleeRef struct {
	// Target is the resolved callee. Only meaningful when Resolved is true.
	Target FunctionID

	// Resolved indicates whether the producer resolved the call target.
	Resolved bool

	// Symbol is the raw callee symbol for unresolved references, kept for
	// diagnostics.
	Symbol string
}

// ResolvedRef returns a CalleeRef pointing at a known function.
func ResolvedRef(target FunctionID) CalleeRef {
	return CalleeRef{Target: target, Resolved: true}
}

// UnresolvedRef returns a CalleeRef for a symbol that could not be resolved.
func UnresolvedRef(symbol string) CalleeRef {
	return CalleeRef{Symbol: symbol}
}

// FunctionRecord is the per-function input to the graph builder: identity,
// file metadata for cache validation, and the outgoing call references.
type FunctionRecord struct {
	// ID is the function identity.
	ID FunctionID

	// ContentHash is the xxhash of the function source text.
	ContentHash uint64

	// Mtime is the modification time (unix seconds) of the defining file.
	Mtime int64

	// Callees are the call references extracted from the function body.
	Callees []CalleeRef
}

// CallGraph is a directed graph of function nodes and call edges with both
// forward (caller to callees) and reverse (callee to callers) adjacency.
//
// Adjacency is kept as sets, so rebuilding from the same records yields an
// identical graph regardless of input order. The graph is owned by a single
// analysis run and is not safe for concurrent mutation.
type CallGraph struct {
	records map[FunctionID]FunctionRecord
	forward map[FunctionID]map[FunctionID]struct{}
	reverse map[FunctionID]map[FunctionID]struct{}

	// byFile indexes node IDs by defining file for partial rebuilds.
	byFile map[string]map[FunctionID]struct{}
}

// NewCallGraph creates an empty call graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		records: make(map[FunctionID]FunctionRecord),
		forward: make(map[FunctionID]map[FunctionID]struct{}),
		reverse: make(map[FunctionID]map[FunctionID]struct{}),
		byFile:  make(map[string]map[FunctionID]struct{}),
	}
}

// NodeCount returns the number of known function nodes. The Unknown
// sentinel is not counted even when edges point at it.
func (g *CallGraph) NodeCount() int { return len(g.records) }

// Record returns the FunctionRecord for id.
func (g *CallGraph) Record(id FunctionID) (FunctionRecord, bool) {
	rec, ok := g.records[id]
	return rec, ok
}

// Nodes returns all function IDs in deterministic order.
func (g *CallGraph) Nodes() []FunctionID {
	ids := make([]FunctionID, 0, len(g.records))
	for id := range g.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Callees returns the outgoing adjacency set of id in deterministic order.
// Edges to Unknown are included.
func (g *CallGraph) Callees(id FunctionID) []FunctionID {
	return sortedSet(g.forward[id])
}

// Callers returns the incoming adjacency set of id in deterministic order.
func (g *CallGraph) Callers(id FunctionID) []FunctionID {
	return sortedSet(g.reverse[id])
}

// HasEdge reports whether a call edge from caller to callee exists.
func (g *CallGraph) HasEdge(caller, callee FunctionID) bool {
	_, ok := g.forward[caller][callee]
	return ok
}

// UnknownCalleeCount returns how many of id's callees are the Unknown
// sentinel (0 or 1 at graph level; the builder collapses duplicates).
func (g *CallGraph) UnknownCalleeCount(id FunctionID) int {
	if _, ok := g.forward[id][Unknown]; ok {
		return 1
	}
	return 0
}

// FunctionsInFile returns the IDs of all functions defined in the given
// file, in deterministic order.
func (g *CallGraph) FunctionsInFile(path string) []FunctionID {
	return sortedSet(g.byFile[path])
}

// TransitiveCallers returns every function that can reach id through call
// edges, excluding id itself. Used by consumers for impact analysis over
// the reverse adjacency.
func (g *CallGraph) TransitiveCallers(id FunctionID) []FunctionID {
	seen := map[FunctionID]struct{}{id: {}}
	queue := []FunctionID{id}
	var out []FunctionID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for caller := range g.reverse[cur] {
			if _, ok := seen[caller]; ok {
				continue
			}
			seen[caller] = struct{}{}
			out = append(out, caller)
			queue = append(queue, caller)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func sortedSet(set map[FunctionID]struct{}) []FunctionID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]FunctionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}
