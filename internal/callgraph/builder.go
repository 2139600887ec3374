package callgraph

import (
	"log/slog"
	"sort"
)

// Diagnostic records a non-fatal anomaly observed while building the graph.
// Duplicate FunctionIDs are resolved last-write-wins and surfaced here
// rather than failing the build.
type Diagnostic struct {
	// ID is the function the anomaly concerns.
	ID FunctionID

	// Message describes the anomaly.
	Message string
}

// Builder assembles a CallGraph from FunctionRecords. It can be reused
// across incremental rebuilds: RemoveFile drops one file's contribution
// without disturbing the rest of the graph.
type Builder struct {
	graph       *CallGraph
	diagnostics []Diagnostic
	logger      *slog.Logger
}

// NewBuilder creates a Builder. A nil logger defaults to slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{graph: NewCallGraph(), logger: logger}
}

// Add inserts one function record into the graph. A record with an already
// known FunctionID replaces the previous one (last write wins) and records
// a diagnostic.
func (b *Builder) Add(rec FunctionRecord) {
	g := b.graph
	if _, exists := g.records[rec.ID]; exists {
		b.diagnostics = append(b.diagnostics, Diagnostic{
			ID:      rec.ID,
			Message: "duplicate function record, keeping latest",
		})
		b.logger.Warn("duplicate function record", "function", rec.ID.Key())
		b.removeNode(rec.ID)
	}

	g.records[rec.ID] = rec
	if g.byFile[rec.ID.File] == nil {
		g.byFile[rec.ID.File] = make(map[FunctionID]struct{})
	}
	g.byFile[rec.ID.File][rec.ID] = struct{}{}

	for _, ref := range rec.Callees {
		target := Unknown
		if ref.Resolved {
			target = ref.Target
		}
		b.addEdge(rec.ID, target)
	}
}

// AddAll inserts a batch of records.
func (b *Builder) AddAll(recs []FunctionRecord) {
	for _, rec := range recs {
		b.Add(rec)
	}
}

// RemoveFile removes every function defined in path along with the edges it
// contributed, leaving the rest of the graph untouched. Returns the number
// of functions removed.
func (b *Builder) RemoveFile(path string) int {
	ids := b.graph.FunctionsInFile(path)
	for _, id := range ids {
		b.removeNode(id)
		delete(b.graph.records, id)
		delete(b.graph.byFile[path], id)
	}
	if len(b.graph.byFile[path]) == 0 {
		delete(b.graph.byFile, path)
	}
	return len(ids)
}

// Graph returns the built graph. The builder retains ownership; callers
// must not mutate the graph while continuing to use the builder.
func (b *Builder) Graph() *CallGraph { return b.graph }

// Diagnostics returns the anomalies recorded so far, ordered by function.
func (b *Builder) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, len(b.diagnostics))
	copy(out, b.diagnostics)
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (b *Builder) addEdge(caller, callee FunctionID) {
	g := b.graph
	if g.forward[caller] == nil {
		g.forward[caller] = make(map[FunctionID]struct{})
	}
	g.forward[caller][callee] = struct{}{}

	if g.reverse[callee] == nil {
		g.reverse[callee] = make(map[FunctionID]struct{})
	}
	g.reverse[callee][caller] = struct{}{}
}

// removeNode drops all edges where id is the caller. Incoming edges from
// other files are left alone: they dangle until their owning file is
// re-added, at which point resolution decides whether they still hold.
func (b *Builder) removeNode(id FunctionID) {
	g := b.graph
	for callee := range g.forward[id] {
		delete(g.reverse[callee], id)
		if len(g.reverse[callee]) == 0 {
			delete(g.reverse, callee)
		}
	}
	delete(g.forward, id)
}
