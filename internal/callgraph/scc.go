package callgraph

import "sort"

// SCCID identifies a strongly connected component within one partition.
type SCCID int

// Component is one strongly connected component of the call graph.
type Component struct {
	// ID is the component identifier, dense in [0, len(Components)).
	ID SCCID

	// Members are the component's functions in deterministic order.
	Members []FunctionID

	// IsCycle is true for components that represent actual recursion:
	// more than one member, or a single member with a self-edge. A
	// non-recursive singleton has IsCycle false.
	IsCycle bool
}

// SCCPartition maps every known function to exactly one strongly connected
// component. The union of all components is the full node set.
type SCCPartition struct {
	// Components holds all SCCs, indexed by SCCID.
	Components []Component

	byFunc map[FunctionID]SCCID
}

// Of returns the SCC containing id.
func (p *SCCPartition) Of(id FunctionID) (SCCID, bool) {
	sid, ok := p.byFunc[id]
	return sid, ok
}

// Component returns the component with the given id.
func (p *SCCPartition) Component(id SCCID) Component {
	return p.Components[id]
}

// Len returns the number of components.
func (p *SCCPartition) Len() int { return len(p.Components) }

// DetectSCCs partitions the graph into strongly connected components using
// Tarjan's single-pass algorithm, O(V+E).
//
// The DFS visits roots in FunctionID order and neighbors likewise, so the
// partition is reproducible across runs on identical input; stable output
// is what keeps cache dependency hashes meaningful. The traversal is
// iterative, so recursion depth in the analyzed program cannot overflow the
// analyzer's stack. Edges to the Unknown sentinel or to dangling targets
// are ignored here; they matter to propagation, not to cycle structure.
func DetectSCCs(g *CallGraph) *SCCPartition {
	t := &tarjan{
		graph:   g,
		index:   make(map[FunctionID]int, g.NodeCount()),
		lowlink: make(map[FunctionID]int, g.NodeCount()),
		onStack: make(map[FunctionID]bool, g.NodeCount()),
		part:    &SCCPartition{byFunc: make(map[FunctionID]SCCID, g.NodeCount())},
	}

	for _, id := range g.Nodes() {
		if _, visited := t.index[id]; !visited {
			t.visit(id)
		}
	}
	return t.part
}

type tarjan struct {
	graph   *CallGraph
	counter int
	index   map[FunctionID]int
	lowlink map[FunctionID]int
	onStack map[FunctionID]bool
	stack   []FunctionID
	part    *SCCPartition
}

// frame is one suspended DFS step: the node being expanded and the index of
// the next neighbor to consider.
type frame struct {
	node      FunctionID
	neighbors []FunctionID
	next      int
}

func (t *tarjan) visit(root FunctionID) {
	frames := []frame{t.newFrame(root)}

	for len(frames) > 0 {
		f := &frames[len(frames)-1]

		advanced := false
		for f.next < len(f.neighbors) {
			n := f.neighbors[f.next]
			f.next++

			if _, known := t.graph.records[n]; !known {
				continue // Unknown sentinel or dangling target
			}
			if _, visited := t.index[n]; !visited {
				frames = append(frames, t.newFrame(n))
				advanced = true
				break
			}
			if t.onStack[n] {
				if t.index[n] < t.lowlink[f.node] {
					t.lowlink[f.node] = t.index[n]
				}
			}
		}
		if advanced {
			continue
		}

		// Node fully expanded: pop a component if this is a root.
		if t.lowlink[f.node] == t.index[f.node] {
			t.popComponent(f.node)
		}

		done := f.node
		frames = frames[:len(frames)-1]
		if len(frames) > 0 {
			parent := &frames[len(frames)-1]
			if t.lowlink[done] < t.lowlink[parent.node] {
				t.lowlink[parent.node] = t.lowlink[done]
			}
		}
	}
}

func (t *tarjan) newFrame(id FunctionID) frame {
	t.index[id] = t.counter
	t.lowlink[id] = t.counter
	t.counter++
	t.stack = append(t.stack, id)
	t.onStack[id] = true
	return frame{node: id, neighbors: t.graph.Callees(id)}
}

func (t *tarjan) popComponent(root FunctionID) {
	var members []FunctionID
	for {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[top] = false
		members = append(members, top)
		if top == root {
			break
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })

	sid := SCCID(len(t.part.Components))
	for _, m := range members {
		t.part.byFunc[m] = sid
	}
	t.part.Components = append(t.part.Components, Component{
		ID:      sid,
		Members: members,
		IsCycle: len(members) > 1 || t.graph.HasEdge(members[0], members[0]),
	})
}
