package callgraph

import (
	"fmt"
	"sort"
)

// SchedulerInvariantError reports that the condensation graph could not be
// fully ordered. Condensation of an SCC partition is acyclic by
// construction, so this is an internal bug in the partitioning, never a
// property of the analyzed code. Callers should abort the analysis run
// with an internal-error message rather than report a user-facing cycle.
type SchedulerInvariantError struct {
	// Ordered is how many SCCs were placed before the queue drained.
	Ordered int

	// Total is the number of SCCs in the partition.
	Total int
}

func (e *SchedulerInvariantError) Error() string {
	return fmt.Sprintf(
		"internal error: condensation graph not acyclic (ordered %d of %d components)",
		e.Ordered, e.Total)
}

// Schedule orders the SCC partition dependency-first using Kahn's
// algorithm over the condensation graph: an edge A -> B means some member
// of A calls some member of B, so B must be processed before A. The
// returned sequence lists callees before callers.
//
// Ties (several zero in-degree components) break on the smallest member
// FunctionID, keeping the schedule reproducible across runs.
func Schedule(g *CallGraph, part *SCCPartition) ([]SCCID, error) {
	n := part.Len()

	// Condensation adjacency and in-degrees. dependents[B] holds the
	// components that call into B and must therefore run after it.
	dependents := make([]map[SCCID]struct{}, n)
	indegree := make([]int, n)

	for _, id := range g.Nodes() {
		from, _ := part.Of(id)
		for _, callee := range g.Callees(id) {
			to, known := part.Of(callee)
			if !known || to == from {
				continue
			}
			if dependents[to] == nil {
				dependents[to] = make(map[SCCID]struct{})
			}
			if _, dup := dependents[to][from]; !dup {
				dependents[to][from] = struct{}{}
				indegree[from]++
			}
		}
	}

	// Zero in-degree components are leaves: they depend on nothing
	// unprocessed and can be evaluated immediately.
	var ready []SCCID
	for sid := 0; sid < n; sid++ {
		if indegree[sid] == 0 {
			ready = append(ready, SCCID(sid))
		}
	}
	sortReady(part, ready)

	order := make([]SCCID, 0, n)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var released []SCCID
		for dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sortReady(part, released)
		ready = append(ready, released...)
	}

	if len(order) != n {
		return nil, &SchedulerInvariantError{Ordered: len(order), Total: n}
	}
	return order, nil
}

func sortReady(part *SCCPartition, ids []SCCID) {
	sort.Slice(ids, func(i, j int) bool {
		return part.Component(ids[i]).Members[0].Less(part.Component(ids[j]).Members[0])
	})
}
