package purity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/puretrace/puretrace/internal/callgraph"
)

// CyclePolicy selects how recursive SCCs are classified.
type CyclePolicy string

const (
	// PolicyConservative marks every member of a recursive SCC impure.
	PolicyConservative CyclePolicy = "conservative"

	// PolicyLenient allows a recursive SCC to be pure when no member has
	// an intrinsic side effect and every external dependency is pure.
	PolicyLenient CyclePolicy = "lenient"
)

// Config holds the propagation parameters.
type Config struct {
	// Enabled gates propagation entirely. When false every function gets
	// its intrinsic classification and callees are ignored.
	Enabled bool

	// CyclePolicy selects recursive SCC handling.
	CyclePolicy CyclePolicy

	// ConfidenceDecayPerLevel is multiplied in once per inference level.
	ConfidenceDecayPerLevel float64

	// ConfidenceFloor is the lowest confidence a result can carry. It
	// must be strictly positive so a floored result is distinguishable
	// from missing data.
	ConfidenceFloor float64

	// UnknownDependencyPenalty is multiplied in once per unresolved
	// callee of an otherwise pure function.
	UnknownDependencyPenalty float64

	// RecursionPenalty is multiplied in when a lenient-policy SCC is
	// classified pure despite the recursion.
	RecursionPenalty float64
}

// DefaultConfig returns the propagation defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		CyclePolicy:              PolicyConservative,
		ConfidenceDecayPerLevel:  0.9,
		ConfidenceFloor:          0.5,
		UnknownDependencyPenalty: 0.8,
		RecursionPenalty:         0.7,
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	switch c.CyclePolicy {
	case PolicyConservative, PolicyLenient:
	default:
		return fmt.Errorf("invalid cycle_policy %q", c.CyclePolicy)
	}
	if c.ConfidenceDecayPerLevel <= 0 || c.ConfidenceDecayPerLevel > 1 {
		return fmt.Errorf("confidence_decay_per_level %v outside (0, 1]", c.ConfidenceDecayPerLevel)
	}
	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor %v outside (0, 1]", c.ConfidenceFloor)
	}
	if c.UnknownDependencyPenalty <= 0 || c.UnknownDependencyPenalty > 1 {
		return fmt.Errorf("unknown_dependency_penalty %v outside (0, 1]", c.UnknownDependencyPenalty)
	}
	if c.RecursionPenalty <= 0 || c.RecursionPenalty > 1 {
		return fmt.Errorf("recursion_penalty %v outside (0, 1]", c.RecursionPenalty)
	}
	return nil
}

// cyclicConfidence is the fixed confidence for conservatively classified
// recursive SCCs. Recursion is directly observed structure, so confidence
// stays high regardless of depth.
const cyclicConfidence = 0.95

// ResultCache lets the propagator skip re-deriving results whose inputs
// have not changed. A hit requires the function's content hash, its
// dependency-results hash, and the defining file's mtime to all match the
// stored entry.
type ResultCache interface {
	Get(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64) (PropertyResult, bool)
	Put(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64, res PropertyResult)
}

// Propagator folds intrinsic results over the SCC schedule into final
// per-function classifications.
type Propagator struct {
	cfg    Config
	cache  ResultCache
	logger *slog.Logger
}

// NewPropagator creates a Propagator. cache may be nil to disable result
// caching; a nil logger defaults to slog.Default().
func NewPropagator(cfg Config, cache ResultCache, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{cfg: cfg, cache: cache, logger: logger}
}

// Propagate classifies every node of g. Functions missing from intrinsics,
// or whose intrinsic analysis failed, degrade to UnknownLevel without
// aborting the batch.
//
// Cancellation is checked between components; on cancellation the partial
// results computed so far are returned together with ctx.Err().
func (p *Propagator) Propagate(
	ctx context.Context,
	g *callgraph.CallGraph,
	intrinsics map[callgraph.FunctionID]IntrinsicResult,
) (map[callgraph.FunctionID]PropertyResult, error) {
	results := make(map[callgraph.FunctionID]PropertyResult, g.NodeCount())

	if !p.cfg.Enabled {
		for _, id := range g.Nodes() {
			results[id] = p.intrinsicOnly(intrinsics[id])
		}
		return results, nil
	}

	part := callgraph.DetectSCCs(g)
	order, err := callgraph.Schedule(g, part)
	if err != nil {
		return nil, err
	}

	for _, sid := range order {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("propagation cancelled",
				"classified", len(results), "total", g.NodeCount())
			return results, err
		}

		comp := part.Component(sid)
		if comp.IsCycle {
			p.classifyCycle(g, part, comp, intrinsics, results)
			continue
		}
		id := comp.Members[0]
		results[id] = p.classifyAcyclic(g, id, intrinsics[id], results)
	}
	return results, nil
}

// intrinsicOnly maps an intrinsic result directly to a final one,
// ignoring callees.
func (p *Propagator) intrinsicOnly(in IntrinsicResult) PropertyResult {
	if in.Err != nil || in.Confidence == 0 {
		return PropertyResult{
			Level:      UnknownLevel,
			Confidence: p.cfg.ConfidenceFloor,
			Reason:     Reason{Kind: ReasonIntrinsic},
		}
	}
	if in.HasSideEffect() {
		return PropertyResult{
			Level:      Impure,
			Confidence: p.floor(in.Confidence),
			Reason:     Reason{Kind: ReasonSideEffect, Detail: in.FirstDetail()},
		}
	}
	return PropertyResult{
		Level:      Pure,
		Confidence: p.floor(in.Confidence),
		Reason:     Reason{Kind: ReasonIntrinsic},
	}
}

// classifyAcyclic handles a non-recursive singleton component. Every
// resolved callee already has a result because the schedule lists callees
// first.
func (p *Propagator) classifyAcyclic(
	g *callgraph.CallGraph,
	id callgraph.FunctionID,
	in IntrinsicResult,
	results map[callgraph.FunctionID]PropertyResult,
) PropertyResult {
	if in.Err != nil || in.Confidence == 0 {
		// Not cached: a transient analyzer failure should not pin
		// UnknownLevel past the next run.
		return PropertyResult{
			Level:      UnknownLevel,
			Confidence: p.cfg.ConfidenceFloor,
			Reason:     Reason{Kind: ReasonIntrinsic},
		}
	}

	deps, unknowns := p.dependencies(g, id, nil, results)
	depsHash := hashDeps(deps, unknowns)

	rec, _ := g.Record(id)
	if p.cache != nil {
		if cached, ok := p.cache.Get(id, rec.ContentHash, depsHash, rec.Mtime); ok {
			return cached
		}
	}

	res := p.derive(in, deps, unknowns)
	if p.cache != nil {
		p.cache.Put(id, rec.ContentHash, depsHash, rec.Mtime, res)
	}
	return res
}

// derive merges the intrinsic signal with already-classified dependencies.
func (p *Propagator) derive(in IntrinsicResult, deps []depResult, unknowns int) PropertyResult {
	if in.HasSideEffect() {
		return PropertyResult{
			Level:      Impure,
			Confidence: p.floor(in.Confidence),
			Reason:     Reason{Kind: ReasonSideEffect, Detail: in.FirstDetail()},
		}
	}

	// Impurity dominates: one impure callee makes the caller impure no
	// matter what the rest look like.
	for _, d := range deps {
		if d.res.Level == Impure {
			return PropertyResult{
				Level:      Impure,
				Confidence: p.floor(d.res.Confidence * p.cfg.ConfidenceDecayPerLevel),
				Reason: Reason{
					Kind:   ReasonSideEffect,
					Detail: "calls impure " + d.id.Key(),
				},
				Depth: d.res.Depth + 1,
			}
		}
	}

	maxDepth := -1
	conf := in.Confidence
	for _, d := range deps {
		if d.res.Level == UnknownLevel {
			// An unclassifiable callee weakens the caller the same
			// way an unresolved one does.
			unknowns++
			continue
		}
		if d.res.Depth > maxDepth {
			maxDepth = d.res.Depth
		}
	}

	reason := Reason{Kind: ReasonIntrinsic}
	depth := 0
	if maxDepth >= 0 {
		depth = maxDepth + 1
		conf *= math.Pow(p.cfg.ConfidenceDecayPerLevel, float64(depth))
		reason = Reason{Kind: ReasonPropagated, Depth: depth}
	}
	if unknowns > 0 {
		conf *= math.Pow(p.cfg.UnknownDependencyPenalty, float64(unknowns))
		reason = Reason{Kind: ReasonUnknownDeps, UnknownCount: unknowns}
	}
	return PropertyResult{
		Level:      Pure,
		Confidence: p.floor(conf),
		Reason:     reason,
		Depth:      depth,
	}
}

// classifyCycle classifies every member of a recursive SCC. Cyclic
// components bypass the result cache: member results depend on each other,
// so a per-function dependency hash cannot capture their inputs.
func (p *Propagator) classifyCycle(
	g *callgraph.CallGraph,
	part *callgraph.SCCPartition,
	comp callgraph.Component,
	intrinsics map[callgraph.FunctionID]IntrinsicResult,
	results map[callgraph.FunctionID]PropertyResult,
) {
	inSCC := make(map[callgraph.FunctionID]struct{}, len(comp.Members))
	for _, m := range comp.Members {
		inSCC[m] = struct{}{}
	}

	withEffects := false
	analyzable := true
	minConf := 1.0
	for _, m := range comp.Members {
		in := intrinsics[m]
		if in.Err != nil || in.Confidence == 0 {
			analyzable = false
			continue
		}
		if in.HasSideEffect() {
			withEffects = true
		}
		if in.Confidence < minConf {
			minConf = in.Confidence
		}
	}

	if p.cfg.CyclePolicy == PolicyLenient && analyzable && !withEffects {
		if res, ok := p.lenientCycleResult(g, comp, inSCC, minConf, results); ok {
			for _, m := range comp.Members {
				results[m] = res
			}
			return
		}
	}

	impure := PropertyResult{
		Level:      Impure,
		Confidence: cyclicConfidence,
		Reason:     Reason{Kind: ReasonCyclic, WithSideEffects: withEffects},
	}
	for _, m := range comp.Members {
		results[m] = impure
	}
}

// lenientCycleResult computes the shared pure result for a side-effect-free
// SCC, or reports false when an external dependency is impure, unknown, or
// unresolved.
func (p *Propagator) lenientCycleResult(
	g *callgraph.CallGraph,
	comp callgraph.Component,
	inSCC map[callgraph.FunctionID]struct{},
	minConf float64,
	results map[callgraph.FunctionID]PropertyResult,
) (PropertyResult, bool) {
	maxExtDepth := -1
	for _, m := range comp.Members {
		deps, unknowns := p.dependencies(g, m, inSCC, results)
		if unknowns > 0 {
			return PropertyResult{}, false
		}
		for _, d := range deps {
			if d.res.Level != Pure {
				return PropertyResult{}, false
			}
			if d.res.Depth > maxExtDepth {
				maxExtDepth = d.res.Depth
			}
		}
	}

	depth := 1
	if maxExtDepth >= 0 {
		depth = maxExtDepth + 1
	}
	conf := minConf * p.cfg.RecursionPenalty *
		math.Pow(p.cfg.ConfidenceDecayPerLevel, float64(depth))
	return PropertyResult{
		Level:      Pure,
		Confidence: p.floor(conf),
		Reason:     Reason{Kind: ReasonCyclic, WithSideEffects: false},
		Depth:      depth,
	}, true
}

// depResult pairs a dependency with its already-computed classification.
type depResult struct {
	id  callgraph.FunctionID
	res PropertyResult
}

// dependencies collects the classified callees of id, skipping members of
// skip (the caller's own SCC). The second return value counts unresolved
// callee references plus resolved references to functions absent from the
// graph.
func (p *Propagator) dependencies(
	g *callgraph.CallGraph,
	id callgraph.FunctionID,
	skip map[callgraph.FunctionID]struct{},
	results map[callgraph.FunctionID]PropertyResult,
) ([]depResult, int) {
	rec, _ := g.Record(id)
	unknowns := 0
	seen := make(map[callgraph.FunctionID]struct{})
	var deps []depResult

	for _, ref := range rec.Callees {
		if !ref.Resolved {
			unknowns++
			continue
		}
		target := ref.Target
		if target == id {
			continue
		}
		if skip != nil {
			if _, own := skip[target]; own {
				continue
			}
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}

		res, ok := results[target]
		if !ok {
			// Resolved to a function that is not in the graph.
			unknowns++
			continue
		}
		deps = append(deps, depResult{id: target, res: res})
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].id.Less(deps[j].id) })
	return deps, unknowns
}

func (p *Propagator) floor(conf float64) float64 {
	if conf < p.cfg.ConfidenceFloor {
		return p.cfg.ConfidenceFloor
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// hashDeps digests the classification of every dependency plus the
// unresolved-callee count. Confidence is quantized to four decimals so
// float formatting noise cannot flip a cache key.
func hashDeps(deps []depResult, unknowns int) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "u=%d;", unknowns)
	for _, d := range deps {
		fmt.Fprintf(h, "%s=%s/%.4f/%d;",
			d.id.Key(), d.res.Level, d.res.Confidence, d.res.Depth)
	}
	return h.Sum64()
}
