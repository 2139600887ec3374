package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/puretrace/puretrace/internal/analyzers"
	"github.com/puretrace/puretrace/internal/cache"
	"github.com/puretrace/puretrace/internal/callgraph"
	"github.com/puretrace/puretrace/internal/config"
	"github.com/puretrace/puretrace/internal/purity"
	"github.com/puretrace/puretrace/internal/storage"
)

// RunStats summarizes one pipeline run.
type RunStats struct {
	Files      int
	Functions  int
	Unresolved int
	Cycles     int

	Pure    int
	Impure  int
	Unknown int

	CacheHits   int
	CacheMisses int

	Duration time.Duration
}

// Snapshot is the full outcome of one analysis run.
type Snapshot struct {
	// Graph is the call graph the run was computed over.
	Graph *callgraph.CallGraph

	// Results maps every function to its propagated classification.
	Results map[callgraph.FunctionID]purity.PropertyResult

	// Summaries are the flattened records loaded into the results index.
	Summaries []storage.FunctionSummary

	// Diagnostics are the non-fatal anomalies seen while building the
	// graph.
	Diagnostics []callgraph.Diagnostic

	// Stats are the run counters.
	Stats RunStats
}

// Pipeline wires discovery, analysis, propagation, cache, and the results
// index into one runnable unit.
type Pipeline struct {
	root     string
	cfg      config.Config
	registry *analyzers.Registry
	store    storage.Backend
	cache    *cache.Cache
	logger   *slog.Logger
}

// New creates a pipeline rooted at root. store and resultCache may be nil;
// a nil logger defaults to slog.Default().
func New(root string, cfg config.Config, store storage.Backend, resultCache *cache.Cache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		root:     root,
		cfg:      cfg,
		registry: analyzers.DefaultRegistry(cfg.Analysis.Languages),
		store:    store,
		cache:    resultCache,
		logger:   logger,
	}
}

// Run executes the full pipeline: walk, analyze, resolve, build, propagate,
// persist. On context cancellation the partially classified results are
// discarded and ctx.Err() is returned.
func (p *Pipeline) Run(ctx context.Context) (*Snapshot, error) {
	started := time.Now()

	entries, err := WalkRepo(p.root, p.registry, p.cfg.Analysis.Ignore)
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", p.root, err)
	}
	p.logger.Debug("walk complete", "files", len(entries))

	files, err := p.analyzeAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	mtimes := make(map[string]int64, len(entries))
	for _, e := range entries {
		mtimes[e.RelPath] = e.Mtime
	}
	records, intrinsics, metas := Resolve(files, mtimes)

	builder := callgraph.NewBuilder(p.logger)
	builder.AddAll(records)
	graph := builder.Graph()

	propagator := purity.NewPropagator(p.cfg.PropagatorConfig(), p.resultCache(), p.logger)
	results, err := propagator.Propagate(ctx, graph, intrinsics)
	if err != nil {
		return nil, err
	}

	summaries := buildSummaries(graph, results, metas)
	if p.store != nil {
		if err := p.store.ReplaceAll(ctx, summaries); err != nil {
			return nil, fmt.Errorf("loading results index: %w", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Save(); err != nil {
			// A stale cache only costs recomputation next run.
			p.logger.Warn("saving cache failed", "error", err)
		}
	}

	snap := &Snapshot{
		Graph:       graph,
		Results:     results,
		Summaries:   summaries,
		Diagnostics: builder.Diagnostics(),
		Stats:       p.stats(len(entries), graph, records, results, started),
	}
	p.logger.Info("analysis complete",
		"files", snap.Stats.Files,
		"functions", snap.Stats.Functions,
		"pure", snap.Stats.Pure,
		"impure", snap.Stats.Impure,
		"duration", snap.Stats.Duration)
	return snap, nil
}

// InvalidateFiles drops the cached results and index entries for the given
// repo-relative paths, ahead of a re-run.
func (p *Pipeline) InvalidateFiles(ctx context.Context, relPaths []string) {
	for _, rel := range relPaths {
		if p.cache != nil {
			p.cache.InvalidateFile(rel)
		}
		if p.store != nil {
			if _, err := p.store.RemoveByFile(ctx, rel); err != nil {
				p.logger.Warn("removing index entries failed", "file", rel, "error", err)
			}
		}
	}
}

// Registry returns the analyzer registry the pipeline runs with.
func (p *Pipeline) Registry() *analyzers.Registry { return p.registry }

// analyzeAll runs the language analyzers over all entries with bounded
// parallelism. A file that fails to parse is logged and skipped; its
// callers see unresolved references.
func (p *Pipeline) analyzeAll(ctx context.Context, entries []FileEntry) ([]*analyzers.FileResult, error) {
	results := make([]*analyzers.FileResult, len(entries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, entry := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			analyzer, ok := p.registry.ForPath(entry.Path)
			if !ok {
				return nil
			}
			res, err := analyzer.Analyze(entry.RelPath, entry.Content)
			if err != nil {
				p.logger.Warn("analysis failed, skipping file", "file", entry.RelPath, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// resultCache adapts the possibly-nil cache to the propagator's interface.
// A typed nil inside a non-nil interface would defeat the propagator's nil
// check.
func (p *Pipeline) resultCache() purity.ResultCache {
	if p.cache == nil {
		return nil
	}
	return p.cache
}

func (p *Pipeline) stats(
	fileCount int,
	graph *callgraph.CallGraph,
	records []callgraph.FunctionRecord,
	results map[callgraph.FunctionID]purity.PropertyResult,
	started time.Time,
) RunStats {
	stats := RunStats{
		Files:     fileCount,
		Functions: graph.NodeCount(),
		Duration:  time.Since(started),
	}
	for _, rec := range records {
		for _, ref := range rec.Callees {
			if !ref.Resolved {
				stats.Unresolved++
			}
		}
	}
	for _, res := range results {
		switch res.Level {
		case purity.Pure:
			stats.Pure++
		case purity.Impure:
			stats.Impure++
		default:
			stats.Unknown++
		}
		if res.Reason.Kind == purity.ReasonCyclic {
			stats.Cycles++
		}
	}
	if p.cache != nil {
		cs := p.cache.Stats()
		stats.CacheHits = cs.Hits
		stats.CacheMisses = cs.Misses
	}
	return stats
}

// buildSummaries flattens the run into index records.
func buildSummaries(
	graph *callgraph.CallGraph,
	results map[callgraph.FunctionID]purity.PropertyResult,
	metas map[callgraph.FunctionID]FunctionMeta,
) []storage.FunctionSummary {
	summaries := make([]storage.FunctionSummary, 0, graph.NodeCount())
	for _, id := range graph.Nodes() {
		res := results[id]
		meta := metas[id]

		s := storage.FunctionSummary{
			ID:           id,
			Language:     meta.Language,
			Level:        string(res.Level),
			Confidence:   res.Confidence,
			ReasonKind:   string(res.Reason.Kind),
			ReasonDetail: res.Reason.Detail,
			Depth:        res.Depth,
			Complexity:   meta.Complexity,
			EndLine:      meta.EndLine,
		}
		for _, eff := range meta.SideEffects {
			s.SideEffects = append(s.SideEffects, fmt.Sprintf("%s: %s (line %d)", eff.Kind, eff.Detail, eff.Line))
		}
		if rec, ok := graph.Record(id); ok {
			for _, ref := range rec.Callees {
				if ref.Resolved {
					s.Callees = append(s.Callees, ref.Target.Key())
				} else {
					s.Callees = append(s.Callees, ref.Symbol)
				}
			}
			sort.Strings(s.Callees)
		}
		for _, caller := range graph.Callers(id) {
			s.Callers = append(s.Callers, caller.Key())
		}
		summaries = append(summaries, s)
	}
	return summaries
}
