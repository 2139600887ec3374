// Package storage provides the queryable results index for puretrace.
//
// It defines the Backend protocol that all storage implementations must
// satisfy. The index holds the flattened per-function summaries produced by
// an analysis run, so reporting and the MCP tools can answer queries
// without re-running the engine.
package storage

import (
	"context"
	"sort"

	"github.com/puretrace/puretrace/internal/callgraph"
)

// FunctionSummary is the denormalized per-function record stored in the
// index: identity, classification, and enough adjacency to explain it.
type FunctionSummary struct {
	// ID is the function identity.
	ID callgraph.FunctionID `json:"id"`

	// Language names the analyzer that extracted the function.
	Language string `json:"language"`

	// Level is the propagated classification ("pure", "impure", "unknown").
	Level string `json:"level"`

	// Confidence is the propagated confidence in [floor, 1.0].
	Confidence float64 `json:"confidence"`

	// ReasonKind and ReasonDetail explain the classification.
	ReasonKind   string `json:"reason_kind"`
	ReasonDetail string `json:"reason_detail,omitempty"`

	// Depth is the number of inference levels behind the result.
	Depth int `json:"depth"`

	// Complexity is the cyclomatic complexity of the function body.
	Complexity int `json:"complexity"`

	// EndLine is the last line of the definition.
	EndLine int `json:"end_line"`

	// SideEffects lists the intrinsic violations found in the body.
	SideEffects []string `json:"side_effects,omitempty"`

	// Callees and Callers hold the keys of adjacent functions; unresolved
	// callees appear as their raw symbol.
	Callees []string `json:"callees,omitempty"`
	Callers []string `json:"callers,omitempty"`
}

// Key returns the storage key of the summary.
func (s FunctionSummary) Key() string { return s.ID.Key() }

// Backend is the results index protocol.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Initialize opens or creates the index at path. If readOnly is true
	// the index rejects writes.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// ReplaceAll replaces the entire index with the given summaries.
	ReplaceAll(ctx context.Context, summaries []FunctionSummary) error

	// Upsert inserts or overwrites the given summaries.
	Upsert(ctx context.Context, summaries []FunctionSummary) error

	// RemoveByFile deletes every summary whose function is defined in
	// path and returns how many were removed.
	RemoveByFile(ctx context.Context, path string) (int, error)

	// Get returns the summary stored under key, or nil when absent.
	Get(ctx context.Context, key string) (*FunctionSummary, error)

	// ByFile returns the summaries for functions defined in path,
	// ordered by FunctionID.
	ByFile(ctx context.Context, path string) ([]FunctionSummary, error)

	// ByLevel returns the summaries with the given classification,
	// ordered by FunctionID.
	ByLevel(ctx context.Context, level string) ([]FunctionSummary, error)

	// All returns every summary, ordered by FunctionID.
	All(ctx context.Context) ([]FunctionSummary, error)

	// Count returns the number of stored summaries.
	Count(ctx context.Context) (int, error)
}

func sortSummaries(summaries []FunctionSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID.Less(summaries[j].ID)
	})
}
