// Package analyzers provides the language-specific front ends that extract
// functions, call references, and intrinsic purity signals from source
// files.
//
// Analyzers only look at one file at a time; call targets are left as raw
// symbol references and resolved across files by the ingestion pipeline.
package analyzers

import (
	"path/filepath"
	"strings"

	"github.com/puretrace/puretrace/internal/purity"
)

// Call is a raw call reference extracted from a function body, before
// cross-file resolution.
type Call struct {
	// Name is the called function or method name.
	Name string

	// Receiver is the receiver type or object for method calls.
	Receiver string

	// Package is the import path for package-qualified calls.
	Package string

	// Line is the 1-based line of the call site.
	Line int
}

// Symbol returns the display form of the reference, e.g. "strings.Join" or
// "Server.handle".
func (c Call) Symbol() string {
	switch {
	case c.Package != "":
		return c.Package + "." + c.Name
	case c.Receiver != "":
		return c.Receiver + "." + c.Name
	default:
		return c.Name
	}
}

// Function is one extracted function or method.
type Function struct {
	// Name is the qualified name within the file: "handle" for plain
	// functions, "Server.handle" for methods.
	Name string

	// StartLine and EndLine delimit the definition, 1-based inclusive.
	StartLine int
	EndLine   int

	// ContentHash is the xxhash of the definition's source text.
	ContentHash uint64

	// Complexity is the cyclomatic complexity, 0 when the analyzer does
	// not compute it.
	Complexity int

	// Calls are the raw call references found in the body.
	Calls []Call

	// Intrinsic is the purity signal from the body alone.
	Intrinsic purity.IntrinsicResult
}

// FileResult holds everything extracted from one source file.
type FileResult struct {
	// Path is the repository-relative file path.
	Path string

	// Language names the analyzer that produced the result.
	Language string

	// Functions are the definitions found, in source order.
	Functions []Function
}

// Analyzer is the per-language extraction front end.
type Analyzer interface {
	// Analyze extracts functions and intrinsic signals from one file.
	Analyze(path string, content []byte) (*FileResult, error)

	// Language returns the language identifier, e.g. "go".
	Language() string

	// Extensions returns the file extensions handled, with leading dot.
	Extensions() []string
}

// Registry maps file extensions to analyzers.
type Registry struct {
	byExt map[string]Analyzer
	all   []Analyzer
}

// NewRegistry builds a registry over the given analyzers. Languages not in
// enabled are skipped; an empty enabled list admits every analyzer.
func NewRegistry(enabled []string, analyzers ...Analyzer) *Registry {
	allow := make(map[string]bool, len(enabled))
	for _, lang := range enabled {
		allow[strings.ToLower(lang)] = true
	}

	r := &Registry{byExt: make(map[string]Analyzer)}
	for _, a := range analyzers {
		if len(allow) > 0 && !allow[a.Language()] {
			continue
		}
		r.all = append(r.all, a)
		for _, ext := range a.Extensions() {
			r.byExt[ext] = a
		}
	}
	return r
}

// DefaultRegistry returns a registry with every built-in analyzer,
// filtered by the enabled language list.
func DefaultRegistry(enabled []string) *Registry {
	return NewRegistry(enabled, NewGoAnalyzer(), NewPythonAnalyzer())
}

// ForPath returns the analyzer responsible for the file, if any.
func (r *Registry) ForPath(path string) (Analyzer, bool) {
	a, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return a, ok
}

// Analyzers returns the registered analyzers.
func (r *Registry) Analyzers() []Analyzer { return r.all }
