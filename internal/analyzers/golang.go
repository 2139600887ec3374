package analyzers

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fzipp/gocyclo"

	"github.com/puretrace/puretrace/internal/purity"
)

// purePackages are standard library packages whose exported functions are
// value-in/value-out. Calls into them are neither side effects nor unknown
// dependencies, so they are dropped from the call list entirely.
var purePackages = map[string]bool{
	"strings":      true,
	"strconv":      true,
	"unicode":      true,
	"unicode/utf8": true,
	"math":         true,
	"math/bits":    true,
	"errors":       true,
	"path":         true,
}

// ioPackages are standard library packages whose use implies I/O or other
// environment interaction.
var ioPackages = map[string]bool{
	"os":           true,
	"os/exec":      true,
	"io":           true,
	"io/fs":        true,
	"bufio":        true,
	"net":          true,
	"net/http":     true,
	"log":          true,
	"log/slog":     true,
	"database/sql": true,
	"syscall":      true,
}

// nonDeterministicPackages yield different results across identical calls.
var nonDeterministicPackages = map[string]bool{
	"math/rand":    true,
	"math/rand/v2": true,
	"crypto/rand":  true,
}

// nonDeterministicTimeFuncs are the clock readers in package time;
// the rest of the package (durations, formatting) is pure.
var nonDeterministicTimeFuncs = map[string]bool{
	"Now":   true,
	"Since": true,
	"Until": true,
}

// pureFmtFuncs are the formatting-only entry points of package fmt. All
// other fmt functions touch a stream.
var pureFmtFuncs = map[string]bool{
	"Sprintf":  true,
	"Sprint":   true,
	"Sprintln": true,
	"Errorf":   true,
}

// GoAnalyzer extracts functions from Go source using go/parser.
type GoAnalyzer struct{}

// NewGoAnalyzer creates a Go analyzer.
func NewGoAnalyzer() *GoAnalyzer {
	return &GoAnalyzer{}
}

// Language returns "go".
func (a *GoAnalyzer) Language() string { return "go" }

// Extensions returns the handled file extensions.
func (a *GoAnalyzer) Extensions() []string { return []string{".go"} }

// Analyze parses one Go file and extracts every function and method with
// its call references and intrinsic purity signal.
func (a *GoAnalyzer) Analyze(path string, content []byte) (*FileResult, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parsing Go source: %w", err)
	}

	fileCtx := goFileContext{
		imports:    importAliases(file),
		globals:    packageVarNames(file),
		receivers:  receiverVarTypes(file),
		complexity: complexityByLine(file, fset),
	}

	result := &FileResult{Path: path, Language: a.Language()}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		result.Functions = append(result.Functions, a.analyzeFunc(fn, fset, content, fileCtx))
	}
	return result, nil
}

// goFileContext is the file-level information each function scan needs.
type goFileContext struct {
	// imports maps local alias to import path.
	imports map[string]string

	// globals holds the package-level variable names declared in this
	// file. Assignment to one of them is a state mutation.
	globals map[string]bool

	// receivers maps receiver variable names to their type, so a call on
	// the receiver resolves to "Type.method" instead of the variable.
	receivers map[string]string

	// complexity maps a function's starting line to its cyclomatic
	// complexity.
	complexity map[int]int
}

func (a *GoAnalyzer) analyzeFunc(fn *ast.FuncDecl, fset *token.FileSet, content []byte, fileCtx goFileContext) Function {
	start := fset.Position(fn.Pos())
	end := fset.Position(fn.End())

	out := Function{
		Name:      qualifiedFuncName(fn),
		StartLine: start.Line,
		EndLine:   end.Line,
	}
	if start.Offset >= 0 && end.Offset <= len(content) {
		out.ContentHash = xxhash.Sum64(content[start.Offset:end.Offset])
	}
	out.Complexity = fileCtx.complexity[start.Line]

	scan := &goBodyScan{fset: fset, fileCtx: fileCtx}
	ast.Inspect(fn.Body, scan.visit)

	out.Calls = scan.calls
	out.Intrinsic = purity.IntrinsicResult{
		SideEffects: scan.effects,
		Confidence:  1.0,
	}
	return out
}

// goBodyScan walks one function body collecting call references and
// intrinsic side effects.
type goBodyScan struct {
	fset    *token.FileSet
	fileCtx goFileContext
	calls   []Call
	effects []purity.SideEffect
}

func (s *goBodyScan) visit(n ast.Node) bool {
	switch node := n.(type) {
	case *ast.CallExpr:
		s.visitCall(node)
	case *ast.AssignStmt:
		for _, lhs := range node.Lhs {
			s.checkGlobalWrite(lhs, node.Pos())
		}
	case *ast.IncDecStmt:
		s.checkGlobalWrite(node.X, node.Pos())
	case *ast.SendStmt:
		s.effect(purity.EffectStateMutation, "sends on channel", node.Pos())
	case *ast.GoStmt:
		s.effect(purity.EffectImpureCall, "starts goroutine", node.Pos())
	}
	return true
}

func (s *goBodyScan) visitCall(call *ast.CallExpr) {
	line := s.fset.Position(call.Pos()).Line

	switch fun := call.Fun.(type) {
	case *ast.Ident:
		if fun.Name == "print" || fun.Name == "println" {
			s.effect(purity.EffectIO, "calls builtin "+fun.Name, call.Pos())
			return
		}
		s.calls = append(s.calls, Call{Name: fun.Name, Line: line})

	case *ast.SelectorExpr:
		name := fun.Sel.Name
		qualifier, ok := fun.X.(*ast.Ident)
		if !ok {
			// Chained call like a.b().c(); keep the method name so the
			// resolver can try a same-repo match.
			s.calls = append(s.calls, Call{Name: name, Line: line})
			return
		}

		pkgPath, isPkg := s.fileCtx.imports[qualifier.Name]
		if !isPkg {
			receiver := qualifier.Name
			if typeName, ok := s.fileCtx.receivers[receiver]; ok {
				receiver = typeName
			}
			s.calls = append(s.calls, Call{Name: name, Receiver: receiver, Line: line})
			return
		}

		switch s.classifyStdCall(pkgPath, name) {
		case stdPure:
			// Contributes nothing to the graph.
		case stdIO:
			s.effect(purity.EffectIO, "calls "+displayName(pkgPath, name), call.Pos())
		case stdNonDeterm:
			s.effect(purity.EffectNonDeterm, "calls "+displayName(pkgPath, name), call.Pos())
		default:
			s.calls = append(s.calls, Call{Name: name, Package: pkgPath, Line: line})
		}
	}
}

type stdCallClass int

const (
	stdUnknown stdCallClass = iota
	stdPure
	stdIO
	stdNonDeterm
)

func (s *goBodyScan) classifyStdCall(pkgPath, name string) stdCallClass {
	switch {
	case purePackages[pkgPath]:
		return stdPure
	case ioPackages[pkgPath]:
		return stdIO
	case nonDeterministicPackages[pkgPath]:
		return stdNonDeterm
	case pkgPath == "time":
		if nonDeterministicTimeFuncs[name] {
			return stdNonDeterm
		}
		return stdPure
	case pkgPath == "fmt":
		if pureFmtFuncs[name] {
			return stdPure
		}
		return stdIO
	default:
		return stdUnknown
	}
}

func (s *goBodyScan) checkGlobalWrite(expr ast.Expr, pos token.Pos) {
	ident, ok := expr.(*ast.Ident)
	if !ok || !s.fileCtx.globals[ident.Name] {
		return
	}
	s.effect(purity.EffectStateMutation, "writes package variable "+ident.Name, pos)
}

func (s *goBodyScan) effect(kind purity.SideEffectKind, detail string, pos token.Pos) {
	s.effects = append(s.effects, purity.SideEffect{
		Kind:   kind,
		Detail: detail,
		Line:   s.fset.Position(pos).Line,
	})
}

func qualifiedFuncName(fn *ast.FuncDecl) string {
	recv := receiverTypeName(fn)
	if recv == "" {
		return fn.Name.Name
	}
	return recv + "." + fn.Name.Name
}

func receiverTypeName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	switch t := fn.Recv.List[0].Type.(type) {
	case *ast.StarExpr:
		if ident, ok := t.X.(*ast.Ident); ok {
			return ident.Name
		}
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func importAliases(file *ast.File) map[string]string {
	aliases := make(map[string]string, len(file.Imports))
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if imp.Name != nil {
			if imp.Name.Name == "_" || imp.Name.Name == "." {
				continue
			}
			aliases[imp.Name.Name] = path
			continue
		}
		parts := strings.Split(path, "/")
		aliases[parts[len(parts)-1]] = path
	}
	return aliases
}

func receiverVarTypes(file *ast.File) map[string]string {
	types := make(map[string]string)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || len(fn.Recv.List) == 0 {
			continue
		}
		typeName := receiverTypeName(fn)
		if typeName == "" {
			continue
		}
		recv := fn.Recv.List[0]
		if len(recv.Names) > 0 && recv.Names[0] != nil {
			types[recv.Names[0].Name] = typeName
		}
	}
	return types
}

func packageVarNames(file *ast.File) map[string]bool {
	globals := make(map[string]bool)
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.VAR {
			continue
		}
		for _, spec := range gen.Specs {
			if vs, ok := spec.(*ast.ValueSpec); ok {
				for _, name := range vs.Names {
					globals[name.Name] = true
				}
			}
		}
	}
	return globals
}

func complexityByLine(file *ast.File, fset *token.FileSet) map[int]int {
	stats := gocyclo.AnalyzeASTFile(file, fset, nil)
	byLine := make(map[int]int, len(stats))
	for _, stat := range stats {
		byLine[stat.Pos.Line] = stat.Complexity
	}
	return byLine
}

func displayName(pkgPath, name string) string {
	parts := strings.Split(pkgPath, "/")
	return parts[len(parts)-1] + "." + name
}
