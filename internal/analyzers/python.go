package analyzers

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/puretrace/puretrace/internal/purity"
)

// pythonHeuristicConfidence reflects that the Python front end is
// regex-based rather than a real parser.
const pythonHeuristicConfidence = 0.8

// pureBuiltins are Python builtins dropped from the call list; they carry
// no purity information.
var pureBuiltins = map[string]bool{
	"len": true, "str": true, "int": true, "float": true, "bool": true,
	"abs": true, "min": true, "max": true, "sum": true, "round": true,
	"sorted": true, "reversed": true, "range": true, "enumerate": true,
	"zip": true, "map": true, "filter": true, "list": true, "dict": true,
	"set": true, "tuple": true, "frozenset": true, "isinstance": true,
	"issubclass": true, "all": true, "any": true, "repr": true,
}

// ioCallPrefixes match dotted calls that interact with the environment.
var ioCallPrefixes = []string{
	"os.", "sys.", "subprocess.", "shutil.", "socket.", "requests.",
	"urllib.", "logging.", "sqlite3.", "io.",
}

// nonDeterministicCalls are exact dotted names whose results vary across
// identical invocations.
var nonDeterministicCalls = map[string]bool{
	"time.time":             true,
	"time.monotonic":        true,
	"time.perf_counter":     true,
	"datetime.now":          true,
	"datetime.utcnow":       true,
	"datetime.datetime.now": true,
	"date.today":            true,
	"os.urandom":            true,
	"uuid.uuid1":            true,
	"uuid.uuid4":            true,
}

// nonDeterministicPrefixes match whole modules of non-deterministic calls.
var nonDeterministicPrefixes = []string{"random.", "secrets."}

// ioBuiltins are undotted builtins that perform I/O.
var ioBuiltins = map[string]bool{
	"print": true, "open": true, "input": true,
}

// pythonKeywords must not be mistaken for call names by the call regex.
var pythonKeywords = map[string]bool{
	"def": true, "class": true, "if": true, "elif": true, "for": true,
	"while": true, "with": true, "except": true, "return": true,
	"lambda": true, "assert": true, "yield": true, "not": true, "in": true,
}

// pythonBranchKeywords drive the cyclomatic complexity estimate.
var pythonBranchKeywords = []string{"if ", "elif ", "for ", "while ", "except", " and ", " or "}

// PythonAnalyzer extracts functions from Python source with a line-based
// heuristic scan. A tree-sitter grammar would be more precise; the lowered
// intrinsic confidence accounts for the difference.
type PythonAnalyzer struct {
	funcRegex   *regexp.Regexp
	classRegex  *regexp.Regexp
	callRegex   *regexp.Regexp
	globalRegex *regexp.Regexp
}

// NewPythonAnalyzer creates a Python analyzer.
func NewPythonAnalyzer() *PythonAnalyzer {
	return &PythonAnalyzer{
		funcRegex:   regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+(\w+)\s*\(`),
		classRegex:  regexp.MustCompile(`^(\s*)class\s+(\w+)`),
		callRegex:   regexp.MustCompile(`([A-Za-z_]\w*(?:\.\w+)*)\s*\(`),
		globalRegex: regexp.MustCompile(`^\s*global\s+(\w+)`),
	}
}

// Language returns "python".
func (a *PythonAnalyzer) Language() string { return "python" }

// Extensions returns the handled file extensions.
func (a *PythonAnalyzer) Extensions() []string { return []string{".py"} }

// pyFunc is a function being accumulated during the scan.
type pyFunc struct {
	fn     Function
	indent int
	lines  []string
}

// Analyze scans one Python file line by line, attributing calls and side
// effects to the innermost enclosing def.
func (a *PythonAnalyzer) Analyze(path string, content []byte) (*FileResult, error) {
	result := &FileResult{Path: path, Language: a.Language()}
	lines := strings.Split(string(content), "\n")

	var currentClass string
	classIndent := -1
	var open []*pyFunc

	closeFrom := func(depth int) {
		for len(open) > depth {
			top := open[len(open)-1]
			open = open[:len(open)-1]
			result.Functions = append(result.Functions, a.finish(top))
		}
	}

	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			for _, f := range open {
				f.lines = append(f.lines, line)
			}
			continue
		}
		indent := indentWidth(line)

		// A dedent ends every function nested deeper than this line.
		for len(open) > 0 && indent <= open[len(open)-1].indent {
			closeFrom(len(open) - 1)
		}
		if classIndent >= 0 && indent <= classIndent {
			currentClass = ""
			classIndent = -1
		}

		if m := a.classRegex.FindStringSubmatch(line); m != nil {
			currentClass = m[2]
			classIndent = indent
			continue
		}

		if m := a.funcRegex.FindStringSubmatch(line); m != nil {
			name := m[2]
			if currentClass != "" && len(open) == 0 {
				name = currentClass + "." + name
			}
			open = append(open, &pyFunc{
				fn:     Function{Name: name, StartLine: lineNum},
				indent: indent,
				lines:  []string{line},
			})
			continue
		}

		if len(open) == 0 {
			continue
		}
		inner := open[len(open)-1]
		for _, f := range open {
			f.lines = append(f.lines, line)
		}
		inner.fn.EndLine = lineNum
		a.scanLine(inner, trimmed, lineNum)
	}
	closeFrom(0)

	return result, nil
}

func (a *PythonAnalyzer) scanLine(f *pyFunc, trimmed string, lineNum int) {
	if m := a.globalRegex.FindStringSubmatch(trimmed); m != nil {
		a.effect(f, purity.EffectStateMutation, "declares global "+m[1], lineNum)
		return
	}

	for _, m := range a.callRegex.FindAllStringSubmatch(trimmed, -1) {
		symbol := m[1]
		if pythonKeywords[symbol] {
			continue
		}

		if !strings.Contains(symbol, ".") {
			switch {
			case pureBuiltins[symbol]:
			case ioBuiltins[symbol]:
				a.effect(f, purity.EffectIO, "calls "+symbol, lineNum)
			default:
				f.fn.Calls = append(f.fn.Calls, Call{Name: symbol, Line: lineNum})
			}
			continue
		}

		switch a.classifyDotted(symbol) {
		case stdPure:
		case stdIO:
			a.effect(f, purity.EffectIO, "calls "+symbol, lineNum)
		case stdNonDeterm:
			a.effect(f, purity.EffectNonDeterm, "calls "+symbol, lineNum)
		default:
			receiver, name := splitDotted(symbol)
			if receiver == "self" {
				receiver = ""
			}
			f.fn.Calls = append(f.fn.Calls, Call{Name: name, Receiver: receiver, Line: lineNum})
		}
	}
}

func (a *PythonAnalyzer) classifyDotted(symbol string) stdCallClass {
	if nonDeterministicCalls[symbol] {
		return stdNonDeterm
	}
	for _, prefix := range nonDeterministicPrefixes {
		if strings.HasPrefix(symbol, prefix) {
			return stdNonDeterm
		}
	}
	for _, prefix := range ioCallPrefixes {
		if strings.HasPrefix(symbol, prefix) {
			return stdIO
		}
	}
	if symbol == "time.sleep" {
		return stdIO
	}
	return stdUnknown
}

func (a *PythonAnalyzer) finish(f *pyFunc) Function {
	if f.fn.EndLine == 0 {
		f.fn.EndLine = f.fn.StartLine
	}
	body := strings.Join(f.lines, "\n")
	f.fn.ContentHash = xxhash.Sum64String(body)
	f.fn.Complexity = pythonComplexity(body)
	f.fn.Intrinsic = purity.IntrinsicResult{
		SideEffects: f.fn.Intrinsic.SideEffects,
		Confidence:  pythonHeuristicConfidence,
	}
	return f.fn
}

func (a *PythonAnalyzer) effect(f *pyFunc, kind purity.SideEffectKind, detail string, line int) {
	f.fn.Intrinsic.SideEffects = append(f.fn.Intrinsic.SideEffects, purity.SideEffect{
		Kind:   kind,
		Detail: detail,
		Line:   line,
	})
}

func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

func splitDotted(symbol string) (receiver, name string) {
	idx := strings.LastIndex(symbol, ".")
	return symbol[:idx], symbol[idx+1:]
}

func pythonComplexity(body string) int {
	complexity := 1
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, kw := range pythonBranchKeywords {
			complexity += strings.Count(trimmed+" ", kw)
		}
	}
	return complexity
}
