package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puretrace/puretrace/internal/purity"
)

func analyzeGo(t *testing.T, src string) *FileResult {
	t.Helper()
	result, err := NewGoAnalyzer().Analyze("main.go", []byte(src))
	require.NoError(t, err)
	return result
}

func findFunc(t *testing.T, result *FileResult, name string) Function {
	t.Helper()
	for _, fn := range result.Functions {
		if fn.Name == name {
			return fn
		}
	}
	t.Fatalf("function %q not found", name)
	return Function{}
}

func TestGoAnalyzer_Basics(t *testing.T) {
	t.Parallel()

	result := analyzeGo(t, `package main

func add(a, b int) int {
	return a + b
}

type Server struct{}

func (s *Server) handle() {
	s.respond()
}

func (s *Server) respond() {}
`)

	require.Len(t, result.Functions, 3)

	add := findFunc(t, result, "add")
	assert.Equal(t, 3, add.StartLine)
	assert.Equal(t, 5, add.EndLine)
	assert.NotZero(t, add.ContentHash)
	assert.Empty(t, add.Calls)
	assert.False(t, add.Intrinsic.HasSideEffect())
	assert.Equal(t, 1.0, add.Intrinsic.Confidence)

	handle := findFunc(t, result, "Server.handle")
	require.Len(t, handle.Calls, 1)
	assert.Equal(t, "respond", handle.Calls[0].Name)
	// The receiver variable is resolved to its declared type.
	assert.Equal(t, "Server", handle.Calls[0].Receiver)
}

func TestGoAnalyzer_ContentHashTracksBody(t *testing.T) {
	t.Parallel()

	before := findFunc(t, analyzeGo(t, "package main\n\nfunc f() int { return 1 }\n"), "f")
	after := findFunc(t, analyzeGo(t, "package main\n\nfunc f() int { return 2 }\n"), "f")
	same := findFunc(t, analyzeGo(t, "package main\n\nfunc f() int { return 1 }\n"), "f")

	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.ContentHash, same.ContentHash)
}

func TestGoAnalyzer_SideEffects(t *testing.T) {
	t.Parallel()

	t.Run("IOCall", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "fmt"

func greet(name string) {
	fmt.Println("hello", name)
}
`), "greet")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectIO, fn.Intrinsic.SideEffects[0].Kind)
		assert.Equal(t, "calls fmt.Println", fn.Intrinsic.SideEffects[0].Detail)
		assert.Equal(t, 6, fn.Intrinsic.SideEffects[0].Line)
	})

	t.Run("PureFmtFunctionsAreNot", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "fmt"

func describe(n int) string {
	return fmt.Sprintf("n=%d", n)
}
`), "describe")

		assert.False(t, fn.Intrinsic.HasSideEffect())
		assert.Empty(t, fn.Calls)
	})

	t.Run("NonDeterministicClock", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "time"

func stamp() int64 {
	return time.Now().Unix()
}
`), "stamp")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectNonDeterm, fn.Intrinsic.SideEffects[0].Kind)
	})

	t.Run("NonDeterministicRand", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "math/rand"

func roll() int {
	return rand.Intn(6)
}
`), "roll")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectNonDeterm, fn.Intrinsic.SideEffects[0].Kind)
	})

	t.Run("PackageVariableWrite", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

var counter int

func bump() {
	counter++
}
`), "bump")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectStateMutation, fn.Intrinsic.SideEffects[0].Kind)
		assert.Contains(t, fn.Intrinsic.SideEffects[0].Detail, "counter")
	})

	t.Run("ChannelSend", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

func send(ch chan int) {
	ch <- 1
}
`), "send")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectStateMutation, fn.Intrinsic.SideEffects[0].Kind)
	})

	t.Run("GoroutineLaunch", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

func spawn(work func()) {
	go work()
}
`), "spawn")

		require.True(t, fn.Intrinsic.HasSideEffect())
		assert.Equal(t, purity.EffectImpureCall, fn.Intrinsic.SideEffects[0].Kind)
	})
}

func TestGoAnalyzer_CallExtraction(t *testing.T) {
	t.Parallel()

	t.Run("PureStdlibCallsDropped", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "strings"

func shout(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
`), "shout")

		assert.Empty(t, fn.Calls)
		assert.False(t, fn.Intrinsic.HasSideEffect())
	})

	t.Run("LocalCallsKept", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

func a() { b(); c() }
func b() {}
func c() {}
`), "a")

		require.Len(t, fn.Calls, 2)
		assert.Equal(t, "b", fn.Calls[0].Name)
		assert.Equal(t, "c", fn.Calls[1].Name)
	})

	t.Run("ThirdPartyCallsKeepPackagePath", func(t *testing.T) {
		t.Parallel()
		fn := findFunc(t, analyzeGo(t, `package main

import "example.com/lib/widget"

func build() {
	widget.New()
}
`), "build")

		require.Len(t, fn.Calls, 1)
		assert.Equal(t, "New", fn.Calls[0].Name)
		assert.Equal(t, "example.com/lib/widget", fn.Calls[0].Package)
	})
}

func TestGoAnalyzer_Complexity(t *testing.T) {
	t.Parallel()

	result := analyzeGo(t, `package main

func straight() int { return 1 }

func branchy(n int) int {
	if n > 10 {
		return 10
	}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			n++
		}
	}
	return n
}
`)

	assert.Equal(t, 1, findFunc(t, result, "straight").Complexity)
	assert.Equal(t, 4, findFunc(t, result, "branchy").Complexity)
}

func TestGoAnalyzer_ParseError(t *testing.T) {
	t.Parallel()

	_, err := NewGoAnalyzer().Analyze("broken.go", []byte("package main\n\nfunc {{{"))
	assert.Error(t, err)
}

func TestGoAnalyzer_SkipsBodylessDecls(t *testing.T) {
	t.Parallel()

	result := analyzeGo(t, `package main

func external() int

type I interface {
	Method()
}
`)

	assert.Empty(t, result.Functions)
}
