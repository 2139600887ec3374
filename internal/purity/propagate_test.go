package purity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puretrace/puretrace/internal/callgraph"
)

func fid(file, name string) callgraph.FunctionID {
	return callgraph.FunctionID{File: file, Name: name, Line: 1}
}

func pureIntrinsic() IntrinsicResult {
	return IntrinsicResult{Confidence: 1.0}
}

func impureIntrinsic(detail string) IntrinsicResult {
	return IntrinsicResult{
		SideEffects: []SideEffect{{Kind: EffectIO, Detail: detail}},
		Confidence:  1.0,
	}
}

// world assembles a graph plus intrinsic results for propagator tests.
type world struct {
	builder    *callgraph.Builder
	intrinsics map[callgraph.FunctionID]IntrinsicResult
}

func newWorld() *world {
	return &world{
		builder:    callgraph.NewBuilder(nil),
		intrinsics: make(map[callgraph.FunctionID]IntrinsicResult),
	}
}

func (w *world) fn(id callgraph.FunctionID, in IntrinsicResult, callees ...callgraph.CalleeRef) {
	w.builder.Add(callgraph.FunctionRecord{ID: id, Callees: callees})
	w.intrinsics[id] = in
}

func (w *world) propagate(t *testing.T, cfg Config) map[callgraph.FunctionID]PropertyResult {
	t.Helper()
	p := NewPropagator(cfg, nil, nil)
	results, err := p.Propagate(context.Background(), w.builder.Graph(), w.intrinsics)
	require.NoError(t, err)
	return results
}

func TestPropagate_PureLeaf(t *testing.T) {
	t.Parallel()

	w := newWorld()
	leaf := fid("a.go", "leaf")
	w.fn(leaf, pureIntrinsic())

	res := w.propagate(t, DefaultConfig())[leaf]

	assert.Equal(t, Pure, res.Level)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, ReasonIntrinsic, res.Reason.Kind)
	assert.Equal(t, 0, res.Depth)
}

func TestPropagate_IntrinsicSideEffect(t *testing.T) {
	t.Parallel()

	w := newWorld()
	f := fid("a.go", "writesFile")
	w.fn(f, impureIntrinsic("calls os.WriteFile"))

	res := w.propagate(t, DefaultConfig())[f]

	assert.Equal(t, Impure, res.Level)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, ReasonSideEffect, res.Reason.Kind)
	assert.Equal(t, "calls os.WriteFile", res.Reason.Detail)
}

// The add/calc pairing: a pure leaf and a caller one level up.
func TestPropagate_SingleDecayStep(t *testing.T) {
	t.Parallel()

	w := newWorld()
	add := fid("math.go", "add")
	calc := fid("math.go", "calc")
	w.fn(add, pureIntrinsic())
	w.fn(calc, pureIntrinsic(), callgraph.ResolvedRef(add))

	results := w.propagate(t, DefaultConfig())

	assert.Equal(t, Pure, results[add].Level)
	assert.Equal(t, 1.0, results[add].Confidence)

	res := results[calc]
	assert.Equal(t, Pure, res.Level)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, ReasonPropagated, res.Reason.Kind)
	assert.Equal(t, 1, res.Reason.Depth)
}

func TestPropagate_MonotonicDecayChain(t *testing.T) {
	t.Parallel()

	w := newWorld()
	levels := make([]callgraph.FunctionID, 4)
	for i := range levels {
		levels[i] = fid("chain.go", "level"+string(rune('0'+i)))
	}
	w.fn(levels[0], pureIntrinsic())
	for i := 1; i < 4; i++ {
		w.fn(levels[i], pureIntrinsic(), callgraph.ResolvedRef(levels[i-1]))
	}

	cfg := DefaultConfig()
	results := w.propagate(t, cfg)

	for i := 1; i < 4; i++ {
		assert.Equal(t, Pure, results[levels[i]].Level)
		assert.Less(t, results[levels[i]].Confidence, results[levels[i-1]].Confidence,
			"confidence must strictly decrease up the chain")
	}
	assert.InDelta(t, 0.729, results[levels[3]].Confidence, 1e-9)
	assert.GreaterOrEqual(t, results[levels[3]].Confidence, cfg.ConfidenceFloor)
	assert.Equal(t, 3, results[levels[3]].Depth)
}

func TestPropagate_ImpurityDominates(t *testing.T) {
	t.Parallel()

	w := newWorld()
	pure := fid("a.go", "pureHelper")
	impure := fid("a.go", "logs")
	caller := fid("a.go", "caller")
	w.fn(pure, pureIntrinsic())
	w.fn(impure, impureIntrinsic("calls log.Printf"))
	w.fn(caller, pureIntrinsic(),
		callgraph.ResolvedRef(pure), callgraph.ResolvedRef(impure))

	res := w.propagate(t, DefaultConfig())[caller]

	assert.Equal(t, Impure, res.Level)
	assert.Equal(t, ReasonSideEffect, res.Reason.Kind)
	assert.Contains(t, res.Reason.Detail, impure.Key())
}

func TestPropagate_UnknownDependencyPenalty(t *testing.T) {
	t.Parallel()

	t.Run("SingleUnresolvedCallee", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		f := fid("a.go", "callsPlugin")
		w.fn(f, pureIntrinsic(), callgraph.UnresolvedRef("plugin.Run"))

		res := w.propagate(t, DefaultConfig())[f]

		// The unknown callee weakens confidence but does not flip the level.
		assert.Equal(t, Pure, res.Level)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
		assert.Equal(t, ReasonUnknownDeps, res.Reason.Kind)
		assert.Equal(t, 1, res.Reason.UnknownCount)
	})

	t.Run("PenaltyCompoundsPerUnknown", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		f := fid("a.go", "callsTwoPlugins")
		w.fn(f, pureIntrinsic(),
			callgraph.UnresolvedRef("plugin.A"), callgraph.UnresolvedRef("plugin.B"))

		res := w.propagate(t, DefaultConfig())[f]

		assert.InDelta(t, 0.64, res.Confidence, 1e-9)
		assert.Equal(t, 2, res.Reason.UnknownCount)
	})

	t.Run("UnknownLevelDepCountsAsUnknown", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		broken := fid("a.go", "broken")
		caller := fid("a.go", "caller")
		w.fn(broken, IntrinsicResult{Err: errors.New("parse failure")})
		w.fn(caller, pureIntrinsic(), callgraph.ResolvedRef(broken))

		results := w.propagate(t, DefaultConfig())

		assert.Equal(t, UnknownLevel, results[broken].Level)
		res := results[caller]
		assert.Equal(t, Pure, res.Level)
		assert.Equal(t, ReasonUnknownDeps, res.Reason.Kind)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	})
}

func TestPropagate_ConfidenceFloor(t *testing.T) {
	t.Parallel()

	w := newWorld()
	prev := fid("deep.go", "f0")
	w.fn(prev, pureIntrinsic())
	last := prev
	for i := 1; i <= 12; i++ {
		id := callgraph.FunctionID{File: "deep.go", Name: "f", Line: i + 1}
		w.fn(id, pureIntrinsic(), callgraph.ResolvedRef(last))
		last = id
	}

	cfg := DefaultConfig()
	res := w.propagate(t, cfg)[last]

	// 0.9^12 is 0.28, well under the floor.
	assert.Equal(t, Pure, res.Level)
	assert.Equal(t, cfg.ConfidenceFloor, res.Confidence)
}

func TestPropagate_CyclicConservative(t *testing.T) {
	t.Parallel()

	t.Run("SelfRecursionWithSideEffect", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		f := fid("a.go", "recurse")
		w.fn(f, impureIntrinsic("calls fmt.Println"), callgraph.ResolvedRef(f))

		res := w.propagate(t, DefaultConfig())[f]

		assert.Equal(t, Impure, res.Level)
		assert.GreaterOrEqual(t, res.Confidence, 0.9)
		assert.Equal(t, ReasonCyclic, res.Reason.Kind)
		assert.True(t, res.Reason.WithSideEffects)
	})

	t.Run("PureMutualRecursionStillImpure", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		even := fid("a.go", "isEven")
		odd := fid("a.go", "isOdd")
		w.fn(even, pureIntrinsic(), callgraph.ResolvedRef(odd))
		w.fn(odd, pureIntrinsic(), callgraph.ResolvedRef(even))

		results := w.propagate(t, DefaultConfig())

		for _, id := range []callgraph.FunctionID{even, odd} {
			assert.Equal(t, Impure, results[id].Level)
			assert.Equal(t, ReasonCyclic, results[id].Reason.Kind)
			assert.False(t, results[id].Reason.WithSideEffects)
		}
	})
}

func TestPropagate_CyclicLenient(t *testing.T) {
	t.Parallel()

	lenient := DefaultConfig()
	lenient.CyclePolicy = PolicyLenient

	t.Run("StructurallyPureRecursionIsPure", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		rec := fid("a.go", "fib")
		plain := fid("a.go", "plain")
		w.fn(rec, pureIntrinsic(), callgraph.ResolvedRef(rec))
		w.fn(plain, pureIntrinsic())

		results := w.propagate(t, lenient)

		res := results[rec]
		assert.Equal(t, Pure, res.Level)
		assert.Equal(t, ReasonCyclic, res.Reason.Kind)
		assert.False(t, res.Reason.WithSideEffects)
		// Recursion costs confidence relative to a non-recursive peer.
		assert.Less(t, res.Confidence, results[plain].Confidence)
		assert.InDelta(t, 0.7*0.9, res.Confidence, 1e-9)
	})

	t.Run("SideEffectInCycleFallsBackToConservative", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		a := fid("a.go", "a")
		b := fid("a.go", "b")
		w.fn(a, pureIntrinsic(), callgraph.ResolvedRef(b))
		w.fn(b, impureIntrinsic("mutates global state"), callgraph.ResolvedRef(a))

		results := w.propagate(t, lenient)

		for _, id := range []callgraph.FunctionID{a, b} {
			assert.Equal(t, Impure, results[id].Level)
			assert.True(t, results[id].Reason.WithSideEffects)
		}
	})

	t.Run("ImpureExternalDepFallsBackToConservative", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		a := fid("a.go", "a")
		b := fid("a.go", "b")
		ext := fid("io.go", "writer")
		w.fn(ext, impureIntrinsic("calls os.WriteFile"))
		w.fn(a, pureIntrinsic(), callgraph.ResolvedRef(b), callgraph.ResolvedRef(ext))
		w.fn(b, pureIntrinsic(), callgraph.ResolvedRef(a))

		results := w.propagate(t, lenient)

		assert.Equal(t, Impure, results[a].Level)
		assert.Equal(t, ReasonCyclic, results[a].Reason.Kind)
	})

	t.Run("PureExternalDepDeepensResult", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		a := fid("a.go", "a")
		b := fid("a.go", "b")
		helper := fid("h.go", "helper")
		w.fn(helper, pureIntrinsic())
		w.fn(a, pureIntrinsic(), callgraph.ResolvedRef(b), callgraph.ResolvedRef(helper))
		w.fn(b, pureIntrinsic(), callgraph.ResolvedRef(a))

		res := w.propagate(t, lenient)[a]

		assert.Equal(t, Pure, res.Level)
		assert.InDelta(t, 0.7*0.9, res.Confidence, 1e-9)
	})
}

func TestPropagate_Disabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Enabled = false

	w := newWorld()
	impure := fid("a.go", "logs")
	caller := fid("a.go", "caller")
	w.fn(impure, impureIntrinsic("calls log.Printf"))
	w.fn(caller, pureIntrinsic(), callgraph.ResolvedRef(impure))

	results := w.propagate(t, cfg)

	// Callees are ignored: the caller keeps its intrinsic classification.
	assert.Equal(t, Pure, results[caller].Level)
	assert.Equal(t, ReasonIntrinsic, results[caller].Reason.Kind)
	assert.Equal(t, Impure, results[impure].Level)
}

func TestPropagate_IntrinsicErrorDegradesToUnknown(t *testing.T) {
	t.Parallel()

	w := newWorld()
	broken := fid("a.go", "broken")
	fine := fid("a.go", "fine")
	w.fn(broken, IntrinsicResult{Err: errors.New("analyzer crashed")})
	w.fn(fine, pureIntrinsic())

	cfg := DefaultConfig()
	results := w.propagate(t, cfg)

	assert.Equal(t, UnknownLevel, results[broken].Level)
	assert.Equal(t, cfg.ConfidenceFloor, results[broken].Confidence)
	// The batch is unaffected.
	assert.Equal(t, Pure, results[fine].Level)
	assert.Equal(t, 1.0, results[fine].Confidence)
}

func TestPropagate_Cancellation(t *testing.T) {
	t.Parallel()

	w := newWorld()
	for i := 0; i < 50; i++ {
		w.fn(callgraph.FunctionID{File: "big.go", Name: "f", Line: i + 1}, pureIntrinsic())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPropagator(DefaultConfig(), nil, nil)
	results, err := p.Propagate(ctx, w.builder.Graph(), w.intrinsics)

	require.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, results)
	assert.Less(t, len(results), 50)
}

type recordingCache struct {
	entries map[string]PropertyResult
	hits    int
	puts    int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string]PropertyResult)}
}

func (c *recordingCache) key(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64) string {
	return fmt.Sprintf("%s|%d|%d|%d", id.Key(), contentHash, depsHash, mtime)
}

func (c *recordingCache) Get(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64) (PropertyResult, bool) {
	res, ok := c.entries[c.key(id, contentHash, depsHash, mtime)]
	if ok {
		c.hits++
	}
	return res, ok
}

func (c *recordingCache) Put(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64, res PropertyResult) {
	c.puts++
	c.entries[c.key(id, contentHash, depsHash, mtime)] = res
}

func TestPropagate_CacheInteraction(t *testing.T) {
	t.Parallel()

	t.Run("SecondRunHitsCache", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		add := fid("math.go", "add")
		calc := fid("math.go", "calc")
		w.fn(add, pureIntrinsic())
		w.fn(calc, pureIntrinsic(), callgraph.ResolvedRef(add))

		cache := newRecordingCache()
		p := NewPropagator(DefaultConfig(), cache, nil)

		first, err := p.Propagate(context.Background(), w.builder.Graph(), w.intrinsics)
		require.NoError(t, err)
		assert.Equal(t, 2, cache.puts)
		assert.Equal(t, 0, cache.hits)

		second, err := p.Propagate(context.Background(), w.builder.Graph(), w.intrinsics)
		require.NoError(t, err)
		assert.Equal(t, 2, cache.hits)
		assert.Equal(t, first, second)
	})

	t.Run("UnknownResultsNotCached", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		broken := fid("a.go", "broken")
		w.fn(broken, IntrinsicResult{Err: errors.New("parse failure")})

		cache := newRecordingCache()
		p := NewPropagator(DefaultConfig(), cache, nil)
		_, err := p.Propagate(context.Background(), w.builder.Graph(), w.intrinsics)

		require.NoError(t, err)
		assert.Equal(t, 0, cache.puts)
	})

	t.Run("CyclicComponentsBypassCache", func(t *testing.T) {
		t.Parallel()
		w := newWorld()
		f := fid("a.go", "recurse")
		w.fn(f, pureIntrinsic(), callgraph.ResolvedRef(f))

		cache := newRecordingCache()
		p := NewPropagator(DefaultConfig(), cache, nil)
		_, err := p.Propagate(context.Background(), w.builder.Graph(), w.intrinsics)

		require.NoError(t, err)
		assert.Equal(t, 0, cache.puts)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())

	t.Run("RejectsBadPolicy", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.CyclePolicy = "optimistic"
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsZeroFloor", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.ConfidenceFloor = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsDecayAboveOne", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.ConfidenceDecayPerLevel = 1.5
		assert.Error(t, cfg.Validate())
	})
}
