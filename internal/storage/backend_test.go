package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puretrace/puretrace/internal/callgraph"
)

func summary(file, name, level string, conf float64) FunctionSummary {
	return FunctionSummary{
		ID:         callgraph.FunctionID{File: file, Name: name, Line: 1},
		Language:   "go",
		Level:      level,
		Confidence: conf,
		ReasonKind: "intrinsic",
	}
}

// backendConformance exercises the Backend contract against one
// implementation.
func backendConformance(t *testing.T, open func(t *testing.T, readOnly bool) Backend) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)

		got, err := b.Get(ctx, "absent.go:f:1")

		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		s := summary("a.go", "f", "pure", 1.0)

		require.NoError(t, b.Upsert(ctx, []FunctionSummary{s}))

		got, err := b.Get(ctx, s.Key())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, s, *got)
	})

	t.Run("UpsertOverwritesAndReindexes", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		s := summary("a.go", "f", "pure", 1.0)
		require.NoError(t, b.Upsert(ctx, []FunctionSummary{s}))

		s.Level = "impure"
		s.Confidence = 0.95
		require.NoError(t, b.Upsert(ctx, []FunctionSummary{s}))

		pure, err := b.ByLevel(ctx, "pure")
		require.NoError(t, err)
		assert.Empty(t, pure)

		impure, err := b.ByLevel(ctx, "impure")
		require.NoError(t, err)
		require.Len(t, impure, 1)
		assert.Equal(t, 0.95, impure[0].Confidence)

		count, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("ReplaceAllDropsPrevious", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		require.NoError(t, b.Upsert(ctx, []FunctionSummary{summary("old.go", "gone", "pure", 1.0)}))

		require.NoError(t, b.ReplaceAll(ctx, []FunctionSummary{
			summary("a.go", "f", "pure", 1.0),
			summary("b.go", "g", "impure", 0.95),
		}))

		got, err := b.Get(ctx, "old.go:gone:1")
		require.NoError(t, err)
		assert.Nil(t, got)

		count, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("ByFile", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		require.NoError(t, b.ReplaceAll(ctx, []FunctionSummary{
			summary("a.go", "zeta", "pure", 1.0),
			summary("a.go", "alpha", "impure", 0.95),
			summary("b.go", "other", "pure", 0.9),
		}))

		got, err := b.ByFile(ctx, "a.go")

		require.NoError(t, err)
		require.Len(t, got, 2)
		// Ordered by FunctionID.
		assert.Equal(t, "alpha", got[0].ID.Name)
		assert.Equal(t, "zeta", got[1].ID.Name)
	})

	t.Run("ByLevel", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		require.NoError(t, b.ReplaceAll(ctx, []FunctionSummary{
			summary("a.go", "f", "pure", 1.0),
			summary("b.go", "g", "impure", 0.95),
			summary("c.go", "h", "pure", 0.9),
		}))

		pure, err := b.ByLevel(ctx, "pure")
		require.NoError(t, err)
		assert.Len(t, pure, 2)

		unknown, err := b.ByLevel(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, unknown)
	})

	t.Run("RemoveByFile", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		require.NoError(t, b.ReplaceAll(ctx, []FunctionSummary{
			summary("a.go", "f", "pure", 1.0),
			summary("a.go", "g", "impure", 0.95),
			summary("b.go", "h", "pure", 0.9),
		}))

		removed, err := b.RemoveByFile(ctx, "a.go")

		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		// Level index entries for the removed functions are gone too.
		impure, err := b.ByLevel(ctx, "impure")
		require.NoError(t, err)
		assert.Empty(t, impure)

		all, err := b.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "b.go", all[0].ID.File)
	})

	t.Run("All", func(t *testing.T) {
		t.Parallel()
		b := open(t, false)
		require.NoError(t, b.ReplaceAll(ctx, []FunctionSummary{
			summary("b.go", "g", "pure", 1.0),
			summary("a.go", "f", "pure", 1.0),
		}))

		all, err := b.All(ctx)

		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a.go", all[0].ID.File)
		assert.Equal(t, "b.go", all[1].ID.File)
	})
}

func TestMemoryBackend(t *testing.T) {
	t.Parallel()
	backendConformance(t, func(t *testing.T, readOnly bool) Backend {
		b := NewMemoryBackend()
		require.NoError(t, b.Initialize("", readOnly))
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestBadgerBackend(t *testing.T) {
	t.Parallel()
	backendConformance(t, func(t *testing.T, readOnly bool) Backend {
		b := NewBadgerBackend()
		require.NoError(t, b.Initialize(t.TempDir(), readOnly))
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestMemoryBackend_ReadOnly(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	require.NoError(t, b.Initialize("", true))

	err := b.Upsert(context.Background(), []FunctionSummary{summary("a.go", "f", "pure", 1.0)})
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = b.RemoveByFile(context.Background(), "a.go")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestBadgerBackend_Persistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := summary("a.go", "f", "pure", 1.0)

	b := NewBadgerBackend()
	require.NoError(t, b.Initialize(dir, false))
	require.NoError(t, b.Upsert(ctx, []FunctionSummary{s}))
	require.NoError(t, b.Close())

	reopened := NewBadgerBackend()
	require.NoError(t, reopened.Initialize(dir, false))
	defer reopened.Close()

	got, err := reopened.Get(ctx, s.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s, *got)
}
