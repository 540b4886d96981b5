package vector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// indexContract runs the behavior every Index backend must satisfy.
func indexContract(t *testing.T, newIndex func(t *testing.T) Index, dim int) {
	t.Helper()
	ctx := context.Background()
	emb := NewHashEmbedder(dim)

	vecFor := func(t *testing.T, text string) []float32 {
		t.Helper()
		v, err := emb.Embed(ctx, text)
		require.NoError(t, err)
		return v
	}

	t.Run("self similarity", func(t *testing.T) {
		idx := newIndex(t)
		for i, text := range []string{"golang backend engineer", "python data scientist", "frontend react developer"} {
			v := vecFor(t, text)
			id := fmt.Sprintf("job-%d", i)
			require.NoError(t, idx.Upsert(ctx, NamespaceJobs, id, v, map[string]string{"title": text}))

			got, err := idx.Query(ctx, NamespaceJobs, v, 1, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, id, got[0].ID)
			assert.InDelta(t, 1.0, got[0].Score, 1e-6)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		idx := newIndex(t)
		v1 := vecFor(t, "golang backend engineer")
		v2 := vecFor(t, "sommelier wine tasting")
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "j1", v1, nil))
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "j1", v1, nil))
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "j1", v2, map[string]string{"v": "2"}))

		got, err := idx.Query(ctx, NamespaceJobs, v2, 10, -1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "j1", got[0].ID)
		assert.InDelta(t, 1.0, got[0].Score, 1e-6)
		assert.Equal(t, "2", got[0].Metadata["v"])

		stored, ok, err := idx.Get(ctx, NamespaceJobs, "j1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 1.0, Cosine(stored, v2), 1e-6)
	})

	t.Run("min score and ordering", func(t *testing.T) {
		idx := newIndex(t)
		q := vecFor(t, "senior golang engineer kubernetes")
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "b", q, nil))
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "a", q, nil))
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "c", vecFor(t, "golang engineer"), nil))
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "z", vecFor(t, "pastry chef bakery"), nil))

		got, err := idx.Query(ctx, NamespaceJobs, q, 10, 0.3)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(got), 3)
		assert.Equal(t, "a", got[0].ID, "ties broken by ascending id")
		assert.Equal(t, "b", got[1].ID)
		assert.Equal(t, "c", got[2].ID)
		for _, m := range got {
			assert.GreaterOrEqual(t, m.Score, 0.3)
			assert.NotEqual(t, "z", m.ID)
		}
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		idx := newIndex(t)
		v := vecFor(t, "golang engineer")
		require.NoError(t, idx.Upsert(ctx, NamespaceProfiles, "p1", v, nil))

		got, err := idx.Query(ctx, NamespaceJobs, v, 5, 0)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, ok, err := idx.Get(ctx, NamespaceJobs, "p1")
		require.NoError(t, err)
		assert.False(t, ok)

		err = idx.Upsert(ctx, "people", "p1", v, nil)
		assert.ErrorIs(t, err, engine.ErrValidation)
	})

	t.Run("delete", func(t *testing.T) {
		idx := newIndex(t)
		v := vecFor(t, "golang engineer")
		require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "j1", v, nil))
		require.NoError(t, idx.Delete(ctx, NamespaceJobs, "j1"))
		require.NoError(t, idx.Delete(ctx, NamespaceJobs, "missing"))

		got, err := idx.Query(ctx, NamespaceJobs, v, 5, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("degenerate vectors rejected", func(t *testing.T) {
		idx := newIndex(t)
		nan := vecFor(t, "golang engineer")
		nan[0] = float32(math.NaN())
		inf := vecFor(t, "golang engineer")
		inf[1] = float32(math.Inf(1))
		for name, v := range map[string][]float32{"zero": make([]float32, dim), "nan": nan, "inf": inf} {
			err := idx.Upsert(ctx, NamespaceJobs, "j-"+name, v, nil)
			assert.ErrorIs(t, err, engine.ErrValidation, name)
			_, err = idx.Query(ctx, NamespaceJobs, v, 5, 0)
			assert.ErrorIs(t, err, engine.ErrValidation, name)
		}
		got, err := idx.Query(ctx, NamespaceJobs, vecFor(t, "golang engineer"), 5, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		idx := newIndex(t)
		err := idx.Upsert(ctx, NamespaceJobs, "j1", make([]float32, dim+1), nil)
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

func TestMemoryIndexContract(t *testing.T) {
	indexContract(t, func(t *testing.T) Index { return NewMemoryIndex(256) }, 256)
}

func TestMemoryIndexConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(32)
	emb := NewHashEmbedder(32)
	v, err := emb.Embed(ctx, "golang engineer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Upsert(ctx, NamespaceProfiles, "p1", v, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, idx.Len(NamespaceProfiles))
}

func TestMemoryIndexCopiesInput(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	v := []float32{1, 0, 0}
	require.NoError(t, idx.Upsert(ctx, NamespaceJobs, "j1", v, nil))
	v[0] = 0
	v[1] = 1

	got, ok, err := idx.Get(ctx, NamespaceJobs, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0}, got)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 1}))
	assert.False(t, math.IsNaN(Cosine(nil, nil)))
}
