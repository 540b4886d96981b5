package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/vector"
)

const testDim = 128

// brokenEmbedder fails for texts containing "BROKEN".
type brokenEmbedder struct{ vector.Embedder }

func (b brokenEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "BROKEN") {
		return nil, engine.Transient("embed", errors.New("upstream down"))
	}
	return b.Embedder.Embed(ctx, text)
}

func newTestMatcher(gen engine.TextGenerator, cache *engine.Cache) (*Matcher, *vector.MemoryIndex) {
	idx := vector.NewMemoryIndex(testDim)
	emb := brokenEmbedder{vector.NewHashEmbedder(testDim)}
	m := NewMatcher(emb, idx, NewAnalyzer(gen), cache, MatcherConfig{MinScore: 0, Parallel: 2})
	m.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return m, idx
}

func TestMatchCombinesScores(t *testing.T) {
	m, _ := newTestMatcher(constGen(`{"match_score": 80, "matching_points": ["Strong python"], "summary": "solid"}`), nil)

	r, err := m.Match(t.Context(), testProfile, testJob)
	require.NoError(t, err)

	emb := vector.NewHashEmbedder(testDim)
	pv, _ := emb.Embed(t.Context(), testProfile.EmbeddingText())
	jv, _ := emb.Embed(t.Context(), testJob.EmbeddingText())
	assert.InDelta(t, vector.Cosine(pv, jv), r.VectorScore, 1e-9)

	assert.InDelta(t, 0.8, r.LLMScore, 1e-9)
	assert.Equal(t, (r.VectorScore+r.LLMScore)/2, r.CombinedScore)
	assert.GreaterOrEqual(t, r.CombinedScore, 0.0)
	assert.LessOrEqual(t, r.CombinedScore, 1.0)
	assert.False(t, r.Degraded)

	assert.Equal(t, "Matches 2 of 3 required skills: python, sql", r.MatchingPoints[0])
	assert.Contains(t, r.MatchingPoints, "Strong python")
	assert.Equal(t, "solid", r.Summary)
	assert.Equal(t, testProfile.ID, r.ProfileID)
	assert.Equal(t, testJob.ID, r.JobID)
}

func TestMatchUsesIndexedVectors(t *testing.T) {
	m, idx := newTestMatcher(constGen(`{"match_score": 50}`), nil)
	vec := make([]float32, testDim)
	vec[0] = 1
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceProfiles, testProfile.ID, vec, nil))
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceJobs, testJob.ID, vec, nil))

	r, err := m.Match(t.Context(), testProfile, testJob)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.VectorScore, 1e-6)
}

func TestMatchClampsNegativeCosine(t *testing.T) {
	m, idx := newTestMatcher(constGen(`{"match_score": 40}`), nil)
	pv, jv := make([]float32, testDim), make([]float32, testDim)
	pv[0], jv[0] = 1, -1
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceProfiles, testProfile.ID, pv, nil))
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceJobs, testJob.ID, jv, nil))

	r, err := m.Match(t.Context(), testProfile, testJob)
	require.NoError(t, err)
	assert.Zero(t, r.VectorScore)
	assert.InDelta(t, 0.2, r.CombinedScore, 1e-9)
}

func TestMatchDegradesOnUnusableReply(t *testing.T) {
	m, _ := newTestMatcher(constGen("I think it is a decent fit."), nil)

	r, err := m.Match(t.Context(), testProfile, testJob)
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.InDelta(t, neutralScore, r.LLMScore, 1e-9)
	assert.Equal(t, (r.VectorScore+r.LLMScore)/2, r.CombinedScore)
	assert.Contains(t, r.MatchingPoints, "Matches 2 of 3 required skills: python, sql")
}

func TestMatchDegradesOnLLMOutage(t *testing.T) {
	gen := &fakeGen{reply: func(engine.CompletionRequest) (string, error) {
		return "", engine.Transient("llm", errors.New("timeout"))
	}}
	m, _ := newTestMatcher(gen, nil)

	r, err := m.Match(t.Context(), testProfile, testJob)
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.InDelta(t, neutralScore, r.LLMScore, 1e-9)
}

func TestMatchCachesUsableJudgments(t *testing.T) {
	gen := constGen(`{"match_score": 90}`)
	m, _ := newTestMatcher(gen, engine.NewCache(nil, time.Minute, 100))

	for range 3 {
		_, err := m.Match(t.Context(), testProfile, testJob)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gen.callCount())
}

func TestMatchDoesNotCacheDegraded(t *testing.T) {
	gen := constGen("no json here")
	m, _ := newTestMatcher(gen, engine.NewCache(nil, time.Minute, 100))

	for range 2 {
		_, err := m.Match(t.Context(), testProfile, testJob)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, gen.callCount())
}

func TestRecommendSkipsFailuresAndRanks(t *testing.T) {
	gen := &fakeGen{reply: func(req engine.CompletionRequest) (string, error) {
		switch {
		case strings.Contains(req.UserPrompt, "Platform Engineer"):
			return `{"match_score": 100}`, nil
		case strings.Contains(req.UserPrompt, "Analyst"):
			return `{"match_score": 0}`, nil
		}
		return `{"match_score": 50}`, nil
	}}
	m, _ := newTestMatcher(gen, nil)

	mk := func(ext, title string) Job {
		return Job{ID: JobID("api", ext, "", "", ""), Source: "api", ExternalID: ext, Title: title, Company: "Acme", Description: "python sql"}
	}
	candidates := []Job{
		mk("1", "Analyst"),
		mk("2", "Platform Engineer"),
		mk("3", "BROKEN posting"),
		mk("4", "Data Engineer"),
	}

	results, failures, err := m.Recommend(t.Context(), testProfile, candidates, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, candidates[1].ID, results[0].JobID)
	assert.Equal(t, candidates[3].ID, results[1].JobID)
	require.Len(t, failures, 1)
	assert.Equal(t, candidates[2].ID, failures[0].JobID)
}

func TestRecommendCanceled(t *testing.T) {
	m, _ := newTestMatcher(constGen(`{"match_score": 60}`), nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, _, err := m.Recommend(ctx, testProfile, []Job{testJob}, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSortResultsTieBreak(t *testing.T) {
	rs := []MatchResult{
		{JobID: "c", CombinedScore: 0.5},
		{JobID: "b", CombinedScore: 0.9},
		{JobID: "a", CombinedScore: 0.5},
	}
	SortResults(rs)
	assert.Equal(t, []string{"b", "a", "c"}, []string{rs[0].JobID, rs[1].JobID, rs[2].JobID})
}

func TestCandidates(t *testing.T) {
	m, idx := newTestMatcher(constGen(`{}`), nil)
	emb := vector.NewHashEmbedder(testDim)
	near, _ := emb.Embed(t.Context(), testJob.EmbeddingText())
	far, _ := emb.Embed(t.Context(), "pastry chef croissants bakery morning shifts")
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceJobs, "near", near, nil))
	require.NoError(t, idx.Upsert(t.Context(), vector.NamespaceJobs, "far", far, nil))

	hits, err := m.Candidates(t.Context(), testProfile, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].ID)
}
