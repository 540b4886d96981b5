package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/vector"
)

// neutralScore stands in for the LLM score when its reply is unusable.
const neutralScore = 0.5

// MatcherConfig tunes a Matcher.
type MatcherConfig struct {
	MinScore float64 // vector similarity floor for Candidates
	Parallel int     // concurrent matches in Recommend
}

// Matcher combines vector similarity, an LLM judgment and rule-based
// heuristics into one ranked result.
type Matcher struct {
	embedder vector.Embedder
	index    vector.Index
	analyzer *Analyzer
	cache    *engine.Cache
	cfg      MatcherConfig
	now      func() time.Time
}

// NewMatcher builds a Matcher. cache may be nil.
func NewMatcher(embedder vector.Embedder, index vector.Index, analyzer *Analyzer, cache *engine.Cache, cfg MatcherConfig) *Matcher {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Matcher{
		embedder: embedder,
		index:    index,
		analyzer: analyzer,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ProfileVector returns the indexed vector for p, embedding it when absent.
func (m *Matcher) ProfileVector(ctx context.Context, p Profile) ([]float32, error) {
	return m.vectorFor(ctx, vector.NamespaceProfiles, p.ID, p.EmbeddingText())
}

// JobVector returns the indexed vector for j, embedding it when absent.
func (m *Matcher) JobVector(ctx context.Context, j Job) ([]float32, error) {
	return m.vectorFor(ctx, vector.NamespaceJobs, j.ID, j.EmbeddingText())
}

func (m *Matcher) vectorFor(ctx context.Context, ns, id, text string) ([]float32, error) {
	if id != "" {
		vec, ok, err := m.index.Get(ctx, ns, id)
		if err != nil {
			slog.Debug("vector lookup failed, embedding on the fly", slog.String("namespace", ns), slog.String("id", id), slog.Any("error", err))
		} else if ok {
			return vec, nil
		}
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed %s %s: %w", ns, id, err)
	}
	return vec, nil
}

// Candidates returns the nearest indexed jobs for p above the configured floor.
func (m *Matcher) Candidates(ctx context.Context, p Profile, limit int) ([]vector.Match, error) {
	vec, err := m.ProfileVector(ctx, p)
	if err != nil {
		return nil, err
	}
	return m.index.Query(ctx, vector.NamespaceJobs, vec, limit, m.cfg.MinScore)
}

// Match scores p against j. combined = (vector + llm) / 2. An unusable or
// failed LLM call degrades to the neutral score instead of failing.
func (m *Matcher) Match(ctx context.Context, p Profile, j Job) (MatchResult, error) {
	pv, err := m.ProfileVector(ctx, p)
	if err != nil {
		return MatchResult{}, err
	}
	return m.matchWith(ctx, p, pv, j)
}

func (m *Matcher) matchWith(ctx context.Context, p Profile, pv []float32, j Job) (MatchResult, error) {
	jv, err := m.JobVector(ctx, j)
	if err != nil {
		return MatchResult{}, err
	}
	vs := clamp01(vector.Cosine(pv, jv))

	judged, degraded, err := m.judge(ctx, p, j)
	if err != nil {
		return MatchResult{}, err
	}
	ls := clamp01(judged.Score())

	h := Evaluate(p, j)
	return MatchResult{
		ProfileID:       p.ID,
		JobID:           j.ID,
		VectorScore:     vs,
		LLMScore:        ls,
		CombinedScore:   (vs + ls) / 2,
		MatchingPoints:  mergePoints(h.MatchingPoints, judged.MatchingPoints),
		MissingPoints:   mergePoints(h.MissingPoints, judged.MissingPoints),
		Recommendations: mergePoints(h.Recommendations, judged.Recommendations),
		Summary:         judged.Summary,
		Degraded:        degraded,
		ComputedAt:      m.now().UTC(),
	}, nil
}

// judge asks the LLM for a qualitative match, caching usable replies per
// (profile text, job text).
func (m *Matcher) judge(ctx context.Context, p Profile, j Job) (JobMatch, bool, error) {
	key := engine.CacheKey("llm-match", p.EmbeddingText(), j.EmbeddingText())
	if cached, ok := engine.CacheLoadJSON[JobMatch](ctx, m.cache, key); ok {
		return cached, false, nil
	}
	judged, degraded, err := m.analyzer.MatchJob(ctx, p, j)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return JobMatch{}, false, err
		}
		engine.IncrLLMDegraded()
		slog.Warn("llm match failed, using neutral score",
			slog.String("profile_id", p.ID), slog.String("job_id", j.ID), slog.Any("error", err))
		return FallbackJobMatch(""), true, nil
	}
	if !degraded {
		engine.CacheStoreJSON(ctx, m.cache, key, judged)
	}
	return judged, degraded, nil
}

// MatchFailure records a job that could not be scored.
type MatchFailure struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// Recommend matches p against every candidate and returns the best topK.
// A failed match excludes that job and is reported; it never aborts the batch.
func (m *Matcher) Recommend(ctx context.Context, p Profile, candidates []Job, topK int) ([]MatchResult, []MatchFailure, error) {
	pv, err := m.ProfileVector(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	var (
		mu       sync.Mutex
		results  []MatchResult
		failures []MatchFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallel)
	for _, j := range candidates {
		g.Go(func() error {
			r, err := m.matchWith(gctx, p, pv, j)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("match failed, skipping job", slog.String("profile_id", p.ID), slog.String("job_id", j.ID), slog.Any("error", err))
				failures = append(failures, MatchFailure{JobID: j.ID, Error: err.Error()})
				return nil
			}
			results = append(results, r)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	SortResults(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	sort.Slice(failures, func(a, b int) bool { return failures[a].JobID < failures[b].JobID })
	return results, failures, nil
}

// SortResults orders by combined score descending, then job id ascending.
func SortResults(rs []MatchResult) {
	sort.SliceStable(rs, func(a, b int) bool {
		if rs[a].CombinedScore != rs[b].CombinedScore {
			return rs[a].CombinedScore > rs[b].CombinedScore
		}
		return rs[a].JobID < rs[b].JobID
	})
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
