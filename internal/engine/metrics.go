package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// slowOperation is when TrackOperation starts warning.
const slowOperation = 5 * time.Second

type counter struct {
	name string
	n    atomic.Int64
}

// Pipeline counters in exposition order.
var (
	tasksEnqueued   = &counter{name: "tasks_enqueued"}
	tasksSucceeded  = &counter{name: "tasks_succeeded"}
	tasksFailed     = &counter{name: "tasks_failed"}
	tasksRetried    = &counter{name: "tasks_retried"}
	tasksRevoked    = &counter{name: "tasks_revoked"}
	llmCalls        = &counter{name: "llm_calls"}
	llmErrors       = &counter{name: "llm_errors"}
	llmDegraded     = &counter{name: "llm_degraded"}
	embeddingCalls  = &counter{name: "embedding_calls"}
	embeddingErrors = &counter{name: "embedding_errors"}
	vectorUpserts   = &counter{name: "vector_upserts"}
	vectorQueries   = &counter{name: "vector_queries"}
	tokenRefreshes  = &counter{name: "token_refreshes"}
	refreshFailures = &counter{name: "token_refresh_failures"}
	socialRequests  = &counter{name: "social_requests"}
	socialErrors    = &counter{name: "social_errors"}

	counters = []*counter{
		tasksEnqueued, tasksSucceeded, tasksFailed, tasksRetried, tasksRevoked,
		llmCalls, llmErrors, llmDegraded,
		embeddingCalls, embeddingErrors, vectorUpserts, vectorQueries,
		tokenRefreshes, refreshFailures, socialRequests, socialErrors,
	}
)

// GetMetrics snapshots every counter plus the cache hit/miss totals.
func GetMetrics() map[string]int64 {
	out := make(map[string]int64, len(counters)+2)
	for _, c := range counters {
		out[c.name] = c.n.Load()
	}
	out["cache_hits"], out["cache_misses"] = CacheStats()
	return out
}

// FormatMetrics renders "name value" lines for the /metrics endpoint.
func FormatMetrics() string {
	var sb strings.Builder
	for _, c := range counters {
		fmt.Fprintf(&sb, "%s %d\n", c.name, c.n.Load())
	}
	hits, misses := CacheStats()
	fmt.Fprintf(&sb, "cache_hits %d\ncache_misses %d\n", hits, misses)
	return sb.String()
}

func IncrTasksEnqueued()  { tasksEnqueued.n.Add(1) }
func IncrTasksSucceeded() { tasksSucceeded.n.Add(1) }
func IncrTasksFailed()    { tasksFailed.n.Add(1) }
func IncrTasksRetried()   { tasksRetried.n.Add(1) }
func IncrTasksRevoked()   { tasksRevoked.n.Add(1) }

// IncrLLMDegraded counts call sites that fell back to a typed default.
func IncrLLMDegraded() { llmDegraded.n.Add(1) }

func IncrEmbeddingCalls()  { embeddingCalls.n.Add(1) }
func IncrEmbeddingErrors() { embeddingErrors.n.Add(1) }
func IncrVectorUpserts()   { vectorUpserts.n.Add(1) }
func IncrVectorQueries()   { vectorQueries.n.Add(1) }

func IncrTokenRefreshes()  { tokenRefreshes.n.Add(1) }
func IncrRefreshFailures() { refreshFailures.n.Add(1) }
func IncrSocialRequests()  { socialRequests.n.Add(1) }
func IncrSocialErrors()    { socialErrors.n.Add(1) }

// TrackOperation runs fn and warns when it is slow.
func TrackOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if d := time.Since(start); d > slowOperation {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", d), slog.Bool("failed", err != nil))
	}
	return err
}
