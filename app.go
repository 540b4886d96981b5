package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/credentials"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/social"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/store"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/tasks"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/vector"
)

// app owns every client built at startup. Nothing below main keeps a
// package-level client.
type app struct {
	cfg      engine.Config
	pool     *pgxpool.Pool
	rdb      *redis.Client
	cache    *engine.Cache
	store    store.Store
	linkedin *social.LinkedInClient
	tokens   *credentials.Manager
	queue    tasks.Queue
	log      tasks.Log
	orch     *tasks.Orchestrator
	sched    *tasks.Scheduler
}

func build(ctx context.Context, cfg engine.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		if a.pool, err = engine.ConnectPostgres(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", perr)
		}
		a.rdb = redis.NewClient(opts)
		if err = a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected", slog.String("addr", opts.Addr))
	}
	a.cache = engine.NewCache(a.rdb, cfg.CacheTTL, cfg.CacheMaxEntries)

	gen, err := engine.NewTextGenerator(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := vector.NewEmbedder(cfg, a.cache)
	if err != nil {
		return nil, err
	}
	index, err := vector.NewIndex(ctx, cfg, a.pool)
	if err != nil {
		return nil, err
	}
	if a.store, err = store.New(ctx, cfg, a.pool); err != nil {
		return nil, err
	}

	linkedinOpts := []social.Option{social.WithCache(a.cache)}
	if bc, berr := engine.NewBrowserClient(cfg.WebshareAPIKey, int(cfg.SocialTimeout.Seconds())); berr != nil {
		slog.Warn("stealth client init failed, guest search disabled", slog.Any("error", berr))
	} else {
		linkedinOpts = append(linkedinOpts, social.WithBrowser(bc))
	}
	a.linkedin = social.NewLinkedInClient(cfg, linkedinOpts...)
	var tokenOpts []credentials.Option
	if a.rdb != nil {
		tokenOpts = append(tokenOpts, credentials.WithLocker(credentials.NewRedisLocker(a.rdb, cfg.TokenLockTTL)))
	}
	a.tokens = credentials.NewManager(a.store, a.linkedin, cfg.TokenRefreshSkew, tokenOpts...)

	var submitter jobs.Submitter
	if cfg.SubmitWebhookURL != "" {
		submitter = social.NewWebhookSubmitter(cfg.SubmitWebhookURL, nil, cfg.SocialTimeout)
	}

	analyzer := jobs.NewAnalyzer(gen)
	matcher := jobs.NewMatcher(embedder, index, analyzer, a.cache, jobs.MatcherConfig{
		MinScore: cfg.MatchMinScore,
		Parallel: cfg.MatchParallel,
	})

	if a.queue, err = tasks.NewQueue(ctx, cfg, a.rdb); err != nil {
		return nil, err
	}
	if a.log, err = tasks.NewLog(ctx, cfg, a.pool); err != nil {
		return nil, err
	}
	a.orch = tasks.NewOrchestrator(a.queue, a.log, tasks.ConfigFrom(cfg))
	tasks.RegisterHandlers(a.orch, tasks.Deps{
		Store:    a.store,
		Index:    index,
		Embedder: embedder,
		Matcher:  matcher,
		Docs:     jobs.NewDocumentGenerator(analyzer),
		Apps:     jobs.NewApplications(a.store, a.store, submitter),
		Analyzer: analyzer,
		Social:   a.linkedin,
		Tokens:   a.tokens,
		Cfg:      cfg,
	})
	if a.sched, err = tasks.NewScheduler(a.orch, tasks.DefaultSchedules(cfg)); err != nil {
		return nil, err
	}

	slog.Info("components ready",
		slog.String("llm", cfg.LLMProvider),
		slog.String("embedding", cfg.EmbeddingProvider),
		slog.String("vector", cfg.VectorBackend),
		slog.String("store", cfg.StoreBackend),
		slog.String("queue", cfg.QueueBackend),
		slog.String("task_log", cfg.TaskLog()),
		slog.Bool("submit_webhook", submitter != nil),
	)
	return a, nil
}

// Close releases clients in reverse construction order.
func (a *app) Close() {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown", slog.Any("error", err))
	}
}
