package engine

import (
	"fmt"
	"time"

	"github.com/anatolykoptev/go-kit/env"
)

// Backend names accepted by the *_PROVIDER / *_BACKEND settings.
const (
	ProviderGoKit  = "gokit"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"

	BackendMemory   = "memory"
	BackendPGVector = "pgvector"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
)

// Config holds all engine configuration, built once in main and passed down.
type Config struct {
	LogLevel  string
	LogFormat string
	Port      string

	LLMProvider        string
	LLMAPIKey          string
	LLMAPIKeyFallbacks []string
	LLMAPIBase         string
	LLMModel           string
	LLMTemperature     float64
	LLMMaxTokens       int
	LLMTimeout         time.Duration

	EmbeddingProvider  string
	EmbeddingAPIKey    string
	EmbeddingAPIBase   string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingTimeout   time.Duration

	VectorBackend string
	VectorTimeout time.Duration

	StoreBackend string
	DatabaseURL  string

	QueueBackend   string
	RedisURL       string
	TaskLogBackend string
	TaskLogPath    string
	QueueStream    string
	QueueGroup     string
	QueueConsumer  string
	Workers        int

	CacheTTL             time.Duration
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration

	LinkedInClientID     string
	LinkedInClientSecret string
	LinkedInRedirectURL  string
	LinkedInAPIBase      string
	LinkedInGuestBase    string
	SocialTimeout        time.Duration
	SocialRatePerSecond  float64
	WebshareAPIKey       string
	SubmitWebhookURL     string

	TokenRefreshSkew time.Duration
	TokenLockTTL     time.Duration

	TaskMaxAttempts  int
	TaskRetryInitial time.Duration
	TaskRetryMax     time.Duration
	TaskTimeout      time.Duration
	FanoutMax        int

	RetentionDays  int
	MatchMinScore  float64
	MatchTopK      int
	MatchParallel  int
	SearchDefaults []string

	ScheduleSync         string
	ScheduleSearch       string
	ScheduleReindexJobs  string
	ScheduleReindexProfs string
	ScheduleMatches      string
	ScheduleCleanup      string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	return Config{
		LogLevel:  env.Str("LOG_LEVEL", "info"),
		LogFormat: env.Str("LOG_FORMAT", "json"),
		Port:      env.Str("MCP_PORT", "8892"),

		LLMProvider:        env.Str("LLM_PROVIDER", ProviderGoKit),
		LLMAPIKey:          env.Str("LLM_API_KEY", ""),
		LLMAPIKeyFallbacks: env.List("LLM_API_KEY_FALLBACKS", ""),
		LLMAPIBase:         env.Str("LLM_API_BASE", "https://generativelanguage.googleapis.com/v1beta/openai"),
		LLMModel:           env.Str("LLM_MODEL", "gemini-2.5-flash"),
		LLMTemperature:     env.Float("LLM_TEMPERATURE", 0.2),
		LLMMaxTokens:       env.Int("LLM_MAX_TOKENS", 2048),
		LLMTimeout:         env.Duration("LLM_TIMEOUT", 60*time.Second),

		EmbeddingProvider:  env.Str("EMBEDDING_PROVIDER", ProviderOpenAI),
		EmbeddingAPIKey:    env.Str("EMBEDDING_API_KEY", env.Str("LLM_API_KEY", "")),
		EmbeddingAPIBase:   env.Str("EMBEDDING_API_BASE", ""),
		EmbeddingModel:     env.Str("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension: env.Int("EMBEDDING_DIMENSION", 1536),
		EmbeddingTimeout:   env.Duration("EMBEDDING_TIMEOUT", 30*time.Second),

		VectorBackend: env.Str("VECTOR_BACKEND", BackendMemory),
		VectorTimeout: env.Duration("VECTOR_TIMEOUT", 10*time.Second),

		StoreBackend: env.Str("STORE_BACKEND", BackendMemory),
		DatabaseURL:  env.Str("DATABASE_URL", ""),

		QueueBackend:   env.Str("QUEUE_BACKEND", BackendMemory),
		RedisURL:       env.Str("REDIS_URL", ""),
		TaskLogBackend: env.Str("TASK_LOG_BACKEND", ""),
		TaskLogPath:    env.Str("TASK_LOG_PATH", ""),
		QueueStream:    env.Str("QUEUE_STREAM", "jobpilot:tasks"),
		QueueGroup:     env.Str("QUEUE_GROUP", "jobpilot-workers"),
		QueueConsumer:  env.Str("QUEUE_CONSUMER", "worker-1"),
		Workers:        env.Int("WORKERS", 4),

		CacheTTL:             env.Duration("CACHE_TTL", 24*time.Hour),
		CacheMaxEntries:      env.Int("CACHE_MAX_ENTRIES", 5000),
		CacheCleanupInterval: env.Duration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),

		LinkedInClientID:     env.Str("LINKEDIN_CLIENT_ID", ""),
		LinkedInClientSecret: env.Str("LINKEDIN_CLIENT_SECRET", ""),
		LinkedInRedirectURL:  env.Str("LINKEDIN_REDIRECT_URL", ""),
		LinkedInAPIBase:      env.Str("LINKEDIN_API_BASE", "https://api.linkedin.com"),
		LinkedInGuestBase:    env.Str("LINKEDIN_GUEST_BASE", "https://www.linkedin.com"),
		SocialTimeout:        env.Duration("SOCIAL_TIMEOUT", 15*time.Second),
		SocialRatePerSecond:  env.Float("SOCIAL_RATE_PER_SECOND", 2),
		WebshareAPIKey:       env.Str("WEBSHARE_API_KEY", ""),
		SubmitWebhookURL:     env.Str("SUBMIT_WEBHOOK_URL", ""),

		TokenRefreshSkew: env.Duration("TOKEN_REFRESH_SKEW", 5*time.Minute),
		TokenLockTTL:     env.Duration("TOKEN_LOCK_TTL", 30*time.Second),

		TaskMaxAttempts:  env.Int("TASK_MAX_ATTEMPTS", 5),
		TaskRetryInitial: env.Duration("TASK_RETRY_INITIAL", 2*time.Second),
		TaskRetryMax:     env.Duration("TASK_RETRY_MAX", 5*time.Minute),
		TaskTimeout:      env.Duration("TASK_TIMEOUT", 10*time.Minute),
		FanoutMax:        env.Int("FANOUT_MAX", 1000),

		RetentionDays:  env.Int("RETENTION_DAYS", 90),
		MatchMinScore:  env.Float("MATCH_MIN_SCORE", 0.5),
		MatchTopK:      env.Int("MATCH_TOP_K", 20),
		MatchParallel:  env.Int("MATCH_PARALLEL", 4),
		SearchDefaults: env.List("SEARCH_DEFAULT_KEYWORDS", ""),

		ScheduleSync:         env.Str("SCHEDULE_SYNC", "0 2 * * *"),
		ScheduleSearch:       env.Str("SCHEDULE_SEARCH", "15 */4 * * *"),
		ScheduleReindexJobs:  env.Str("SCHEDULE_REINDEX_JOBS", "0 3 * * *"),
		ScheduleReindexProfs: env.Str("SCHEDULE_REINDEX_PROFILES", "30 3 * * *"),
		ScheduleMatches:      env.Str("SCHEDULE_MATCHES", "0 4 * * *"),
		ScheduleCleanup:      env.Str("SCHEDULE_CLEANUP", "0 1 * * 0"),
	}
}

// Validate checks backend names and numeric bounds.
func (c Config) Validate() error {
	switch c.LLMProvider {
	case ProviderGoKit, ProviderOpenAI:
	default:
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.EmbeddingProvider {
	case ProviderOpenAI, ProviderHash:
	default:
		return fmt.Errorf("config: unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	switch c.VectorBackend {
	case BackendMemory, BackendPGVector:
	default:
		return fmt.Errorf("config: unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if (c.VectorBackend == BackendPGVector || c.StoreBackend == BackendPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required for postgres backends")
	}
	if c.QueueBackend == BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required for the redis queue")
	}
	switch c.TaskLog() {
	case BackendMemory:
	case BackendSQLite:
		if c.TaskLogPath == "" {
			return fmt.Errorf("config: TASK_LOG_PATH is required for the sqlite task log")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres task log")
		}
	default:
		return fmt.Errorf("config: unknown TASK_LOG_BACKEND %q", c.TaskLogBackend)
	}
	// Workers on other hosts pull from the same stream; revocations and
	// delivery dedup only hold if they all read one log.
	if c.QueueBackend == BackendRedis && c.TaskLog() != BackendPostgres {
		return fmt.Errorf("config: QUEUE_BACKEND=redis needs the postgres task log (TASK_LOG_BACKEND=postgres)")
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSION must be positive")
	}
	if c.TaskMaxAttempts < 1 {
		return fmt.Errorf("config: TASK_MAX_ATTEMPTS must be at least 1")
	}
	if c.TokenRefreshSkew < 0 {
		return fmt.Errorf("config: TOKEN_REFRESH_SKEW must not be negative")
	}
	if c.MatchMinScore < 0 || c.MatchMinScore > 1 {
		return fmt.Errorf("config: MATCH_MIN_SCORE must be in [0,1]")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("config: RETENTION_DAYS must be at least 1")
	}
	return nil
}

// TaskLog resolves TASK_LOG_BACKEND. Unset, it is postgres behind a redis
// queue with a database, sqlite when TASK_LOG_PATH is set, and memory otherwise.
func (c Config) TaskLog() string {
	switch {
	case c.TaskLogBackend != "":
		return c.TaskLogBackend
	case c.QueueBackend == BackendRedis && c.DatabaseURL != "":
		return BackendPostgres
	case c.TaskLogPath != "":
		return BackendSQLite
	}
	return BackendMemory
}

// TaskRetry returns the backoff schedule used between task attempts.
func (c Config) TaskRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:  c.TaskMaxAttempts - 1,
		InitialWait: c.TaskRetryInitial,
		MaxWait:     c.TaskRetryMax,
		Multiplier:  2.0,
	}
}
