package vector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// NewIndex selects the index backend named by cfg.VectorBackend.
// pool is only used by the pgvector backend and may be nil otherwise.
func NewIndex(ctx context.Context, cfg engine.Config, pool *pgxpool.Pool) (Index, error) {
	switch cfg.VectorBackend {
	case engine.BackendMemory:
		return NewMemoryIndex(cfg.EmbeddingDimension), nil
	case engine.BackendPGVector:
		if pool == nil {
			return nil, fmt.Errorf("vector: pgvector backend needs a database pool")
		}
		return NewPGIndex(ctx, pool, cfg.EmbeddingDimension, cfg.VectorTimeout)
	}
	return nil, fmt.Errorf("vector: unknown backend %q", cfg.VectorBackend)
}
