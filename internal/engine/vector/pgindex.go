package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_items (
	namespace  TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	embedding  vector(%d)  NOT NULL,
	metadata   JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS vector_items_embedding_hnsw
	ON vector_items USING hnsw (embedding vector_cosine_ops);
`

// PGIndex stores vectors in Postgres with the pgvector extension.
// Queries go through an HNSW index, so recall is approximate.
type PGIndex struct {
	pool      *pgxpool.Pool
	dimension int
	timeout   time.Duration
}

// NewPGIndex ensures the schema exists and returns an index over pool.
// The pool is owned by the caller.
func NewPGIndex(ctx context.Context, pool *pgxpool.Pool, dim int, timeout time.Duration) (*PGIndex, error) {
	if dim <= 0 {
		return nil, errors.New("pgvector: dimension must be positive")
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(pgSchema, dim)); err != nil {
		return nil, fmt.Errorf("pgvector: migrate: %w", err)
	}
	return &PGIndex{pool: pool, dimension: dim, timeout: timeout}, nil
}

func (p *PGIndex) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Upsert implements Index.
func (p *PGIndex) Upsert(ctx context.Context, namespace, id string, vec []float32, meta map[string]string) error {
	if err := checkArgs(namespace, vec, p.dimension); err != nil {
		return err
	}
	if id == "" {
		return engine.Invalid("vector: empty id")
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}

	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err = p.pool.Exec(ctx,
		`INSERT INTO vector_items (namespace, id, embedding, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (namespace, id) DO UPDATE
		 SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = now()`,
		namespace, id, pgvector.NewVector(vec), metaJSON,
	)
	if err != nil {
		return engine.PGError("pgvector upsert", err)
	}
	engine.IncrVectorUpserts()
	return nil
}

// Query implements Index.
func (p *PGIndex) Query(ctx context.Context, namespace string, vec []float32, topK int, minScore float64) ([]Match, error) {
	if err := checkArgs(namespace, vec, p.dimension); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	ctx, cancel := p.ctx(ctx)
	defer cancel()
	engine.IncrVectorQueries()
	rows, err := p.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $2) AS score, metadata
		 FROM vector_items
		 WHERE namespace = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		namespace, pgvector.NewVector(vec), topK,
	)
	if err != nil {
		return nil, engine.PGError("pgvector query", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var (
			m        Match
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Score, &metaJSON); err != nil {
			return nil, engine.PGError("pgvector query scan", err)
		}
		// NaN from rows written before zero vectors were rejected.
		if math.IsNaN(m.Score) || m.Score < minScore {
			continue
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				slog.Debug("vector metadata undecodable", slog.String("namespace", namespace),
					slog.String("id", m.ID), slog.Any("error", err))
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.PGError("pgvector query rows", err)
	}
	SortMatches(out)
	return out, nil
}

// Delete implements Index.
func (p *PGIndex) Delete(ctx context.Context, namespace, id string) error {
	if !ValidNamespace(namespace) {
		return engine.Invalid("vector: unknown namespace %q", namespace)
	}
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, `DELETE FROM vector_items WHERE namespace = $1 AND id = $2`, namespace, id); err != nil {
		return engine.PGError("pgvector delete", err)
	}
	return nil
}

// Get implements Index.
func (p *PGIndex) Get(ctx context.Context, namespace, id string) ([]float32, bool, error) {
	if !ValidNamespace(namespace) {
		return nil, false, engine.Invalid("vector: unknown namespace %q", namespace)
	}
	ctx, cancel := p.ctx(ctx)
	defer cancel()

	var text string
	err := p.pool.QueryRow(ctx,
		`SELECT embedding::text FROM vector_items WHERE namespace = $1 AND id = $2`,
		namespace, id,
	).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engine.PGError("pgvector get", err)
	}
	var v pgvector.Vector
	if err := v.Scan(text); err != nil {
		return nil, false, engine.Malformed("pgvector get", err)
	}
	return v.Slice(), true, nil
}
