package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/credentials"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores entities as JSONB documents next to the columns used for
// lookups and retention. The pool is owned by the caller.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres runs the embedded migrations and returns a store over pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if err := engine.Migrate(ctx, pool, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close is a no-op; the entry point closes the shared pool.
func (p *Postgres) Close() {}

func getJSON[T any](ctx context.Context, p *Postgres, kind, query, id string) (T, error) {
	var (
		out T
		raw []byte
	)
	if err := p.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, engine.NotFound(kind, id)
		}
		return out, engine.PGError("get "+kind, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, engine.Malformed("get "+kind, err)
	}
	return out, nil
}

func listJSON[T any](ctx context.Context, p *Postgres, op, query string, args ...any) ([]T, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, engine.PGError(op, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, engine.PGError(op, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, engine.Malformed(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.PGError(op, err)
	}
	return out, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (jobs.User, error) {
	var (
		u        jobs.User
		keywords []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, email, name, active, search_keywords, search_location, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Active, &keywords, &u.SearchLocation, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, engine.NotFound("user", id)
	}
	if err != nil {
		return u, engine.PGError("get user", err)
	}
	_ = json.Unmarshal(keywords, &u.SearchKeywords)
	return u, nil
}

func (p *Postgres) SaveUser(ctx context.Context, u jobs.User) error {
	if u.ID == "" {
		return engine.Invalid("user: empty id")
	}
	keywords, _ := json.Marshal(nonNil(u.SearchKeywords))
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, active, search_keywords, search_location, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, active = EXCLUDED.active,
		   search_keywords = EXCLUDED.search_keywords, search_location = EXCLUDED.search_location`,
		u.ID, u.Email, u.Name, u.Active, keywords, u.SearchLocation, created,
	)
	return engine.PGError("save user", err)
}

func (p *Postgres) ListActiveUsers(ctx context.Context) ([]jobs.User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, email, name, active, search_keywords, search_location, created_at FROM users WHERE active ORDER BY id`)
	if err != nil {
		return nil, engine.PGError("list users", err)
	}
	defer rows.Close()
	var out []jobs.User
	for rows.Next() {
		var (
			u        jobs.User
			keywords []byte
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Active, &keywords, &u.SearchLocation, &u.CreatedAt); err != nil {
			return nil, engine.PGError("list users", err)
		}
		_ = json.Unmarshal(keywords, &u.SearchKeywords)
		out = append(out, u)
	}
	return out, engine.PGError("list users", rows.Err())
}

func (p *Postgres) GetProfile(ctx context.Context, id string) (jobs.Profile, error) {
	return getJSON[jobs.Profile](ctx, p, "profile", `SELECT data FROM profiles WHERE id = $1`, id)
}

func (p *Postgres) SaveProfile(ctx context.Context, pr jobs.Profile) error {
	if pr.ID == "" {
		return engine.Invalid("profile: empty id")
	}
	data, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO profiles (id, user_id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET data = jsonb_set(EXCLUDED.data, '{created_at}', profiles.data->'created_at'),
		   updated_at = EXCLUDED.updated_at`,
		pr.ID, pr.UserID, data, pr.CreatedAt, pr.UpdatedAt,
	)
	return engine.PGError("save profile", err)
}

func (p *Postgres) ListProfiles(ctx context.Context) ([]jobs.Profile, error) {
	return listJSON[jobs.Profile](ctx, p, "list profiles", `SELECT data FROM profiles ORDER BY id`)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	return getJSON[jobs.Job](ctx, p, "job", `SELECT data FROM jobs WHERE id = $1`, id)
}

func (p *Postgres) SaveJob(ctx context.Context, j jobs.Job) error {
	if j.ID == "" {
		return engine.Invalid("job: empty id")
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO jobs (id, source, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET data = jsonb_set(EXCLUDED.data, '{created_at}', jobs.data->'created_at'),
		   updated_at = EXCLUDED.updated_at`,
		j.ID, j.Source, data, j.CreatedAt, j.UpdatedAt,
	)
	return engine.PGError("save job", err)
}

func (p *Postgres) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	return listJSON[jobs.Job](ctx, p, "list jobs", `SELECT data FROM jobs ORDER BY id`)
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (jobs.Document, error) {
	return getJSON[jobs.Document](ctx, p, "document", `SELECT data FROM documents WHERE id = $1`, id)
}

func (p *Postgres) SaveDocument(ctx context.Context, d jobs.Document) error {
	if d.ID == "" {
		return engine.Invalid("document: empty id")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, job_id, kind, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		d.ID, d.UserID, d.JobID, string(d.Kind), data, d.CreatedAt,
	)
	return engine.PGError("save document", err)
}

func (p *Postgres) GetApplication(ctx context.Context, id string) (jobs.Application, error) {
	return getJSON[jobs.Application](ctx, p, "application", `SELECT data FROM applications WHERE id = $1`, id)
}

func (p *Postgres) SaveApplication(ctx context.Context, a jobs.Application) error {
	if a.ID == "" {
		return engine.Invalid("application: empty id")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO applications (id, user_id, job_id, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		a.ID, a.UserID, a.JobID, string(a.Status), data, a.CreatedAt, a.UpdatedAt,
	)
	return engine.PGError("save application", err)
}

func (p *Postgres) ReplaceMatches(ctx context.Context, userID string, rs []jobs.MatchResult) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM matches WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for i, r := range rs {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO matches (user_id, job_id, rank, combined_score, data) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (user_id, job_id) DO NOTHING`,
				userID, r.JobID, i, r.CombinedScore, data,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return engine.PGError("replace matches", err)
}

func (p *Postgres) ListMatches(ctx context.Context, userID string) ([]jobs.MatchResult, error) {
	return listJSON[jobs.MatchResult](ctx, p, "list matches",
		`SELECT data FROM matches WHERE user_id = $1 ORDER BY rank`, userID)
}

func (p *Postgres) GetCredential(ctx context.Context, userID string) (credentials.Credential, error) {
	c := credentials.Credential{UserID: userID}
	err := p.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, expires_at, invalid FROM credentials WHERE user_id = $1`, userID,
	).Scan(&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Invalid)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, engine.NotFound("credential", userID)
	}
	return c, engine.PGError("get credential", err)
}

func (p *Postgres) SaveCredential(ctx context.Context, c credentials.Credential) error {
	if c.UserID == "" {
		return engine.Invalid("credential: empty user id")
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, invalid, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at, invalid = EXCLUDED.invalid, updated_at = now()`,
		c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.Invalid,
	)
	return engine.PGError("save credential", err)
}

func (p *Postgres) MarkInvalid(ctx context.Context, userID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE credentials SET invalid = TRUE, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return engine.PGError("mark credential invalid", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.NotFound("credential", userID)
	}
	return nil
}

func (p *Postgres) Cleanup(ctx context.Context, cutoff time.Time) (CleanupReport, error) {
	rep := CleanupReport{Cutoff: cutoff}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM jobs WHERE updated_at < $1 RETURNING id`, cutoff)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		rep.DeletedJobIDs = ids
		rep.Jobs = len(ids)
		if len(ids) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM matches WHERE job_id = ANY($1)`, ids); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		rep.Documents = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `DELETE FROM applications WHERE updated_at < $1`, cutoff)
		if err != nil {
			return err
		}
		rep.Applications = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return CleanupReport{}, engine.PGError("cleanup", err)
	}
	return rep, nil
}

func (p *Postgres) Activity(ctx context.Context, since time.Time) (ActivityReport, error) {
	rep := ActivityReport{Since: since}
	err := p.pool.QueryRow(ctx, `SELECT
		(SELECT count(*) FROM users WHERE created_at >= $1),
		(SELECT count(*) FROM users WHERE active),
		(SELECT count(*) FROM jobs WHERE created_at >= $1),
		(SELECT count(*) FROM documents WHERE created_at >= $1),
		(SELECT count(*) FROM applications WHERE created_at >= $1),
		(SELECT count(*) FROM applications WHERE created_at >= $1 AND status = 'submitted')`, since,
	).Scan(&rep.NewUsers, &rep.ActiveUsers, &rep.NewJobs, &rep.NewDocuments, &rep.NewApplications, &rep.SubmittedApplications)
	if err != nil {
		return ActivityReport{}, engine.PGError("activity", err)
	}
	return rep, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
