// Package store persists the pipeline's entities. Every backend satisfies the
// same Store interface; the entry point picks one at startup.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/credentials"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

// Store is the repository used by task handlers. Get* methods return an
// error wrapping engine.ErrNotFound for unknown ids. Save* methods upsert.
type Store interface {
	credentials.Store
	jobs.ApplicationStore
	jobs.JobGetter

	GetUser(ctx context.Context, id string) (jobs.User, error)
	SaveUser(ctx context.Context, u jobs.User) error
	ListActiveUsers(ctx context.Context) ([]jobs.User, error)

	GetProfile(ctx context.Context, id string) (jobs.Profile, error)
	SaveProfile(ctx context.Context, p jobs.Profile) error
	ListProfiles(ctx context.Context) ([]jobs.Profile, error)

	SaveJob(ctx context.Context, j jobs.Job) error
	ListJobs(ctx context.Context) ([]jobs.Job, error)

	GetDocument(ctx context.Context, id string) (jobs.Document, error)
	SaveDocument(ctx context.Context, d jobs.Document) error

	// ReplaceMatches swaps userID's stored ranking for rs.
	ReplaceMatches(ctx context.Context, userID string, rs []jobs.MatchResult) error
	ListMatches(ctx context.Context, userID string) ([]jobs.MatchResult, error)

	// Cleanup deletes jobs, documents and applications last touched strictly
	// before cutoff.
	Cleanup(ctx context.Context, cutoff time.Time) (CleanupReport, error)
	Activity(ctx context.Context, since time.Time) (ActivityReport, error)

	Close()
}

// CleanupReport counts what Cleanup removed.
type CleanupReport struct {
	Cutoff        time.Time `json:"cutoff"`
	Jobs          int       `json:"jobs"`
	Documents     int       `json:"documents"`
	Applications  int       `json:"applications"`
	DeletedJobIDs []string  `json:"deleted_job_ids,omitempty"`
}

// ActivityReport counts entities created since a point in time.
type ActivityReport struct {
	Since                 time.Time `json:"since"`
	NewUsers              int       `json:"new_users"`
	ActiveUsers           int       `json:"active_users"`
	NewJobs               int       `json:"new_jobs"`
	NewDocuments          int       `json:"new_documents"`
	NewApplications       int       `json:"new_applications"`
	SubmittedApplications int       `json:"submitted_applications"`
}

// New selects the backend named by cfg.StoreBackend. pool is only used by the
// postgres backend.
func New(ctx context.Context, cfg engine.Config, pool *pgxpool.Pool) (Store, error) {
	switch cfg.StoreBackend {
	case engine.BackendMemory:
		return NewMemory(), nil
	case engine.BackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("store: postgres backend needs a database pool")
		}
		return NewPostgres(ctx, pool)
	}
	return nil, fmt.Errorf("store: unknown backend %q", cfg.StoreBackend)
}
