package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/credentials"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

// Memory is an in-process Store for tests and single-node runs.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]jobs.User
	profiles     map[string]jobs.Profile
	jobs         map[string]jobs.Job
	documents    map[string]jobs.Document
	applications map[string]jobs.Application
	matches      map[string][]jobs.MatchResult
	credentials  map[string]credentials.Credential
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]jobs.User),
		profiles:     make(map[string]jobs.Profile),
		jobs:         make(map[string]jobs.Job),
		documents:    make(map[string]jobs.Document),
		applications: make(map[string]jobs.Application),
		matches:      make(map[string][]jobs.MatchResult),
		credentials:  make(map[string]credentials.Credential),
	}
}

func (m *Memory) Close() {}

func get[T any](m *Memory, table map[string]T, kind, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := table[id]
	if !ok {
		var zero T
		return zero, engine.NotFound(kind, id)
	}
	return v, nil
}

func sortedValues[T any](m *Memory, table map[string]T, keep func(T) bool, id func(T) string) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]T, 0, len(table))
	for _, v := range table {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(a, b int) bool { return id(out[a]) < id(out[b]) })
	return out
}

func (m *Memory) GetUser(_ context.Context, id string) (jobs.User, error) {
	return get(m, m.users, "user", id)
}

func (m *Memory) SaveUser(_ context.Context, u jobs.User) error {
	if u.ID == "" {
		return engine.Invalid("user: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = old.CreatedAt
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) ListActiveUsers(context.Context) ([]jobs.User, error) {
	return sortedValues(m, m.users, func(u jobs.User) bool { return u.Active }, func(u jobs.User) string { return u.ID }), nil
}

func (m *Memory) GetProfile(_ context.Context, id string) (jobs.Profile, error) {
	return get(m, m.profiles, "profile", id)
}

func (m *Memory) SaveProfile(_ context.Context, p jobs.Profile) error {
	if p.ID == "" {
		return engine.Invalid("profile: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	}
	m.profiles[p.ID] = p
	return nil
}

func (m *Memory) ListProfiles(context.Context) ([]jobs.Profile, error) {
	return sortedValues(m, m.profiles, nil, func(p jobs.Profile) string { return p.ID }), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (jobs.Job, error) {
	return get(m, m.jobs, "job", id)
}

func (m *Memory) SaveJob(_ context.Context, j jobs.Job) error {
	if j.ID == "" {
		return engine.Invalid("job: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.jobs[j.ID]; ok {
		j.CreatedAt = old.CreatedAt
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) ListJobs(context.Context) ([]jobs.Job, error) {
	return sortedValues(m, m.jobs, nil, func(j jobs.Job) string { return j.ID }), nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (jobs.Document, error) {
	return get(m, m.documents, "document", id)
}

func (m *Memory) SaveDocument(_ context.Context, d jobs.Document) error {
	if d.ID == "" {
		return engine.Invalid("document: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

func (m *Memory) GetApplication(_ context.Context, id string) (jobs.Application, error) {
	a, err := get(m, m.applications, "application", id)
	a.History = slices.Clone(a.History)
	return a, err
}

func (m *Memory) SaveApplication(_ context.Context, a jobs.Application) error {
	if a.ID == "" {
		return engine.Invalid("application: empty id")
	}
	a.History = slices.Clone(a.History)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applications[a.ID] = a
	return nil
}

func (m *Memory) ReplaceMatches(_ context.Context, userID string, rs []jobs.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[userID] = slices.Clone(rs)
	return nil
}

func (m *Memory) ListMatches(_ context.Context, userID string) ([]jobs.MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.matches[userID]), nil
}

func (m *Memory) GetCredential(_ context.Context, userID string) (credentials.Credential, error) {
	return get(m, m.credentials, "credential", userID)
}

func (m *Memory) SaveCredential(_ context.Context, c credentials.Credential) error {
	if c.UserID == "" {
		return engine.Invalid("credential: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.UserID] = c
	return nil
}

func (m *Memory) MarkInvalid(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[userID]
	if !ok {
		return engine.NotFound("credential", userID)
	}
	c.Invalid = true
	m.credentials[userID] = c
	return nil
}

func (m *Memory) Cleanup(_ context.Context, cutoff time.Time) (CleanupReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := CleanupReport{Cutoff: cutoff}
	deleted := make(map[string]bool)
	for id, j := range m.jobs {
		if j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted[id] = true
			rep.DeletedJobIDs = append(rep.DeletedJobIDs, id)
		}
	}
	rep.Jobs = len(rep.DeletedJobIDs)
	sort.Strings(rep.DeletedJobIDs)

	for id, d := range m.documents {
		if d.CreatedAt.Before(cutoff) {
			delete(m.documents, id)
			rep.Documents++
		}
	}
	for id, a := range m.applications {
		if a.UpdatedAt.Before(cutoff) {
			delete(m.applications, id)
			rep.Applications++
		}
	}
	if len(deleted) > 0 {
		for user, rs := range m.matches {
			m.matches[user] = slices.DeleteFunc(rs, func(r jobs.MatchResult) bool { return deleted[r.JobID] })
		}
	}
	return rep, nil
}

func (m *Memory) Activity(_ context.Context, since time.Time) (ActivityReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep := ActivityReport{Since: since}
	for _, u := range m.users {
		if !u.CreatedAt.Before(since) {
			rep.NewUsers++
		}
		if u.Active {
			rep.ActiveUsers++
		}
	}
	for _, j := range m.jobs {
		if !j.CreatedAt.Before(since) {
			rep.NewJobs++
		}
	}
	for _, d := range m.documents {
		if !d.CreatedAt.Before(since) {
			rep.NewDocuments++
		}
	}
	for _, a := range m.applications {
		if !a.CreatedAt.Before(since) {
			rep.NewApplications++
			if a.Status == jobs.StatusSubmitted {
				rep.SubmittedApplications++
			}
		}
	}
	return rep, nil
}
