package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// ApplicationStatus is a step of the application lifecycle.
type ApplicationStatus string

const (
	StatusDraft     ApplicationStatus = "draft"
	StatusPrepared  ApplicationStatus = "prepared"
	StatusSubmitted ApplicationStatus = "submitted"
	StatusFailed    ApplicationStatus = "failed"
)

// transitions lists the allowed moves. submitted has none.
var transitions = map[ApplicationStatus][]ApplicationStatus{
	StatusDraft:    {StatusPrepared, StatusFailed},
	StatusPrepared: {StatusSubmitted, StatusFailed},
	StatusFailed:   {StatusPrepared, StatusDraft},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ApplicationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of an application's append-only history.
type StatusChange struct {
	From  ApplicationStatus `json:"from,omitempty"`
	To    ApplicationStatus `json:"to"`
	Notes string            `json:"notes,omitempty"`
	At    time.Time         `json:"at"`
}

// Application tracks one candidate applying to one job.
type Application struct {
	ID                    string            `json:"id"`
	UserID                string            `json:"user_id"`
	JobID                 string            `json:"job_id"`
	Status                ApplicationStatus `json:"status"`
	ResumeID              string            `json:"resume_id,omitempty"`
	CoverLetterID         string            `json:"cover_letter_id,omitempty"`
	ExternalApplicationID string            `json:"external_application_id,omitempty"`
	Notes                 string            `json:"notes,omitempty"`
	History               []StatusChange    `json:"history"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ApplicationID is stable per (user, job); a user applies to a job once.
func ApplicationID(userID, jobID string) string {
	return uuid.NewSHA1(idSpace, []byte("application:"+userID+":"+jobID)).String()
}

// transition moves a to status `to`, enforcing the guards and recording history.
func (a *Application) transition(to ApplicationStatus, notes string, at time.Time) error {
	if !CanTransition(a.Status, to) {
		return engine.Invalid("application %s: cannot move from %s to %s", a.ID, a.Status, to)
	}
	switch to {
	case StatusPrepared:
		if a.ResumeID == "" && a.CoverLetterID == "" {
			return engine.Invalid("application %s: prepared requires a resume or cover letter", a.ID)
		}
	case StatusSubmitted:
		if a.ExternalApplicationID == "" {
			return engine.Invalid("application %s: submitted requires an external application id", a.ID)
		}
	}
	a.History = append(a.History, StatusChange{From: a.Status, To: to, Notes: notes, At: at})
	a.Status = to
	a.UpdatedAt = at
	return nil
}

// ApplicationStore persists applications. Get returns an error wrapping
// engine.ErrNotFound for unknown ids.
type ApplicationStore interface {
	GetApplication(ctx context.Context, id string) (Application, error)
	SaveApplication(ctx context.Context, a Application) error
}

// JobGetter loads postings by id.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (Job, error)
}

// Submitter sends a prepared application to the employer side and returns
// the external application id.
type Submitter interface {
	Submit(ctx context.Context, a Application, j Job) (string, error)
}

// Applications drives the application lifecycle.
type Applications struct {
	store     ApplicationStore
	jobs      JobGetter
	submitter Submitter
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*appLock
}

// appLock is dropped from the map when its last holder or waiter leaves.
type appLock struct {
	mu   sync.Mutex
	refs int
}

// NewApplications builds the service. submitter may be nil, in which case
// Submit fails with a validation error.
func NewApplications(store ApplicationStore, jobs JobGetter, submitter Submitter) *Applications {
	return &Applications{
		store:     store,
		jobs:      jobs,
		submitter: submitter,
		now:       time.Now,
		locks:     make(map[string]*appLock),
	}
}

// lock serializes changes to one application within this process.
func (s *Applications) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &appLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

func (s *Applications) heldLocks() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

// Create returns the draft application for (user, job), creating it if needed.
func (s *Applications) Create(ctx context.Context, userID, jobID string) (Application, error) {
	id := ApplicationID(userID, jobID)
	defer s.lock(id)()

	a, err := s.store.GetApplication(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return Application{}, err
	}
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return Application{}, err
	}
	now := s.now().UTC()
	a = Application{
		ID:        id,
		UserID:    userID,
		JobID:     jobID,
		Status:    StatusDraft,
		History:   []StatusChange{{To: StatusDraft, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveApplication(ctx, a); err != nil {
		return Application{}, fmt.Errorf("create application: %w", err)
	}
	return a, nil
}

// Prepare attaches artifacts and moves the application to prepared.
// Empty ids keep the current attachment.
func (s *Applications) Prepare(ctx context.Context, id, resumeID, coverLetterID string) (Application, error) {
	defer s.lock(id)()
	return s.update(ctx, id, func(a *Application, now time.Time) error {
		if resumeID != "" {
			a.ResumeID = resumeID
		}
		if coverLetterID != "" {
			a.CoverLetterID = coverLetterID
		}
		if a.Status == StatusPrepared {
			a.UpdatedAt = now
			return nil
		}
		return a.transition(StatusPrepared, "", now)
	})
}

// MarkFailed moves a draft or prepared application to failed.
func (s *Applications) MarkFailed(ctx context.Context, id, reason string) (Application, error) {
	defer s.lock(id)()
	return s.update(ctx, id, func(a *Application, now time.Time) error {
		if a.Status == StatusFailed {
			return nil
		}
		return a.transition(StatusFailed, reason, now)
	})
}

// Retry moves a failed application back to prepared when it has an
// artifact, otherwise back to draft.
func (s *Applications) Retry(ctx context.Context, id string) (Application, error) {
	defer s.lock(id)()
	return s.update(ctx, id, func(a *Application, now time.Time) error {
		if a.Status != StatusFailed {
			return engine.Invalid("application %s: retry requires failed, is %s", a.ID, a.Status)
		}
		if a.ResumeID != "" || a.CoverLetterID != "" {
			return a.transition(StatusPrepared, "retry", now)
		}
		return a.transition(StatusDraft, "retry", now)
	})
}

// Submit sends a prepared application. An already submitted application is
// returned unchanged. If the submission fails the application becomes
// failed, keeps no external id, and the submission error is returned.
func (s *Applications) Submit(ctx context.Context, id string) (Application, error) {
	defer s.lock(id)()

	a, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return Application{}, err
	}
	switch a.Status {
	case StatusSubmitted:
		return a, nil
	case StatusPrepared:
	default:
		return a, engine.Invalid("application %s: submit requires prepared, is %s", a.ID, a.Status)
	}
	if s.submitter == nil {
		return a, engine.Invalid("application %s: no submitter configured", a.ID)
	}
	j, err := s.jobs.GetJob(ctx, a.JobID)
	if err != nil {
		return a, err
	}

	extID, subErr := s.submitter.Submit(ctx, a, j)
	if subErr == nil && extID == "" {
		subErr = engine.Malformed("submit application", errors.New("empty external id"))
	}
	now := s.now().UTC()
	if subErr != nil {
		slog.Warn("application submission failed", slog.String("application_id", a.ID), slog.Any("error", subErr))
		if err := a.transition(StatusFailed, subErr.Error(), now); err != nil {
			return a, err
		}
		if err := s.store.SaveApplication(ctx, a); err != nil {
			return a, fmt.Errorf("save failed application: %w", err)
		}
		return a, fmt.Errorf("submit application %s: %w", a.ID, subErr)
	}

	a.ExternalApplicationID = extID
	if err := a.transition(StatusSubmitted, "", now); err != nil {
		return a, err
	}
	if err := s.store.SaveApplication(ctx, a); err != nil {
		return a, fmt.Errorf("save submitted application: %w", err)
	}
	slog.Info("application submitted", slog.String("application_id", a.ID), slog.String("external_id", extID))
	return a, nil
}

func (s *Applications) update(ctx context.Context, id string, fn func(*Application, time.Time) error) (Application, error) {
	a, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return Application{}, err
	}
	if err := fn(&a, s.now().UTC()); err != nil {
		return a, err
	}
	if err := s.store.SaveApplication(ctx, a); err != nil {
		return a, fmt.Errorf("save application: %w", err)
	}
	return a, nil
}
