package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Enqueuer is the part of the orchestrator the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ Type, payload any) (Task, error)
}

// Schedule is one recurring trigger.
type Schedule struct {
	Name    string
	Spec    string // standard 5-field cron expression, UTC
	Type    Type
	Payload any
}

// DefaultSchedules maps the configured cron expressions onto task types.
// An empty expression disables that trigger.
func DefaultSchedules(c engine.Config) []Schedule {
	all := []Schedule{
		{Name: "daily-profile-sync", Spec: c.ScheduleSync, Type: TypeSyncAllProfiles},
		{Name: "job-search", Spec: c.ScheduleSearch, Type: TypeSearchJobsForAllUsers},
		{Name: "reindex-jobs", Spec: c.ScheduleReindexJobs, Type: TypeReindexJobs},
		{Name: "reindex-profiles", Spec: c.ScheduleReindexProfs, Type: TypeReindexProfiles},
		{Name: "daily-matches", Spec: c.ScheduleMatches, Type: TypeFindMatchesForAllUsers},
		{Name: "weekly-cleanup", Spec: c.ScheduleCleanup, Type: TypeCleanup, Payload: CleanupPayload{RetentionDays: c.RetentionDays}},
	}
	out := all[:0]
	for _, s := range all {
		if s.Spec != "" {
			out = append(out, s)
		}
	}
	return out
}

// Scheduler enqueues fresh task instances on a cron. It never runs task
// logic itself.
type Scheduler struct {
	cron      *cron.Cron
	enq       Enqueuer
	schedules map[string]Schedule
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler validates every expression up front.
func NewScheduler(enq Enqueuer, schedules []Schedule) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		enq:       enq,
		schedules: make(map[string]Schedule, len(schedules)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, sc := range schedules {
		if _, dup := s.schedules[sc.Name]; dup {
			cancel()
			return nil, fmt.Errorf("scheduler: duplicate schedule %q", sc.Name)
		}
		if _, err := s.cron.AddFunc(sc.Spec, func() { s.fire(sc) }); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduler: %s %q: %w", sc.Name, sc.Spec, err)
		}
		s.schedules[sc.Name] = sc
	}
	return s, nil
}

func (s *Scheduler) Start() {
	slog.Info("scheduler started", slog.Any("schedules", s.Names()))
	s.cron.Start()
}

// Stop halts the cron and waits for in-flight triggers.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Names lists the registered schedules in order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.schedules))
	for n := range s.schedules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Trigger enqueues the named schedule's task now.
func (s *Scheduler) Trigger(ctx context.Context, name string) (Task, error) {
	sc, ok := s.schedules[name]
	if !ok {
		return Task{}, engine.NotFound("schedule", name)
	}
	return s.enq.Enqueue(ctx, sc.Type, sc.Payload)
}

func (s *Scheduler) fire(sc Schedule) {
	t, err := s.enq.Enqueue(s.ctx, sc.Type, sc.Payload)
	if err != nil {
		slog.Error("scheduled enqueue failed", slog.String("schedule", sc.Name), slog.Any("error", err))
		return
	}
	slog.Info("scheduled task enqueued", slog.String("schedule", sc.Name), slog.String("task_id", t.ID))
}
