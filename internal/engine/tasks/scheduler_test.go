package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

func scheduleConfig() engine.Config {
	return engine.Config{
		ScheduleSync:         "0 2 * * *",
		ScheduleSearch:       "15 */4 * * *",
		ScheduleReindexJobs:  "0 3 * * *",
		ScheduleReindexProfs: "30 3 * * *",
		ScheduleMatches:      "0 4 * * *",
		ScheduleCleanup:      "0 1 * * 0",
		RetentionDays:        90,
	}
}

func TestDefaultSchedules(t *testing.T) {
	scheds := DefaultSchedules(scheduleConfig())
	require.Len(t, scheds, 6)

	cfg := scheduleConfig()
	cfg.ScheduleSearch = ""
	assert.Len(t, DefaultSchedules(cfg), 5)
}

func TestSchedulerTriggerEnqueuesOnly(t *testing.T) {
	o, q := newTestOrchestrator(testConfig())
	s, err := NewScheduler(o, DefaultSchedules(scheduleConfig()))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"daily-matches", "daily-profile-sync", "job-search", "reindex-jobs", "reindex-profiles", "weekly-cleanup",
	}, s.Names())

	task, err := s.Trigger(context.Background(), "weekly-cleanup")
	require.NoError(t, err)
	assert.Equal(t, TypeCleanup, task.Type)

	var p CleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload, &p))
	assert.Equal(t, 90, p.RetentionDays)

	queued, _ := q.Len()
	assert.Equal(t, 1, queued)
	st, err := o.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)

	_, err = s.Trigger(context.Background(), "nightly-party")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	o, _ := newTestOrchestrator(testConfig())
	_, err := NewScheduler(o, []Schedule{{Name: "broken", Spec: "every tuesday", Type: TypeCleanup}})
	assert.Error(t, err)

	_, err = NewScheduler(o, []Schedule{
		{Name: "dup", Spec: "0 1 * * *", Type: TypeCleanup},
		{Name: "dup", Spec: "0 2 * * *", Type: TypeCleanup},
	})
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	o, _ := newTestOrchestrator(testConfig())
	s, err := NewScheduler(o, DefaultSchedules(scheduleConfig()))
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
