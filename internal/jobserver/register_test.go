package jobserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/store"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/tasks"
)

func connect(t *testing.T, d Deps) (*mcp.ClientSession, int) {
	t.Helper()
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	n := RegisterTools(server, d)

	st, ct := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, n
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		require.NotEmpty(t, res.Content)
		text, ok := res.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		require.NoError(t, json.Unmarshal([]byte(text.Text), out))
	}
	return res
}

func newOrchestrator() *tasks.Orchestrator {
	o := tasks.NewOrchestrator(tasks.NewMemoryQueue(), tasks.NewMemoryLog(), tasks.Config{MaxAttempts: 1, Workers: 1})
	o.Register(tasks.TypeCleanup, func(context.Context, tasks.Task) (tasks.Result, error) {
		return tasks.Result{Message: "cleaned"}, nil
	})
	return o
}

func TestTaskToolsRoundTrip(t *testing.T) {
	o := newOrchestrator()
	cs, n := connect(t, Deps{Tasks: o})
	assert.Equal(t, 3, n)

	var queued TaskOutput
	res := call(t, cs, "task_enqueue", map[string]any{
		"type":    "cleanup",
		"payload": map[string]any{"retention_days": 30},
	}, &queued)
	require.False(t, res.IsError)
	assert.Equal(t, "queued", queued.State)
	require.NotEmpty(t, queued.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.ProcessNext(ctx))

	var status TaskOutput
	call(t, cs, "task_status", map[string]any{"task_id": queued.ID}, &status)
	assert.Equal(t, "success", status.State)
	assert.Len(t, status.History, 3)
	result, ok := status.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, "cleaned", result["message"])

	res = call(t, cs, "task_revoke", map[string]any{"task_id": queued.ID}, nil)
	assert.True(t, res.IsError)
}

func TestTaskRevokeTool(t *testing.T) {
	o := newOrchestrator()
	cs, _ := connect(t, Deps{Tasks: o})

	var queued TaskOutput
	call(t, cs, "task_enqueue", map[string]any{"type": "cleanup"}, &queued)

	var revoked TaskOutput
	res := call(t, cs, "task_revoke", map[string]any{"task_id": queued.ID}, &revoked)
	require.False(t, res.IsError)
	assert.Equal(t, "revoked", revoked.State)
}

func TestTaskEnqueueRejectsUnknownType(t *testing.T) {
	cs, _ := connect(t, Deps{Tasks: newOrchestrator()})
	res := call(t, cs, "task_enqueue", map[string]any{"type": "mine_bitcoin"}, nil)
	assert.True(t, res.IsError)

	res = call(t, cs, "task_status", map[string]any{"task_id": "missing"}, nil)
	assert.True(t, res.IsError)
}

func TestScheduleTriggerTool(t *testing.T) {
	o := newOrchestrator()
	sched, err := tasks.NewScheduler(o, tasks.DefaultSchedules(engine.Config{ScheduleCleanup: "0 1 * * 0", RetentionDays: 90}))
	require.NoError(t, err)
	cs, n := connect(t, Deps{Tasks: o, Schedules: sched})
	assert.Equal(t, 4, n)

	var out TaskOutput
	res := call(t, cs, "schedule_trigger", map[string]any{"name": "weekly-cleanup"}, &out)
	require.False(t, res.IsError)
	assert.Equal(t, "cleanup", out.Type)

	res = call(t, cs, "schedule_trigger", map[string]any{"name": "job-search"}, nil)
	assert.True(t, res.IsError)
}

func TestResultTools(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveJob(ctx, jobs.Job{ID: "j1", Title: "Engineer", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.ReplaceMatches(ctx, "u1", []jobs.MatchResult{
		{ProfileID: "p1", JobID: "j1", VectorScore: 0.8, LLMScore: 0.6, CombinedScore: 0.7},
	}))
	require.NoError(t, st.SaveDocument(ctx, jobs.Document{
		ID: "d1", UserID: "u1", JobID: "j1", Kind: jobs.KindCoverLetter,
		Content: json.RawMessage(`{"full_text":"Dear team"}`), CreatedAt: now,
	}))
	require.NoError(t, st.SaveApplication(ctx, jobs.Application{
		ID: "a1", UserID: "u1", JobID: "j1", Status: jobs.StatusPrepared, CoverLetterID: "d1",
		History: []jobs.StatusChange{{To: jobs.StatusDraft, At: now}, {From: jobs.StatusDraft, To: jobs.StatusPrepared, At: now}},
		CreatedAt: now, UpdatedAt: now,
	}))

	cs, n := connect(t, Deps{Tasks: newOrchestrator(), Results: st})
	assert.Equal(t, 6, n)

	var ml MatchListOutput
	call(t, cs, "match_list", map[string]any{"user_id": "u1"}, &ml)
	assert.Equal(t, 1, ml.Count)

	var doc DocumentOutput
	call(t, cs, "document_get", map[string]any{"id": "d1"}, &doc)
	assert.Equal(t, "cover_letter", doc.Kind)
	assert.Equal(t, map[string]any{"full_text": "Dear team"}, doc.Content)

	var app ApplicationOutput
	call(t, cs, "application_get", map[string]any{"id": "a1"}, &app)
	assert.Equal(t, "prepared", app.Status)
	assert.Equal(t, "d1", app.CoverLetterID)
	assert.Len(t, app.History, 2)

	res := call(t, cs, "application_get", map[string]any{"id": "nope"}, nil)
	assert.True(t, res.IsError)
}
