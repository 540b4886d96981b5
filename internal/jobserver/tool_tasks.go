package jobserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_jobpilot/internal/engine/tasks"
)

// TaskEnqueueInput names a task type and its JSON payload.
type TaskEnqueueInput struct {
	Type    string         `json:"type" jsonschema:"task type, e.g. sync_profile, search_jobs, index_job, find_matches, generate_document, cleanup"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"task payload object, e.g. {\"user_id\": \"u1\"}"`
}

// TaskIDInput identifies one task.
type TaskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"task id returned by task_enqueue"`
}

// ScheduleTriggerInput names a recurring schedule.
type ScheduleTriggerInput struct {
	Name string `json:"name" jsonschema:"schedule name, e.g. daily-profile-sync, job-search, weekly-cleanup"`
}

func registerTaskEnqueue(server *mcp.Server, svc TaskService) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_enqueue",
		Description: "Queue a pipeline task (profile sync, job search, indexing, matching, document generation, cleanup, application submission or an admin fan-out). Returns the task id; poll task_status for the result.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input TaskEnqueueInput) (*mcp.CallToolResult, *TaskOutput, error) {
		if input.Type == "" {
			return nil, nil, errors.New("type is required")
		}
		typ, err := tasks.ParseType(input.Type)
		if err != nil {
			return nil, nil, err
		}
		var payload any
		if input.Payload != nil {
			payload = input.Payload
		}
		t, err := svc.Enqueue(ctx, typ, payload)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("task_enqueue", slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
		return nil, &TaskOutput{ID: t.ID, Type: string(t.Type), State: string(tasks.StateQueued), Attempt: t.Attempt}, nil
	})
}

func registerTaskStatus(server *mcp.Server, svc TaskService) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_status",
		Description: "Get a task's state (queued, running, success, failed, revoked), attempt count, result and full event history.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input TaskIDInput) (*mcp.CallToolResult, *TaskOutput, error) {
		if input.TaskID == "" {
			return nil, nil, errors.New("task_id is required")
		}
		st, err := svc.Status(ctx, input.TaskID)
		if err != nil {
			return nil, nil, err
		}
		return nil, taskOutput(st), nil
	})
}

func registerTaskRevoke(server *mcp.Server, svc TaskService) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_revoke",
		Description: "Revoke a queued task so it never runs. Tasks already running or finished cannot be revoked.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input TaskIDInput) (*mcp.CallToolResult, *TaskOutput, error) {
		if input.TaskID == "" {
			return nil, nil, errors.New("task_id is required")
		}
		st, err := svc.Revoke(ctx, input.TaskID)
		if err != nil {
			return nil, nil, err
		}
		return nil, taskOutput(st), nil
	})
}

func registerScheduleTrigger(server *mcp.Server, sched Trigger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "schedule_trigger",
		Description: "Run a recurring schedule now by enqueuing its task. Schedules: daily-profile-sync, job-search, reindex-jobs, reindex-profiles, daily-matches, weekly-cleanup.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input ScheduleTriggerInput) (*mcp.CallToolResult, *TaskOutput, error) {
		if input.Name == "" {
			return nil, nil, errors.New("name is required")
		}
		t, err := sched.Trigger(ctx, input.Name)
		if err != nil {
			return nil, nil, err
		}
		return nil, &TaskOutput{ID: t.ID, Type: string(t.Type), State: string(tasks.StateQueued), Attempt: t.Attempt}, nil
	})
}
