// Package jobserver exposes the task pipeline as MCP tools.
package jobserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/tasks"
)

// TaskService is the orchestrator surface the tools drive.
type TaskService interface {
	Enqueue(ctx context.Context, typ tasks.Type, payload any) (tasks.Task, error)
	Status(ctx context.Context, id string) (tasks.Status, error)
	Revoke(ctx context.Context, id string) (tasks.Status, error)
}

// Trigger fires a named schedule immediately.
type Trigger interface {
	Trigger(ctx context.Context, name string) (tasks.Task, error)
	Names() []string
}

// Results reads what the pipeline stored.
type Results interface {
	ListMatches(ctx context.Context, userID string) ([]jobs.MatchResult, error)
	GetApplication(ctx context.Context, id string) (jobs.Application, error)
	GetDocument(ctx context.Context, id string) (jobs.Document, error)
}

// Deps are the components behind the tools. Schedules and Results may be nil;
// their tools are then not registered.
type Deps struct {
	Tasks     TaskService
	Schedules Trigger
	Results   Results
}

// RegisterTools registers the pipeline tools and returns how many it added.
func RegisterTools(server *mcp.Server, d Deps) int {
	n := 0
	registerTaskEnqueue(server, d.Tasks)
	registerTaskStatus(server, d.Tasks)
	registerTaskRevoke(server, d.Tasks)
	n += 3
	if d.Schedules != nil {
		registerScheduleTrigger(server, d.Schedules)
		n++
	}
	if d.Results != nil {
		registerMatchList(server, d.Results)
		registerApplicationGet(server, d.Results)
		registerDocumentGet(server, d.Results)
		n += 3
	}
	return n
}

// TaskOutput is a task's state as the tools report it.
type TaskOutput struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	State    string        `json:"state"`
	Attempt  int           `json:"attempt"`
	ParentID string        `json:"parent_id,omitempty"`
	Result   any           `json:"result,omitempty"`
	History  []EventOutput `json:"history,omitempty"`
}

// EventOutput is one task log entry.
type EventOutput struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	Message string `json:"message,omitempty"`
	At      string `json:"at"`
}

func taskOutput(st tasks.Status) *TaskOutput {
	out := &TaskOutput{
		ID:       st.ID,
		Type:     string(st.Type),
		State:    string(st.State),
		Attempt:  st.Attempt,
		ParentID: st.ParentID,
		Result:   decodeRaw(st.Result),
	}
	for _, ev := range st.History {
		out.History = append(out.History, EventOutput{
			State: string(ev.State), Attempt: ev.Attempt, Message: ev.Message, At: ev.At.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// jsonValue re-encodes v as plain JSON values so output schemas stay
// permissive for nested domain types.
func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return decodeRaw(raw)
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
