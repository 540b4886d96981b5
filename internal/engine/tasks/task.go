// Package tasks runs the pipeline asynchronously: a durable queue, an
// append-only task log, a worker pool with bounded retries, fan-out of admin
// tasks and a cron scheduler that only enqueues.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Type names a task handler.
type Type string

const (
	TypeSyncProfile       Type = "sync_profile"
	TypeSearchJobs        Type = "search_jobs"
	TypeIndexJob          Type = "index_job"
	TypeIndexProfile      Type = "index_profile"
	TypeFindMatches       Type = "find_matches"
	TypeGenerateDocument  Type = "generate_document"
	TypeCleanup           Type = "cleanup"
	TypeAnalyzeProfile    Type = "analyze_profile"
	TypeSubmitApplication Type = "submit_application"
	TypeActivityReport    Type = "activity_report"

	TypeSyncAllProfiles        Type = "sync_all_profiles"
	TypeSearchJobsForAllUsers  Type = "search_jobs_for_all_users"
	TypeFindMatchesForAllUsers Type = "find_matches_for_all_users"
	TypeReindexJobs            Type = "reindex_jobs"
	TypeReindexProfiles        Type = "reindex_profiles"
)

// Types lists every known task type.
var Types = []Type{
	TypeSyncProfile, TypeSearchJobs, TypeIndexJob, TypeIndexProfile, TypeFindMatches,
	TypeGenerateDocument, TypeCleanup, TypeAnalyzeProfile, TypeSubmitApplication, TypeActivityReport,
	TypeSyncAllProfiles, TypeSearchJobsForAllUsers, TypeFindMatchesForAllUsers, TypeReindexJobs, TypeReindexProfiles,
}

// ParseType validates s against Types.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", engine.Invalid("unknown task type %q", s)
}

// State of a task in the log.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateRevoked State = "revoked"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateRevoked
}

// Task is one queued unit of work. Attempt starts at 1.
type Task struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	ParentID   string          `json:"parent_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitzero"`
}

// Decode unmarshals the payload into T. A bad payload is a validation error.
func Decode[T any](t Task) (T, error) {
	var v T
	if len(t.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(t.Payload, &v); err != nil {
		return v, engine.Invalid("%s payload: %v", t.Type, err)
	}
	return v, nil
}

// Result is what a task reports. Status is "success" or "error".
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Event is one append-only task log entry.
type Event struct {
	TaskID   string          `json:"task_id"`
	Type     Type            `json:"type"`
	State    State           `json:"state"`
	Attempt  int             `json:"attempt"`
	ParentID string          `json:"parent_id,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	At       time.Time       `json:"at"`
}

// Status summarizes a task from its log.
type Status struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	State    State           `json:"state"`
	Attempt  int             `json:"attempt"`
	ParentID string          `json:"parent_id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	History  []Event         `json:"history"`
}

// StatusFrom folds events into a Status. events must be non-empty.
func StatusFrom(events []Event) Status {
	last := events[len(events)-1]
	st := Status{
		ID:       last.TaskID,
		Type:     last.Type,
		State:    last.State,
		Attempt:  last.Attempt,
		ParentID: events[0].ParentID,
		History:  events,
	}
	for i := len(events) - 1; i >= 0; i-- {
		if len(events[i].Result) > 0 {
			st.Result = events[i].Result
			break
		}
	}
	return st
}

// childSpace seeds deterministic child task ids.
var childSpace = uuid.MustParse("2b0d7c4e-51a8-4f3b-9d6e-0c7a1f2e3d4b")

// NewTaskID returns a fresh random id.
func NewTaskID() string { return uuid.NewString() }

// ChildID is stable per (parent, type, key) so a re-delivered fan-out task
// enqueues the same children.
func ChildID(parentID string, t Type, key string) string {
	return uuid.NewSHA1(childSpace, []byte(parentID+"/"+string(t)+"/"+key)).String()
}
