package tasks

import (
	"context"
	"slices"
	"sync"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Log is the append-only task event log. Entries are never rewritten; a
// task's state is the state of its latest event.
type Log interface {
	// Transition appends ev only when the task's current state is in from.
	// The empty state stands for "no events yet". It reports whether ev was
	// appended and the state it found.
	Transition(ctx context.Context, ev Event, from ...State) (bool, State, error)
	// History returns the task's events oldest first, or an error wrapping
	// engine.ErrNotFound.
	History(ctx context.Context, taskID string) ([]Event, error)
	Close() error
}

// MemoryLog is a process-local Log.
type MemoryLog struct {
	mu     sync.Mutex
	events map[string][]Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event)}
}

func (l *MemoryLog) Transition(_ context.Context, ev Event, from ...State) (bool, State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cur State
	if evs := l.events[ev.TaskID]; len(evs) > 0 {
		cur = evs[len(evs)-1].State
	}
	if !slices.Contains(from, cur) {
		return false, cur, nil
	}
	l.events[ev.TaskID] = append(l.events[ev.TaskID], ev)
	return true, cur, nil
}

func (l *MemoryLog) History(_ context.Context, taskID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.events[taskID]
	if len(evs) == 0 {
		return nil, engine.NotFound("task", taskID)
	}
	return slices.Clone(evs), nil
}

func (l *MemoryLog) Close() error { return nil }
