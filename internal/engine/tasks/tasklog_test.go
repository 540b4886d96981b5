package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

func logContract(t *testing.T, newLog func(t *testing.T) Log) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := func(s State, attempt int) Event {
		return Event{TaskID: "t1", Type: TypeIndexJob, State: s, Attempt: attempt, ParentID: "p1", At: at}
	}

	t.Run("unknown task", func(t *testing.T) {
		_, err := newLog(t).History(ctx, "t1")
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("conditional append", func(t *testing.T) {
		l := newLog(t)
		ok, cur, err := l.Transition(ctx, ev(StateQueued, 1), "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, State(""), cur)

		ok, cur, err = l.Transition(ctx, ev(StateQueued, 1), "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StateQueued, cur)

		ok, _, err = l.Transition(ctx, ev(StateRunning, 1), StateQueued, StateRunning)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, cur, err = l.Transition(ctx, ev(StateRevoked, 1), StateQueued)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StateRunning, cur)
	})

	t.Run("history keeps order and fields", func(t *testing.T) {
		l := newLog(t)
		_, _, err := l.Transition(ctx, ev(StateQueued, 1), "")
		require.NoError(t, err)
		_, _, err = l.Transition(ctx, ev(StateRunning, 1), StateQueued)
		require.NoError(t, err)
		done := ev(StateSuccess, 1)
		done.Message = "indexed"
		done.Result = json.RawMessage(`{"status":"success","message":"indexed"}`)
		_, _, err = l.Transition(ctx, done, StateRunning)
		require.NoError(t, err)

		evs, err := l.History(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, evs, 3)
		assert.Equal(t, StateQueued, evs[0].State)
		assert.Equal(t, StateSuccess, evs[2].State)
		assert.Equal(t, "p1", evs[0].ParentID)
		assert.Equal(t, "indexed", evs[2].Message)
		assert.JSONEq(t, `{"status":"success","message":"indexed"}`, string(evs[2].Result))
		assert.True(t, at.Equal(evs[2].At))

		st := StatusFrom(evs)
		assert.Equal(t, StateSuccess, st.State)
		assert.True(t, st.State.Terminal())
	})
}

func TestMemoryLog(t *testing.T) {
	logContract(t, func(*testing.T) Log { return NewMemoryLog() })
}

func TestSQLiteLog(t *testing.T) {
	logContract(t, func(t *testing.T) Log {
		l, err := OpenSQLiteLog(filepath.Join(t.TempDir(), "tasks", "log.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestSQLiteLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	ctx := context.Background()

	l, err := OpenSQLiteLog(path)
	require.NoError(t, err)
	_, _, err = l.Transition(ctx, Event{TaskID: "t1", Type: TypeCleanup, State: StateQueued, Attempt: 1, At: time.Now()}, "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenSQLiteLog(path)
	require.NoError(t, err)
	defer l.Close()
	evs, err := l.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeCleanup, evs[0].Type)
}

func TestSQLiteLogConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	a, err := OpenSQLiteLog(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLiteLog(path)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 40 {
		l := Log(a)
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := Event{TaskID: fmt.Sprintf("t%d", i), Type: TypeCleanup, State: StateQueued, Attempt: 1, At: time.Now()}
			_, _, err := l.Transition(ctx, ev, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := range 40 {
		_, err := a.History(ctx, fmt.Sprintf("t%d", i))
		assert.NoError(t, err)
	}
}

func TestNewLogSelectsBackend(t *testing.T) {
	ctx := context.Background()
	l, err := NewLog(ctx, engine.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLog{}, l)

	l, err = NewLog(ctx, engine.Config{TaskLogPath: filepath.Join(t.TempDir(), "log.db")}, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.IsType(t, &SQLiteLog{}, l)

	_, err = NewLog(ctx, engine.Config{TaskLogBackend: engine.BackendPostgres}, nil)
	assert.Error(t, err)
}

func TestStatusFromKeepsLatestResult(t *testing.T) {
	evs := []Event{
		{TaskID: "t", State: StateQueued, Attempt: 1, ParentID: "p"},
		{TaskID: "t", State: StateRunning, Attempt: 1},
		{TaskID: "t", State: StateFailed, Attempt: 1, Result: json.RawMessage(`{"status":"error"}`)},
	}
	st := StatusFrom(evs)
	assert.Equal(t, "p", st.ParentID)
	assert.Equal(t, StateFailed, st.State)
	assert.JSONEq(t, `{"status":"error"}`, string(st.Result))
}

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("nope")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestChildIDIsDeterministic(t *testing.T) {
	a := ChildID("p", TypeIndexJob, "j1")
	assert.Equal(t, a, ChildID("p", TypeIndexJob, "j1"))
	assert.NotEqual(t, a, ChildID("p", TypeIndexJob, "j2"))
	assert.NotEqual(t, a, ChildID("q", TypeIndexJob, "j1"))
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	_, err := Decode[IndexJobPayload](Task{Type: TypeIndexJob, Payload: json.RawMessage(`{"job_id":5}`)})
	assert.ErrorIs(t, err, engine.ErrValidation)

	p, err := Decode[IndexJobPayload](Task{Type: TypeIndexJob, Payload: json.RawMessage(`{"job_id":"j"}`)})
	require.NoError(t, err)
	assert.Equal(t, "j", p.JobID)
}
