package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Handler executes one task. A returned error is classified with
// engine.IsTerminal to decide between retry and failure.
type Handler func(ctx context.Context, t Task) (Result, error)

// Config bounds task execution.
type Config struct {
	MaxAttempts int
	Retry       engine.RetryConfig
	Timeout     time.Duration
	Workers     int
	FanoutMax   int
}

// ConfigFrom reads the task settings from the service config.
func ConfigFrom(c engine.Config) Config {
	return Config{
		MaxAttempts: c.TaskMaxAttempts,
		Retry:       c.TaskRetry(),
		Timeout:     c.TaskTimeout,
		Workers:     c.Workers,
		FanoutMax:   c.FanoutMax,
	}
}

// Orchestrator enqueues tasks, runs them on a worker pool and records every
// state change in the log before the queue delivery is acked.
type Orchestrator struct {
	queue Queue
	log   Log
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[Type]Handler
}

func NewOrchestrator(q Queue, l Log, cfg Config) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FanoutMax < 1 {
		cfg.FanoutMax = 1000
	}
	return &Orchestrator{
		queue:    q,
		log:      l,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[Type]Handler),
	}
}

// Register binds h to t, replacing any earlier handler.
func (o *Orchestrator) Register(t Type, h Handler) {
	o.mu.Lock()
	o.handlers[t] = h
	o.mu.Unlock()
}

func (o *Orchestrator) handler(t Type) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[t]
	return h, ok
}

// Enqueue queues a new task of type typ. payload is marshaled to JSON; a
// json.RawMessage is used as is.
func (o *Orchestrator) Enqueue(ctx context.Context, typ Type, payload any) (Task, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return Task{}, err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Task{}, err
	}
	t := Task{ID: NewTaskID(), Type: typ, Payload: raw, Attempt: 1, EnqueuedAt: o.now().UTC()}
	if err := o.submit(ctx, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, engine.Invalid("payload is not valid JSON")
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, engine.Invalid("payload: %v", err)
	}
	return raw, nil
}

// errTaskExists means the log already has events for the task id.
var errTaskExists = fmt.Errorf("task already logged: %w", engine.ErrValidation)

// submit logs t as queued and pushes it. The log entry goes first so a
// worker never sees a task the log does not know.
func (o *Orchestrator) submit(ctx context.Context, t Task) error {
	ok, cur, err := o.log.Transition(ctx, o.event(t, StateQueued, "", nil), "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is %s: %w", t.ID, cur, errTaskExists)
	}
	return o.push(ctx, t)
}

func (o *Orchestrator) push(ctx context.Context, t Task) error {
	if err := o.queue.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	engine.IncrTasksEnqueued()
	slog.Debug("task queued", slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
	return nil
}

// repushUnstarted pushes t again when the log holds only its initial queued
// event, which is all an earlier failed push leaves behind. The push may
// duplicate a delivery that did land; process drops the second one.
func (o *Orchestrator) repushUnstarted(ctx context.Context, t Task) error {
	events, err := o.log.History(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(events) != 1 || events[0].State != StateQueued {
		return nil
	}
	slog.Info("re-pushing unstarted task", slog.String("task_id", t.ID), slog.String("parent_id", t.ParentID))
	return o.push(ctx, t)
}

// Revoke cancels a task that has not started yet.
func (o *Orchestrator) Revoke(ctx context.Context, id string) (Status, error) {
	events, err := o.log.History(ctx, id)
	if err != nil {
		return Status{}, err
	}
	last := events[len(events)-1]
	ev := Event{
		TaskID: id, Type: last.Type, State: StateRevoked, Attempt: last.Attempt,
		ParentID: last.ParentID, Message: "revoked", At: o.now().UTC(),
	}
	ok, cur, err := o.log.Transition(ctx, ev, StateQueued)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, engine.Invalid("task %s is %s and cannot be revoked", id, cur)
	}
	engine.IncrTasksRevoked()
	return o.Status(ctx, id)
}

// Status folds the task's log into its current state.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	events, err := o.log.History(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return StatusFrom(events), nil
}

// Run starts the worker pool and blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("task workers started", slog.Int("workers", o.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for range o.cfg.Workers {
		g.Go(func() error {
			for {
				err := o.ProcessNext(gctx)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					slog.Warn("task worker", slog.Any("error", err))
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(time.Second):
					}
				}
			}
		})
	}
	return g.Wait()
}

// ProcessNext dequeues and handles one task.
func (o *Orchestrator) ProcessNext(ctx context.Context) error {
	d, err := o.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	return o.process(ctx, d)
}

func (o *Orchestrator) process(ctx context.Context, d Delivery) error {
	t := d.Task
	ok, cur, err := o.log.Transition(ctx, o.event(t, StateRunning, "", nil), StateQueued, StateRunning)
	if err != nil {
		return err
	}
	if !ok && cur == "" {
		return o.rejectUnknown(ctx, d)
	}
	if !ok {
		// Revoked, or a duplicate delivery of a finished task.
		slog.Info("skipping task", slog.String("task_id", t.ID), slog.String("state", string(cur)))
		return o.queue.Ack(ctx, d)
	}

	res, herr := o.run(ctx, t)
	if ctx.Err() != nil {
		// Shutdown mid-task: leave the delivery unacked for redelivery.
		return ctx.Err()
	}

	switch {
	case herr == nil:
		if res.Status == "" {
			res.Status = ResultSuccess
		}
		if err := o.finish(ctx, t, StateSuccess, res); err != nil {
			return err
		}
		engine.IncrTasksSucceeded()
	case engine.IsTerminal(herr) || t.Attempt >= o.cfg.MaxAttempts:
		if err := o.finish(ctx, t, StateFailed, Result{Status: ResultError, Message: herr.Error()}); err != nil {
			return err
		}
		engine.IncrTasksFailed()
		slog.Warn("task failed",
			slog.String("task_id", t.ID), slog.String("type", string(t.Type)),
			slog.Int("attempt", t.Attempt), slog.Any("error", herr))
	default:
		if err := o.retry(ctx, t, herr); err != nil {
			return err
		}
	}
	return o.queue.Ack(ctx, d)
}

// rejectUnknown fails a delivery the log has no record of. Running it would
// bypass revocation, so it is logged as failed where Status can see it.
func (o *Orchestrator) rejectUnknown(ctx context.Context, d Delivery) error {
	t := d.Task
	raw, _ := json.Marshal(Result{Status: ResultError, Message: "task not in the task log"})
	if _, _, err := o.log.Transition(ctx, o.event(t, StateFailed, "task not in the task log", raw), ""); err != nil {
		return err
	}
	engine.IncrTasksFailed()
	slog.Error("delivery for unknown task rejected",
		slog.String("task_id", t.ID), slog.String("type", string(t.Type)))
	return o.queue.Ack(ctx, d)
}

func (o *Orchestrator) run(ctx context.Context, t Task) (res Result, err error) {
	h, ok := o.handler(t.Type)
	if !ok {
		return Result{}, engine.Invalid("no handler for task type %q", t.Type)
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", slog.String("task_id", t.ID), slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	err = engine.TrackOperation(ctx, string(t.Type), func(ctx context.Context) error {
		var herr error
		res, herr = h(ctx, t)
		return herr
	})
	if errors.Is(err, context.DeadlineExceeded) {
		err = engine.Transient(string(t.Type), err)
	}
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, t Task, s State, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		raw, _ = json.Marshal(Result{Status: res.Status, Message: res.Message})
	}
	_, _, err = o.log.Transition(ctx, o.event(t, s, res.Message, raw), StateRunning)
	return err
}

// retry schedules the next attempt as a fresh delivery of the same task id.
func (o *Orchestrator) retry(ctx context.Context, t Task, cause error) error {
	wait := engine.Backoff(o.cfg.Retry, t.Attempt-1)
	next := t
	next.Attempt++
	next.NotBefore = o.now().Add(wait).UTC()
	msg := fmt.Sprintf("retry in %s: %v", wait, cause)
	if _, _, err := o.log.Transition(ctx, o.event(next, StateQueued, msg, nil), StateRunning); err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("requeue %s: %w", t.ID, err)
	}
	engine.IncrTasksRetried()
	slog.Info("task retry scheduled",
		slog.String("task_id", t.ID), slog.Int("attempt", next.Attempt),
		slog.Duration("wait", wait), slog.Any("error", cause))
	return nil
}

func (o *Orchestrator) event(t Task, s State, msg string, result json.RawMessage) Event {
	return Event{
		TaskID: t.ID, Type: t.Type, State: s, Attempt: t.Attempt,
		ParentID: t.ParentID, Message: msg, Result: result, At: o.now().UTC(),
	}
}

// Child is one fan-out item. Key must be unique within the fan-out.
type Child struct {
	Key     string
	Payload any
}

// Manifest lists the children a fan-out task enqueued.
type Manifest struct {
	ParentID  string   `json:"parent_id"`
	ChildType Type     `json:"child_type"`
	Children  []string `json:"children"`
	Total     int      `json:"total"`
	Truncated bool     `json:"truncated,omitempty"`
}

// FanOut enqueues one childType task per item, at most FanoutMax. Child ids
// derive from the parent id, so a redelivered parent re-lists children
// already logged and only pushes again those that never started.
func (o *Orchestrator) FanOut(ctx context.Context, parent Task, childType Type, items []Child) (Manifest, error) {
	m := Manifest{ParentID: parent.ID, ChildType: childType, Total: len(items), Children: []string{}}
	if len(items) > o.cfg.FanoutMax {
		items = items[:o.cfg.FanoutMax]
		m.Truncated = true
		slog.Warn("fan-out truncated",
			slog.String("task_id", parent.ID), slog.String("child_type", string(childType)),
			slog.Int("total", m.Total), slog.Int("max", o.cfg.FanoutMax))
	}
	for _, it := range items {
		raw, err := marshalPayload(it.Payload)
		if err != nil {
			return m, err
		}
		child := Task{
			ID:         ChildID(parent.ID, childType, it.Key),
			Type:       childType,
			Payload:    raw,
			Attempt:    1,
			ParentID:   parent.ID,
			EnqueuedAt: o.now().UTC(),
		}
		err = o.submit(ctx, child)
		if errors.Is(err, errTaskExists) {
			err = o.repushUnstarted(ctx, child)
		}
		if err != nil {
			return m, err
		}
		m.Children = append(m.Children, child.ID)
	}
	return m, nil
}
